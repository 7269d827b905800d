// Package middleware provides model.Client middlewares that sit at the
// provider boundary, below the per-call retry loop of the interaction runtime.
package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/telemetry"
	"goa.design/pulse/rmap"
)

const (
	// DefaultTPM is the tokens-per-minute budget used when none is configured.
	DefaultTPM = 60000
	// requestOverhead is added to every estimate for framing and the reply.
	requestOverhead = 500
	// clusterTimeout bounds the shared budget updates.
	clusterTimeout = 2 * time.Second
)

// MetricTPM reports the effective tokens-per-minute budget.
const MetricTPM = "parley.model.tpm"

type (
	// AdaptiveOptions configures an AdaptiveRateLimiter.
	AdaptiveOptions struct {
		// InitialTPM is the starting tokens-per-minute budget. Defaults to
		// DefaultTPM.
		InitialTPM float64
		// MaxTPM caps recovery. Clamped to InitialTPM when lower.
		MaxTPM float64
		// Map coordinates the budget across processes. Nil keeps the limiter
		// process-local.
		Map *rmap.Map
		// Key names the shared budget in Map, typically the model identifier.
		Key string
		// Logger records budget changes. Defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics receives the MetricTPM gauge. Defaults to no-op metrics.
		Metrics telemetry.Metrics
	}

	// AdaptiveRateLimiter applies an AIMD token bucket on top of a
	// model.Client. It estimates the token cost of each request, blocks callers
	// until capacity is available, halves its budget when the provider
	// throttles and grows it linearly after each success.
	AdaptiveRateLimiter struct {
		mu sync.Mutex

		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64

		recoveryRate float64

		logger  telemetry.Logger
		metrics telemetry.Metrics

		onBackoff func(newTPM float64)
		onRaise   func(newTPM float64)
	}

	limitedClient struct {
		next    model.Client
		limiter *AdaptiveRateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(ch <-chan rmap.EventKind)
	}
)

// NewAdaptiveRateLimiter constructs an AdaptiveRateLimiter. When opts.Map and
// opts.Key are set, the budget is shared through the replicated map until ctx
// is canceled; otherwise the limiter is process-local.
func NewAdaptiveRateLimiter(ctx context.Context, opts AdaptiveOptions) *AdaptiveRateLimiter {
	var cm clusterMap
	if opts.Map != nil {
		cm = opts.Map
	}
	return newClusterAdaptiveRateLimiter(ctx, cm, opts)
}

// newAdaptiveRateLimiter builds the process-local limiter. The floor is 10% of
// the initial budget and each success recovers 5% of it.
func newAdaptiveRateLimiter(opts AdaptiveOptions) *AdaptiveRateLimiter {
	initialTPM := opts.InitialTPM
	if initialTPM <= 0 {
		initialTPM = DefaultTPM
	}
	maxTPM := opts.MaxTPM
	if maxTPM <= 0 || maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &AdaptiveRateLimiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       max(initialTPM*0.1, 1),
		maxTPM:       maxTPM,
		recoveryRate: max(initialTPM*0.05, 1),
		logger:       logger,
		metrics:      metrics,
	}
}

// Middleware returns a model.Client middleware enforcing the adaptive
// tokens-per-minute limit.
func (l *AdaptiveRateLimiter) Middleware() func(model.Client) model.Client {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// CurrentTPM returns the effective tokens-per-minute budget.
func (l *AdaptiveRateLimiter) CurrentTPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Complete enforces the limiter before delegating to the underlying client.
func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (l *AdaptiveRateLimiter) wait(ctx context.Context, req *model.Request) error {
	tokens := estimateTokens(req)
	l.mu.Lock()
	lim := l.limiter
	if burst := lim.Burst(); tokens > burst && burst > 0 {
		tokens = burst
	}
	l.mu.Unlock()
	return lim.WaitN(ctx, tokens)
}

func (l *AdaptiveRateLimiter) observe(ctx context.Context, err error) {
	if err == nil {
		l.raise(ctx)
		return
	}
	if errors.Is(err, model.ErrRateLimited) {
		l.backoff(ctx)
	}
}

func (l *AdaptiveRateLimiter) backoff(ctx context.Context) {
	l.mu.Lock()
	newTPM := max(l.currentTPM*0.5, l.minTPM)
	if !l.setLocked(newTPM) {
		l.mu.Unlock()
		return
	}
	cb := l.onBackoff
	l.mu.Unlock()

	l.logger.Warn(ctx, "provider throttled, reducing token budget", "tpm", newTPM)
	if cb != nil {
		cb(newTPM)
	}
}

func (l *AdaptiveRateLimiter) raise(ctx context.Context) {
	l.mu.Lock()
	newTPM := min(l.currentTPM+l.recoveryRate, l.maxTPM)
	if !l.setLocked(newTPM) {
		l.mu.Unlock()
		return
	}
	cb := l.onRaise
	l.mu.Unlock()

	l.logger.Debug(ctx, "raising token budget", "tpm", newTPM)
	if cb != nil {
		cb(newTPM)
	}
}

// replaceTPM updates the budget to tpm clamped to [minTPM, maxTPM].
func (l *AdaptiveRateLimiter) replaceTPM(tpm float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.setLocked(min(max(tpm, l.minTPM), l.maxTPM))
}

// setLocked applies tpm and reports whether it changed. l.mu must be held.
func (l *AdaptiveRateLimiter) setLocked(tpm float64) bool {
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	l.metrics.RecordGauge(MetricTPM, tpm)
	return true
}

// estimateTokens approximates the request size with the runtime budget
// heuristic plus a fixed overhead for framing and the completion.
func estimateTokens(req *model.Request) int {
	tokens := budget.EstimateTokens(req.System)
	for _, m := range req.Messages {
		tokens += budget.EstimateTokens(m.Content)
	}
	return tokens + requestOverhead
}

func newClusterAdaptiveRateLimiter(ctx context.Context, m clusterMap, opts AdaptiveOptions) *AdaptiveRateLimiter {
	key := opts.Key
	if key == "" || m == nil {
		return newAdaptiveRateLimiter(opts)
	}
	initialTPM := opts.InitialTPM
	if initialTPM <= 0 {
		initialTPM = DefaultTPM
	}

	// Seed the shared budget. A concurrent writer may win; it is read back
	// below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			if opts.Logger != nil {
				opts.Logger.Warn(ctx, "seeding shared token budget failed, using local limiter", "key", key, "err", err)
			}
			return newAdaptiveRateLimiter(opts)
		}
	}

	local := opts
	if cur, ok := m.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			local.InitialTPM = v
			if local.MaxTPM < opts.InitialTPM {
				local.MaxTPM = opts.InitialTPM
			}
		}
	}
	l := newAdaptiveRateLimiter(local)

	floor, ceiling, step := l.minTPM, l.maxTPM, l.recoveryRate
	l.mu.Lock()
	l.onBackoff = func(float64) { go globalBackoff(context.WithoutCancel(ctx), m, key, floor) }
	l.onRaise = func(float64) { go globalRaise(context.WithoutCancel(ctx), m, key, step, ceiling) }
	l.mu.Unlock()

	ch := m.Subscribe()
	go func() {
		defer m.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				cur, ok := m.Get(key)
				if !ok {
					continue
				}
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					l.replaceTPM(v)
				}
			}
		}
	}()
	return l
}

func globalBackoff(ctx context.Context, m clusterMap, key string, floor float64) {
	updateShared(ctx, m, key, func(cur float64) (float64, bool) {
		return max(cur*0.5, floor), true
	})
}

func globalRaise(ctx context.Context, m clusterMap, key string, step, ceiling float64) {
	updateShared(ctx, m, key, func(cur float64) (float64, bool) {
		if cur >= ceiling {
			return 0, false
		}
		return min(cur+step, ceiling), true
	})
}

// updateShared applies next to the shared budget with compare-and-swap,
// retrying a few times when another process wins the race.
func updateShared(ctx context.Context, m clusterMap, key string, next func(float64) (float64, bool)) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, clusterTimeout)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		v, ok := next(cur)
		if !ok {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(v)))
		if err != nil || prev == curStr {
			return
		}
	}
}
