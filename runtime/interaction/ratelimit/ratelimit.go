// Package ratelimit wraps outbound model calls with retry, exponential
// backoff with jitter, and rate-limit state tracking.
//
// A Limiter is shared by every call of a session. When a call reports a
// rate-limit window (for example "retry after 20 seconds"), later calls block
// until the window has elapsed instead of hammering the provider.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/telemetry"
)

// DefaultRetryAfter is the window assumed when an error mentions a rate limit
// without saying for how long.
const DefaultRetryAfter = 30 * time.Second

// ErrRateLimitExhausted matches every ExhaustedError through errors.Is.
var ErrRateLimitExhausted = errors.New("rate limit retries exhausted")

var (
	rateLimitPhrases = []string{"rate limit", "too many requests", "429", "overloaded"}

	retryAfterPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)retry.after.(\d+(?:\.\d+)?)\s*s`),
		regexp.MustCompile(`(?i)wait.(\d+(?:\.\d+)?)\s*s`),
		regexp.MustCompile(`(?i)(\d+(?:\.\d+)?)\s*seconds?`),
	}
)

type (
	// Config is the retry policy.
	Config struct {
		// MaxRetries is the number of retries after the first attempt.
		MaxRetries int `yaml:"maxRetries" json:"maxRetries"`
		// BaseDelay is the delay before the first retry.
		BaseDelay time.Duration `yaml:"baseDelay" json:"baseDelay"`
		// MaxDelay caps the exponential delay before jitter.
		MaxDelay time.Duration `yaml:"maxDelay" json:"maxDelay"`
		// ExponentialBase is the backoff multiplier.
		ExponentialBase float64 `yaml:"exponentialBase" json:"exponentialBase"`
		// JitterFactor adds up to this fraction of the delay at random.
		JitterFactor float64 `yaml:"jitterFactor" json:"jitterFactor"`
		// Retryable lists errors that are retried when found in the chain
		// with errors.Is, in addition to rate-limit phrases in the error
		// text and retryable provider errors.
		Retryable []error `yaml:"-" json:"-"`
	}

	// State is the observable rate-limit state.
	State struct {
		IsLimited         bool      `json:"isLimited"`
		RetryAfter        time.Time `json:"retryAfter"`
		ConsecutiveErrors int       `json:"consecutiveErrors"`
		TotalRetries      int       `json:"totalRetries"`
		LastError         string    `json:"lastError"`
	}

	// Stats reports limiter state together with its policy.
	Stats struct {
		State
		Config Config `json:"config"`
	}

	// Options configures a Limiter.
	Options struct {
		// Config is the retry policy. The zero value selects DefaultConfig.
		Config Config
		// Logger receives retry and wait notices.
		Logger telemetry.Logger
		// Metrics counts retries.
		Metrics telemetry.Metrics
		// Sleep waits for d or until ctx is done. Defaults to a timer.
		Sleep func(ctx context.Context, d time.Duration) error
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
		// Float64 returns a uniform number in [0, 1) used for jitter.
		Float64 func() float64
	}

	// Limiter retries failed calls. It is safe for concurrent use; the
	// state it tracks is shared by all callers.
	Limiter struct {
		cfg     Config
		logger  telemetry.Logger
		metrics telemetry.Metrics
		sleep   func(context.Context, time.Duration) error
		now     func() time.Time
		float64 func() float64

		mu    sync.Mutex
		state State
	}

	// ExhaustedError is returned once every attempt failed with a retryable
	// error.
	ExhaustedError struct {
		// Attempts is the number of attempts made.
		Attempts int
		// RetryAfter is the end of the last known rate-limit window, zero if
		// none was reported.
		RetryAfter time.Time
		// LastError is the error of the final attempt.
		LastError error
	}
)

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 2,
		JitterFactor:    0.1,
		Retryable:       []error{model.ErrRateLimited},
	}
}

// New returns a Limiter.
func New(opts Options) *Limiter {
	cfg := opts.Config
	if cfg.BaseDelay == 0 && cfg.MaxDelay == 0 && cfg.ExponentialBase == 0 && cfg.MaxRetries == 0 {
		cfg = DefaultConfig()
	}
	if cfg.ExponentialBase <= 0 {
		cfg.ExponentialBase = 2
	}
	l := &Limiter{
		cfg:     cfg,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		sleep:   opts.Sleep,
		now:     opts.Now,
		float64: opts.Float64,
	}
	if l.logger == nil {
		l.logger = telemetry.NewNoopLogger()
	}
	if l.metrics == nil {
		l.metrics = telemetry.NewNoopMetrics()
	}
	if l.sleep == nil {
		l.sleep = sleepContext
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.float64 == nil {
		l.float64 = rand.Float64
	}
	return l
}

// Do runs fn through l and returns its value.
func Do[T any](ctx context.Context, l *Limiter, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := l.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// Execute runs fn, retrying retryable failures up to MaxRetries times.
// Non-retryable errors are returned unchanged. Context cancellation aborts
// any wait with ctx.Err().
func (l *Limiter) Execute(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error
	attempts := l.cfg.MaxRetries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if wait := l.waitTime(); wait > 0 {
			l.logger.Info(ctx, "rate limited, waiting", "wait", wait.String())
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}

		err := fn(ctx)
		if err == nil {
			l.mu.Lock()
			l.state.ConsecutiveErrors = 0
			l.state.IsLimited = false
			l.mu.Unlock()
			return nil
		}
		lastErr = err
		if !l.isRetryable(err) {
			return err
		}

		msg := err.Error()
		l.mu.Lock()
		if d, ok := extractRetryAfter(msg); ok {
			l.limitLocked(d, msg)
		}
		l.state.ConsecutiveErrors++
		l.state.TotalRetries++
		l.state.LastError = msg
		l.mu.Unlock()
		l.metrics.IncCounter(telemetry.MetricRateLimitRetry, 1)

		if attempt < l.cfg.MaxRetries {
			delay := l.CalculateDelay(attempt)
			l.logger.Warn(ctx, "retrying model call",
				"attempt", attempt+1, "max_retries", l.cfg.MaxRetries, "delay", delay.String(), "err", err)
			if err := l.sleep(ctx, delay); err != nil {
				return err
			}
		}
	}
	l.mu.Lock()
	retryAfter := l.state.RetryAfter
	l.mu.Unlock()
	return &ExhaustedError{Attempts: attempts, RetryAfter: retryAfter, LastError: lastErr}
}

// CalculateDelay returns the backoff before retry attempt (0-indexed):
// min(MaxDelay, BaseDelay*ExponentialBase^attempt) plus up to JitterFactor of
// that value at random.
func (l *Limiter) CalculateDelay(attempt int) time.Duration {
	d := float64(l.cfg.BaseDelay) * math.Pow(l.cfg.ExponentialBase, float64(attempt))
	if d > float64(l.cfg.MaxDelay) {
		d = float64(l.cfg.MaxDelay)
	}
	d += d * l.cfg.JitterFactor * l.float64()
	return time.Duration(d)
}

// IsLimited reports whether a rate-limit window is active. An expired window
// is cleared.
func (l *Limiter) IsLimited() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.isLimitedLocked()
}

// SetRateLimited opens a rate-limit window of d.
func (l *Limiter) SetRateLimited(d time.Duration) {
	l.mu.Lock()
	l.limitLocked(d, "manually set rate limit")
	l.mu.Unlock()
}

// State returns a copy of the current state.
func (l *Limiter) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.isLimitedLocked()
	return l.state
}

// Stats returns the state together with the retry policy.
func (l *Limiter) Stats() Stats {
	return Stats{State: l.State(), Config: l.cfg}
}

// Config returns the retry policy.
func (l *Limiter) Config() Config { return l.cfg }

// Reset clears all state including the cumulative retry count.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.state = State{}
	l.mu.Unlock()
}

// Error implements error.
func (e *ExhaustedError) Error() string {
	msg := fmt.Sprintf("max retries exhausted after %d attempts", e.Attempts)
	if !e.RetryAfter.IsZero() {
		msg += " (retry after " + e.RetryAfter.Format(time.RFC3339) + ")"
	}
	if e.LastError != nil {
		msg += ": " + e.LastError.Error()
	}
	return msg
}

// Unwrap returns the error of the final attempt.
func (e *ExhaustedError) Unwrap() error { return e.LastError }

// Is makes errors.Is(err, ErrRateLimitExhausted) hold.
func (e *ExhaustedError) Is(target error) bool { return target == ErrRateLimitExhausted }

// AsExhaustedError returns the first ExhaustedError in err's chain, if any.
func AsExhaustedError(err error) (*ExhaustedError, bool) {
	var ee *ExhaustedError
	if errors.As(err, &ee) {
		return ee, true
	}
	return nil, false
}

// IsRateLimitMessage reports whether msg carries a rate-limit indicator
// phrase.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

func (l *Limiter) isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsRateLimitMessage(err.Error()) {
		return true
	}
	for _, target := range l.cfg.Retryable {
		if errors.Is(err, target) {
			return true
		}
	}
	if pe, ok := model.AsProviderError(err); ok {
		return pe.Retryable()
	}
	return false
}

// extractRetryAfter finds an explicit wait in msg. A message mentioning a
// rate limit without a duration yields DefaultRetryAfter.
func extractRetryAfter(msg string) (time.Duration, bool) {
	for _, re := range retryAfterPatterns {
		if m := re.FindStringSubmatch(msg); m != nil {
			secs, err := strconv.ParseFloat(m[1], 64)
			if err == nil {
				return time.Duration(secs * float64(time.Second)), true
			}
		}
	}
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") {
		return DefaultRetryAfter, true
	}
	return 0, false
}

func (l *Limiter) limitLocked(d time.Duration, msg string) {
	l.state.IsLimited = true
	l.state.RetryAfter = l.now().Add(d)
	l.state.LastError = msg
}

func (l *Limiter) isLimitedLocked() bool {
	if !l.state.IsLimited {
		return false
	}
	if !l.state.RetryAfter.IsZero() && !l.now().Before(l.state.RetryAfter) {
		l.state.IsLimited = false
		l.state.RetryAfter = time.Time{}
		return false
	}
	return true
}

func (l *Limiter) waitTime() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.isLimitedLocked() || l.state.RetryAfter.IsZero() {
		return 0
	}
	return max(0, l.state.RetryAfter.Sub(l.now()))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
