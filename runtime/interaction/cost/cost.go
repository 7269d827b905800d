// Package cost tracks the spend of a session: tokens consumed per model, the
// estimated dollar cost derived from a pricing table, and how many
// interactions were answered from the response cache instead of the model.
package cost

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/telemetry"
)

// Known model identifiers.
const (
	ModelHaiku  = "claude-haiku-3-20240307"
	ModelSonnet = "claude-sonnet-4-20250514"
	ModelOpus   = "claude-opus-4-20250514"
)

// cachedDiscount is the share of the input price waived for prompt-cached
// tokens.
const cachedDiscount = 0.9

type (
	// Price is the USD cost per million tokens.
	Price struct {
		InputPerMTok  float64 `yaml:"input" json:"input"`
		OutputPerMTok float64 `yaml:"output" json:"output"`
	}

	// Pricing maps model identifiers to prices.
	Pricing map[string]Price

	// Interaction is the cost record of one model call or cache hit.
	Interaction struct {
		Timestamp    time.Time `json:"timestamp"`
		Model        string    `json:"model"`
		InputTokens  int       `json:"inputTokens"`
		OutputTokens int       `json:"outputTokens"`
		CachedTokens int       `json:"cachedTokens"`
		Cost         float64   `json:"cost"`
		CacheHit     bool      `json:"cacheHit"`
	}

	// Stats aggregates a session.
	Stats struct {
		TotalInteractions int           `json:"totalInteractions"`
		TotalInputTokens  int           `json:"totalInputTokens"`
		TotalOutputTokens int           `json:"totalOutputTokens"`
		TotalCachedTokens int           `json:"totalCachedTokens"`
		TotalCost         float64       `json:"totalCost"`
		CacheHits         int           `json:"cacheHits"`
		CacheMisses       int           `json:"cacheMisses"`
		CacheHitRate      float64       `json:"cacheHitRate"`
		SessionDuration   time.Duration `json:"sessionDuration"`
		LastCost          float64       `json:"lastCost"`
	}

	// Options configures a Tracker.
	Options struct {
		// Pricing overrides DefaultPricing entries.
		Pricing Pricing
		Logger  telemetry.Logger
		Now     func() time.Time
	}

	// Tracker accumulates session cost. It is safe for concurrent use.
	Tracker struct {
		pricing Pricing
		logger  telemetry.Logger
		now     func() time.Time

		mu           sync.Mutex
		start        time.Time
		interactions []Interaction
		stats        Stats
	}
)

// DefaultPricing returns the built-in price table.
func DefaultPricing() Pricing {
	return Pricing{
		ModelHaiku:  {InputPerMTok: 0.25, OutputPerMTok: 1.25},
		ModelSonnet: {InputPerMTok: 3, OutputPerMTok: 15},
		ModelOpus:   {InputPerMTok: 15, OutputPerMTok: 75},
	}
}

// Lookup returns the price of modelID. Unknown identifiers are matched by
// model family (haiku, sonnet, opus) and fall back to sonnet pricing.
func (p Pricing) Lookup(modelID string) Price {
	if pr, ok := p[modelID]; ok {
		return pr
	}
	lower := strings.ToLower(modelID)
	for _, family := range []string{"haiku", "opus", "sonnet"} {
		if !strings.Contains(lower, family) {
			continue
		}
		for id, pr := range p {
			if strings.Contains(strings.ToLower(id), family) {
				return pr
			}
		}
	}
	if pr, ok := p[ModelSonnet]; ok {
		return pr
	}
	return DefaultPricing()[ModelSonnet]
}

// Estimate returns the USD cost of in input and out output tokens on
// modelID.
func (p Pricing) Estimate(in, out int, modelID string) float64 {
	pr := p.Lookup(modelID)
	return float64(in)/1e6*pr.InputPerMTok + float64(out)/1e6*pr.OutputPerMTok
}

// New returns a Tracker.
func New(opts Options) *Tracker {
	pricing := DefaultPricing()
	for k, v := range opts.Pricing {
		pricing[k] = v
	}
	t := &Tracker{pricing: pricing, logger: opts.Logger, now: opts.Now}
	if t.logger == nil {
		t.logger = telemetry.NewNoopLogger()
	}
	if t.now == nil {
		t.now = time.Now
	}
	t.start = t.now()
	return t
}

// RecordInteraction records a model call and returns its cost record.
// cached input tokens are billed at a 90% discount.
func (t *Tracker) RecordInteraction(ctx context.Context, modelID string, in, out, cached int) Interaction {
	pr := t.pricing.Lookup(modelID)
	effective := float64(in) - float64(cached)*cachedDiscount
	c := effective/1e6*pr.InputPerMTok + float64(out)/1e6*pr.OutputPerMTok
	rec := Interaction{
		Timestamp:    t.now(),
		Model:        modelID,
		InputTokens:  in,
		OutputTokens: out,
		CachedTokens: cached,
		Cost:         c,
	}
	t.mu.Lock()
	t.stats.TotalInteractions++
	t.stats.TotalInputTokens += in
	t.stats.TotalOutputTokens += out
	t.stats.TotalCachedTokens += cached
	t.stats.TotalCost += c
	t.stats.CacheMisses++
	t.stats.LastCost = c
	t.interactions = append(t.interactions, rec)
	t.mu.Unlock()
	t.logger.Info(ctx, "interaction cost", "model", modelID, "cost", c, "input_tokens", in, "output_tokens", out, "cached_tokens", cached)
	return rec
}

// RecordCacheHit records an interaction answered from the response cache.
// It costs nothing and is counted separately from model calls.
func (t *Tracker) RecordCacheHit(ctx context.Context) {
	t.mu.Lock()
	t.stats.TotalInteractions++
	t.stats.CacheHits++
	t.stats.LastCost = 0
	t.interactions = append(t.interactions, Interaction{Timestamp: t.now(), CacheHit: true})
	t.mu.Unlock()
	t.logger.Debug(ctx, "response cache hit, no model call")
}

// TotalCost returns the accumulated spend in USD.
func (t *Tracker) TotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats.TotalCost
}

// Stats returns the session aggregate. TotalCost is rounded to 4 decimals
// and CacheHitRate to 3.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.stats
	if n := s.CacheHits + s.CacheMisses; n > 0 {
		s.CacheHitRate = round(float64(s.CacheHits)/float64(n), 3)
	}
	s.TotalCost = round(s.TotalCost, 4)
	s.SessionDuration = t.now().Sub(t.start)
	return s
}

// Interactions returns a copy of every cost record.
func (t *Tracker) Interactions() []Interaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Interaction(nil), t.interactions...)
}

// Estimate returns the USD cost of a prospective call.
func (t *Tracker) Estimate(in, out int, modelID string) float64 {
	return t.pricing.Estimate(in, out, modelID)
}

// Pricing returns a copy of the active price table.
func (t *Tracker) Pricing() Pricing {
	out := make(Pricing, len(t.pricing))
	for k, v := range t.pricing {
		out[k] = v
	}
	return out
}

// Reset clears all statistics and restarts the session clock.
func (t *Tracker) Reset(ctx context.Context) {
	t.mu.Lock()
	t.stats = Stats{}
	t.interactions = nil
	t.start = t.now()
	t.mu.Unlock()
	t.logger.Info(ctx, "cost tracker reset")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
