package cost

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRecordInteractionPricing(t *testing.T) {
	ctx := context.Background()
	tr := New(Options{})

	rec := tr.RecordInteraction(ctx, ModelSonnet, 1_000_000, 1_000_000, 0)
	assert.InDelta(t, 18.0, rec.Cost, 1e-9)

	rec = tr.RecordInteraction(ctx, ModelHaiku, 1_000_000, 0, 1_000_000)
	// 90% of the cached input is waived
	assert.InDelta(t, 0.025, rec.Cost, 1e-9)

	s := tr.Stats()
	assert.Equal(t, 2, s.TotalInteractions)
	assert.Equal(t, 2_000_000, s.TotalInputTokens)
	assert.Equal(t, 1_000_000, s.TotalCachedTokens)
	assert.Equal(t, 2, s.CacheMisses)
	assert.InDelta(t, 18.025, s.TotalCost, 1e-9)
}

func TestUnknownModelsUseFamilyOrSonnet(t *testing.T) {
	p := DefaultPricing()
	assert.Equal(t, p[ModelOpus], p.Lookup("anthropic.claude-opus-4-v1:0"))
	assert.Equal(t, p[ModelHaiku], p.Lookup("claude-3-5-haiku-latest"))
	assert.Equal(t, p[ModelSonnet], p.Lookup("gpt-4o"))
}

func TestCacheHitsAreAttributedSeparately(t *testing.T) {
	ctx := context.Background()
	tr := New(Options{})
	tr.RecordInteraction(ctx, ModelSonnet, 100, 10, 0)
	tr.RecordCacheHit(ctx)
	tr.RecordCacheHit(ctx)

	s := tr.Stats()
	assert.Equal(t, 3, s.TotalInteractions)
	assert.Equal(t, 2, s.CacheHits)
	assert.Equal(t, 1, s.CacheMisses)
	assert.InDelta(t, 0.667, s.CacheHitRate, 1e-9)
	assert.Zero(t, s.LastCost)
	assert.Equal(t, 100, s.TotalInputTokens)

	recs := tr.Interactions()
	assert.Len(t, recs, 3)
	assert.True(t, recs[2].CacheHit)
}

func TestPricingOverridesAndEstimate(t *testing.T) {
	tr := New(Options{Pricing: Pricing{"local": {InputPerMTok: 1, OutputPerMTok: 2}}})
	assert.InDelta(t, 3.0, tr.Estimate(1_000_000, 1_000_000, "local"), 1e-9)
	assert.Contains(t, tr.Pricing(), ModelSonnet)
}

func TestStatsRoundingDurationAndReset(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(0, 0)
	tr := New(Options{Now: func() time.Time { return now }})
	tr.RecordInteraction(ctx, ModelSonnet, 1, 0, 0)
	now = now.Add(90 * time.Second)

	s := tr.Stats()
	assert.Equal(t, 0.0, s.TotalCost)
	assert.Equal(t, 90*time.Second, s.SessionDuration)
	assert.InDelta(t, 3e-6, tr.TotalCost(), 1e-12)

	tr.Reset(ctx)
	s = tr.Stats()
	assert.Zero(t, s.TotalInteractions)
	assert.Zero(t, s.SessionDuration)
	assert.Empty(t, tr.Interactions())
}
