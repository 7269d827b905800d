// Package bucket maps world state into a coarse, discrete string so that
// near-identical states produce the same interaction signature.
package bucket

import (
	"sort"
	"strings"
	"sync"
)

// Unknown is the label of a number that falls outside every configured range.
const Unknown = "unknown"

type (
	// Range labels the half-open interval [Min, Max).
	Range struct {
		Min   float64 `yaml:"min" json:"min"`
		Max   float64 `yaml:"max" json:"max"`
		Label string  `yaml:"label" json:"label"`
	}

	// Bucketer quantizes world state using per-key ranges. It is safe for
	// concurrent use.
	Bucketer struct {
		mu     sync.RWMutex
		ranges map[string][]Range
	}
)

// DefaultRanges returns the built-in ranges for the approval, economy and
// tension keys.
func DefaultRanges() map[string][]Range {
	return map[string][]Range{
		"approval": {
			{0, 30, "very_low"},
			{30, 50, "low"},
			{50, 70, "medium"},
			{70, 85, "high"},
			{85, 100, "very_high"},
		},
		"economy": {
			{-100, -50, "crisis"},
			{-50, -10, "recession"},
			{-10, 10, "stable"},
			{10, 50, "growing"},
			{50, 100, "booming"},
		},
		"tension": {
			{0, 25, "calm"},
			{25, 50, "uneasy"},
			{50, 75, "tense"},
			{75, 100, "critical"},
		},
	}
}

// New returns a Bucketer seeded with DefaultRanges overlaid with overrides.
func New(overrides map[string][]Range) *Bucketer {
	b := &Bucketer{ranges: DefaultRanges()}
	for k, r := range overrides {
		b.ranges[k] = cloneRanges(r)
	}
	return b
}

// AddRanges registers or replaces the ranges used for key.
func (b *Bucketer) AddRanges(key string, ranges []Range) {
	b.mu.Lock()
	b.ranges[key] = cloneRanges(ranges)
	b.mu.Unlock()
}

// Ranges returns a copy of the configured ranges.
func (b *Bucketer) Ranges() map[string][]Range {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string][]Range, len(b.ranges))
	for k, r := range b.ranges {
		out[k] = cloneRanges(r)
	}
	return out
}

// Bucket returns the bucket string of state: "key:label" pairs in sorted key
// order joined by commas. Numbers are quantized through the key's ranges and
// skipped when the key has none; strings are lower-cased; booleans render as
// true/false. Other value types are ignored.
func (b *Bucketer) Bucket(state map[string]any) string {
	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.mu.RLock()
	defer b.mu.RUnlock()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := state[k].(type) {
		case bool:
			if v {
				parts = append(parts, k+":true")
			} else {
				parts = append(parts, k+":false")
			}
		case string:
			parts = append(parts, k+":"+strings.ToLower(v))
		default:
			f, ok := toFloat(v)
			if !ok {
				continue
			}
			r, ok := b.ranges[k]
			if !ok {
				continue
			}
			parts = append(parts, k+":"+Value(f, r))
		}
	}
	return strings.Join(parts, ",")
}

// BucketValue quantizes v through the ranges of key. It returns Unknown when
// key has no ranges.
func (b *Bucketer) BucketValue(key string, v float64) string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.ranges[key]
	if !ok {
		return Unknown
	}
	return Value(v, r)
}

// Value returns the label of the first range containing v. A value equal to
// the Max of the last range takes its label; otherwise Unknown.
func Value(v float64, ranges []Range) string {
	for _, r := range ranges {
		if r.Min <= v && v < r.Max {
			return r.Label
		}
	}
	if n := len(ranges); n > 0 && v == ranges[n-1].Max {
		return ranges[n-1].Label
	}
	return Unknown
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func cloneRanges(r []Range) []Range {
	return append([]Range(nil), r...)
}
