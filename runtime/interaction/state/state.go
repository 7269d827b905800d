// Package state holds world-state helpers shared by the runtime: deep
// copies, diffs between two states, and the rule-driven updates applied after
// each agent interaction.
package state

import (
	"maps"
	"reflect"
	"sort"
)

type (
	// Change is the before and after value of a key present in both states.
	Change struct {
		From any `json:"from"`
		To   any `json:"to"`
	}

	// Diff describes how one world state differs from another.
	Diff struct {
		Added   map[string]any    `json:"added"`
		Removed map[string]any    `json:"removed"`
		Changed map[string]Change `json:"changed"`
	}
)

// Clone returns a deep copy of m. Nested maps and slices are copied; other
// values are shared.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices of the JSON-like shapes used in
// world state.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = CloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}

// CloneNested deep-copies a map of maps such as per-agent state.
func CloneNested(m map[string]map[string]any) map[string]map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}

// CloneList deep-copies a list of records.
func CloneList(l []map[string]any) []map[string]any {
	if l == nil {
		return nil
	}
	out := make([]map[string]any, len(l))
	for i, m := range l {
		out[i] = Clone(m)
	}
	return out
}

// Compare returns the keys added, removed and changed going from before to
// after.
func Compare(before, after map[string]any) Diff {
	d := Diff{
		Added:   map[string]any{},
		Removed: map[string]any{},
		Changed: map[string]Change{},
	}
	for k, v := range after {
		old, ok := before[k]
		switch {
		case !ok:
			d.Added[k] = v
		case !reflect.DeepEqual(old, v):
			d.Changed[k] = Change{From: old, To: v}
		}
	}
	for k, v := range before {
		if _, ok := after[k]; !ok {
			d.Removed[k] = v
		}
	}
	return d
}

// Empty reports whether the diff has no entries.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Keys returns the keys of m in sorted order.
func Keys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
