// Package checkpointtest provides the behavioral test suite shared by every
// checkpoint.Store implementation.
package checkpointtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/checkpoint"
)

// Sample returns a checkpoint whose values survive a JSON round trip.
func Sample(simulation, name string) checkpoint.Checkpoint {
	return checkpoint.Checkpoint{
		Name:       name,
		Simulation: simulation,
		Timestamp:  time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
		WorldState: map[string]any{
			"approval": 52.5,
			"crisis":   true,
			"nested":   map[string]any{"treasury": "stable"},
			"tags":     []any{"budget", "press"},
		},
		AgentStates: map[string]map[string]any{
			"chancellor": {"mood": "tense"},
		},
		TurnCount: 7,
		History: []map[string]any{
			{"agent": "chancellor", "input": "status?", "response": "grim"},
		},
		Metadata: map[string]any{"note": "before the vote"},
	}
}

// Run exercises s against the checkpoint.Store contract. s must be empty.
func Run(t *testing.T, s checkpoint.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("save and load round trip", func(t *testing.T) {
		want := Sample("sim-a", "first")
		require.NoError(t, s.Save(ctx, want))
		got, err := s.Load(ctx, "sim-a", "first")
		require.NoError(t, err)
		assertEqual(t, want, got)
	})

	t.Run("save replaces", func(t *testing.T) {
		cp := Sample("sim-a", "replaced")
		require.NoError(t, s.Save(ctx, cp))
		cp.TurnCount = 9
		cp.WorldState = map[string]any{"approval": 10.0}
		require.NoError(t, s.Save(ctx, cp))
		got, err := s.Load(ctx, "sim-a", "replaced")
		require.NoError(t, err)
		assert.Equal(t, 9, got.TurnCount)
		assert.Equal(t, map[string]any{"approval": 10.0}, got.WorldState)
	})

	t.Run("load missing", func(t *testing.T) {
		_, err := s.Load(ctx, "sim-a", "missing")
		assert.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("list is sorted and scoped", func(t *testing.T) {
		for _, n := range []string{"zeta", "alpha", "mid"} {
			require.NoError(t, s.Save(ctx, Sample("sim-list", n)))
		}
		require.NoError(t, s.Save(ctx, Sample("sim-other", "beta")))
		names, err := s.List(ctx, "sim-list")
		require.NoError(t, err)
		assert.Equal(t, []string{"alpha", "mid", "zeta"}, names)

		names, err = s.List(ctx, "sim-empty")
		require.NoError(t, err)
		assert.Empty(t, names)
	})

	t.Run("delete and exists", func(t *testing.T) {
		require.NoError(t, s.Save(ctx, Sample("sim-del", "gone")))
		ok, err := s.Exists(ctx, "sim-del", "gone")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, s.Delete(ctx, "sim-del", "gone"))
		ok, err = s.Exists(ctx, "sim-del", "gone")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.ErrorIs(t, s.Delete(ctx, "sim-del", "gone"), checkpoint.ErrNotFound)
	})

	t.Run("validation", func(t *testing.T) {
		assert.Error(t, s.Save(ctx, checkpoint.Checkpoint{Simulation: "sim-a"}))
		assert.Error(t, s.Save(ctx, checkpoint.Checkpoint{Name: "x"}))
		_, err := s.Load(ctx, "", "x")
		assert.Error(t, err)
	})
}

func assertEqual(t *testing.T, want, got checkpoint.Checkpoint) {
	t.Helper()
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", want.Timestamp, got.Timestamp)
	want.Timestamp, got.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}
