package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/checkpoint/checkpointtest"
)

func TestStoreContract(t *testing.T) {
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	checkpointtest.Run(t, s)
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "checkpoints.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, checkpointtest.Sample("sim", "persisted")))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	cp, err := s.Load(ctx, "sim", "persisted")
	require.NoError(t, err)
	assert.Equal(t, 7, cp.TurnCount)
	assert.Equal(t, 52.5, cp.WorldState["approval"])
}
