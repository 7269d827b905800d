// Package postgres implements checkpoint.Store on PostgreSQL using a pgx
// connection pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"goa.design/parley/runtime/interaction/checkpoint"
)

const (
	schemaSQL = `
CREATE TABLE IF NOT EXISTS checkpoints (
    simulation TEXT NOT NULL,
    name       TEXT NOT NULL,
    timestamp  TIMESTAMPTZ NOT NULL,
    data       JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (simulation, name)
);
`
	saveSQL = `
INSERT INTO checkpoints (simulation, name, timestamp, data, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (simulation, name)
DO UPDATE SET timestamp = EXCLUDED.timestamp, data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`
	loadSQL   = `SELECT data FROM checkpoints WHERE simulation = $1 AND name = $2`
	listSQL   = `SELECT COALESCE(array_agg(name ORDER BY name), '{}') FROM checkpoints WHERE simulation = $1`
	deleteSQL = `DELETE FROM checkpoints WHERE simulation = $1 AND name = $2`
	existsSQL = `SELECT EXISTS (SELECT 1 FROM checkpoints WHERE simulation = $1 AND name = $2)`
)

type (
	// Store persists checkpoints in PostgreSQL.
	Store struct {
		db   querier
		pool *pgxpool.Pool
	}

	// querier is the subset of *pgxpool.Pool used by the store.
	querier interface {
		Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
		QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	}
)

var _ checkpoint.Store = (*Store)(nil)

// New connects to dsn, verifies the connection and ensures the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("creating postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	s := &Store{db: pool, pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the checkpoints table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	data, err := checkpoint.Encode(cp)
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(ctx, saveSQL, cp.Simulation, cp.Name, cp.Timestamp.UTC(), data, time.Now().UTC()); err != nil {
		return fmt.Errorf("saving checkpoint %q: %w", cp.Name, err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, simulation, name string) (checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	var data []byte
	err := s.db.QueryRow(ctx, loadSQL, simulation, name).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("loading checkpoint %q: %w", name, err)
	}
	return checkpoint.Decode(data)
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, simulation string) ([]string, error) {
	var names []string
	if err := s.db.QueryRow(ctx, listSQL, simulation).Scan(&names); err != nil {
		return nil, fmt.Errorf("listing checkpoints: %w", err)
	}
	return names, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, simulation, name string) error {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, deleteSQL, simulation, name)
	if err != nil {
		return fmt.Errorf("deleting checkpoint %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(ctx context.Context, simulation, name string) (bool, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return false, err
	}
	var ok bool
	if err := s.db.QueryRow(ctx, existsSQL, simulation, name).Scan(&ok); err != nil {
		return false, fmt.Errorf("checking checkpoint %q: %w", name, err)
	}
	return ok, nil
}
