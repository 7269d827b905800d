// Package sqlite implements checkpoint.Store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"goa.design/parley/runtime/interaction/checkpoint"
)

// Store persists checkpoints in a SQLite database.
type Store struct {
	db *sql.DB
}

var _ checkpoint.Store = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate checkpoint database: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
			simulation TEXT NOT NULL,
			name TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (simulation, name)
		)`,
	}
	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("migration failed: %w\n%s", err, m)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (simulation, name, timestamp, data, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (simulation, name) DO UPDATE SET timestamp = excluded.timestamp, data = excluded.data, updated_at = excluded.updated_at`,
		cp.Simulation, cp.Name, cp.Timestamp.UTC(), string(data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %q: %w", cp.Name, err)
	}
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(ctx context.Context, simulation, name string) (checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE simulation = ? AND name = ?`,
		simulation, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	return checkpoint.Decode([]byte(data))
}

// List implements checkpoint.Store.
func (s *Store) List(ctx context.Context, simulation string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name FROM checkpoints WHERE simulation = ? ORDER BY name`, simulation)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, simulation, name string) error {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM checkpoints WHERE simulation = ? AND name = ?`, simulation, name)
	if err != nil {
		return fmt.Errorf("delete checkpoint %q: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return checkpoint.ErrNotFound
	}
	return nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(ctx context.Context, simulation, name string) (bool, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return false, err
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM checkpoints WHERE simulation = ? AND name = ?`, simulation, name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check checkpoint %q: %w", name, err)
	}
	return true, nil
}
