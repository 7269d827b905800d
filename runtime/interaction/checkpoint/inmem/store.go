// Package inmem provides an in-memory implementation of checkpoint.Store.
//
// It is intended for tests and local development. Use a durable
// implementation (features/checkpoint/...) to survive restarts.
package inmem

import (
	"context"
	"sort"
	"sync"

	"goa.design/parley/runtime/interaction/checkpoint"
)

type (
	// Store is an in-memory implementation of checkpoint.Store.
	// It is safe for concurrent use.
	Store struct {
		mu  sync.RWMutex
		cps map[key]checkpoint.Checkpoint
	}

	key struct {
		simulation string
		name       string
	}
)

// New returns an empty Store.
func New() *Store {
	return &Store{cps: make(map[key]checkpoint.Checkpoint)}
}

// Save implements checkpoint.Store.
func (s *Store) Save(_ context.Context, cp checkpoint.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cps[key{cp.Simulation, cp.Name}] = cp.Clone()
	return nil
}

// Load implements checkpoint.Store.
func (s *Store) Load(_ context.Context, simulation, name string) (checkpoint.Checkpoint, error) {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return checkpoint.Checkpoint{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.cps[key{simulation, name}]
	if !ok {
		return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
	}
	return cp.Clone(), nil
}

// List implements checkpoint.Store.
func (s *Store) List(_ context.Context, simulation string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0)
	for k := range s.cps {
		if k.simulation == simulation {
			names = append(names, k.name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(_ context.Context, simulation, name string) error {
	if err := checkpoint.ValidateKey(simulation, name); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{simulation, name}
	if _, ok := s.cps[k]; !ok {
		return checkpoint.ErrNotFound
	}
	delete(s.cps, k)
	return nil
}

// Exists implements checkpoint.Store.
func (s *Store) Exists(_ context.Context, simulation, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.cps[key{simulation, name}]
	return ok, nil
}
