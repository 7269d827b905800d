// Package checkpoint defines named, persisted snapshots of a simulation and
// the Store contract implemented by the in-memory and durable backends.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/txn"
)

type (
	// Checkpoint is a named snapshot of one simulation. It carries every
	// field of txn.Snapshot so a round trip through a Store is lossless.
	Checkpoint struct {
		Name        string                    `json:"name"`
		Simulation  string                    `json:"simulation"`
		Timestamp   time.Time                 `json:"timestamp"`
		WorldState  map[string]any            `json:"worldState"`
		AgentStates map[string]map[string]any `json:"agentStates"`
		TurnCount   int                       `json:"turnCount"`
		History     []map[string]any          `json:"history"`
		Metadata    map[string]any            `json:"metadata,omitempty"`
	}

	// Store persists checkpoints keyed by simulation and name.
	//
	// Implementations must be safe for concurrent use. Load and Delete return
	// ErrNotFound when the checkpoint does not exist. Save replaces an
	// existing checkpoint with the same key.
	Store interface {
		Save(ctx context.Context, cp Checkpoint) error
		Load(ctx context.Context, simulation, name string) (Checkpoint, error)
		// List returns the checkpoint names of simulation in sorted order.
		List(ctx context.Context, simulation string) ([]string, error)
		Delete(ctx context.Context, simulation, name string) error
		Exists(ctx context.Context, simulation, name string) (bool, error)
	}
)

// ErrNotFound indicates the checkpoint does not exist in the store.
var ErrNotFound = errors.New("checkpoint not found")

// FromSnapshot builds the checkpoint name of simulation from s.
func FromSnapshot(simulation, name string, s txn.Snapshot) Checkpoint {
	return Checkpoint{
		Name:        name,
		Simulation:  simulation,
		Timestamp:   s.Timestamp,
		WorldState:  state.Clone(s.WorldState),
		AgentStates: state.CloneNested(s.AgentStates),
		TurnCount:   s.TurnCount,
		History:     state.CloneList(s.History),
		Metadata:    state.Clone(s.Metadata),
	}
}

// Snapshot returns the snapshot the checkpoint was built from.
func (c Checkpoint) Snapshot() txn.Snapshot {
	return txn.Snapshot{
		Timestamp:   c.Timestamp,
		WorldState:  state.Clone(c.WorldState),
		AgentStates: state.CloneNested(c.AgentStates),
		TurnCount:   c.TurnCount,
		History:     state.CloneList(c.History),
		Metadata:    state.Clone(c.Metadata),
	}
}

// Clone returns a deep copy of c.
func (c Checkpoint) Clone() Checkpoint {
	out := c
	out.WorldState = state.Clone(c.WorldState)
	out.AgentStates = state.CloneNested(c.AgentStates)
	out.History = state.CloneList(c.History)
	out.Metadata = state.Clone(c.Metadata)
	return out
}

// Validate reports whether c can be stored.
func (c Checkpoint) Validate() error {
	if c.Simulation == "" {
		return errors.New("simulation is required")
	}
	if c.Name == "" {
		return errors.New("checkpoint name is required")
	}
	return nil
}

// ValidateKey reports whether simulation and name identify a checkpoint.
func ValidateKey(simulation, name string) error {
	return Checkpoint{Simulation: simulation, Name: name}.Validate()
}

// Encode serializes c as the JSON document stored by durable backends.
func Encode(c Checkpoint) ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint %q: %w", c.Name, err)
	}
	return b, nil
}

// Decode parses a document produced by Encode. Numbers in state maps decode
// as float64.
func Decode(b []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(b, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}
