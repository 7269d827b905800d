package simulation

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"

	"goa.design/parley/runtime/interaction/checkpoint"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/txn"
)

const (
	// savePrefix marks the checkpoints written by SaveSimulation.
	savePrefix = "__save__"
	// DefaultSave names saves created without a name.
	DefaultSave = "autosave"
	// saveVersion is the format version of save metadata.
	saveVersion = "1.0"
	// metaAgentOrder keeps the registration order of agents in snapshots.
	metaAgentOrder = "agentOrder"
	// metaEngineTurn keeps the engine turn counter in saves.
	metaEngineTurn = "engineTurn"
	// metaScheduledEvents keeps the pending scheduled events in saves.
	metaScheduledEvents = "scheduledEvents"
)

// agentState is the persisted form of an agent: its configuration plus the
// conversation it remembers.
type agentState struct {
	AgentConfig
	Conversation []model.Message `json:"conversation,omitempty"`
}

// CreateSnapshot captures the world state, agents, conversations, turn count
// and history.
func (s *Simulation) CreateSnapshot(context.Context) (txn.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agents := make(map[string]map[string]any, len(s.agents))
	for name, cfg := range s.agents {
		m, err := toMap(agentState{AgentConfig: cfg, Conversation: s.memory[name]})
		if err != nil {
			return txn.Snapshot{}, fmt.Errorf("snapshot agent %q: %w", name, err)
		}
		agents[name] = m
	}
	history := make([]map[string]any, 0, len(s.history))
	for _, r := range s.history {
		m, err := toMap(r)
		if err != nil {
			return txn.Snapshot{}, fmt.Errorf("snapshot history: %w", err)
		}
		history = append(history, m)
	}
	order := make([]any, len(s.order))
	for i, n := range s.order {
		order[i] = n
	}
	return txn.Snapshot{
		Timestamp:   s.now(),
		WorldState:  state.Clone(s.world),
		AgentStates: agents,
		TurnCount:   s.turns,
		History:     history,
		Metadata:    map[string]any{metaAgentOrder: order},
	}, nil
}

// RestoreSnapshot replaces the simulation state with snap.
func (s *Simulation) RestoreSnapshot(_ context.Context, snap txn.Snapshot) error {
	agents := make(map[string]AgentConfig, len(snap.AgentStates))
	memory := make(map[string][]model.Message, len(snap.AgentStates))
	for name, m := range snap.AgentStates {
		var as agentState
		if err := fromMap(m, &as); err != nil {
			return fmt.Errorf("restore agent %q: %w", name, err)
		}
		as.Name = name
		agents[name] = as.AgentConfig
		if len(as.Conversation) > 0 {
			memory[name] = as.Conversation
		}
	}
	history := make([]Record, 0, len(snap.History))
	for _, m := range snap.History {
		var r Record
		if err := fromMap(m, &r); err != nil {
			return fmt.Errorf("restore history: %w", err)
		}
		history = append(history, r)
	}
	world := state.Clone(snap.WorldState)
	if world == nil {
		world = make(map[string]any)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.world = world
	s.agents = agents
	s.memory = memory
	s.order = agentOrder(snap.Metadata, agents)
	s.turns = snap.TurnCount
	s.history = history
	return nil
}

// Atomic runs fn in a transaction: any error or panic restores the state the
// simulation had before fn started.
func (s *Simulation) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.txns.Run(ctx, func(ctx context.Context, _ *txn.Transaction) error {
		return fn(ctx)
	})
}

// SaveCheckpoint stores the current state under name.
func (s *Simulation) SaveCheckpoint(ctx context.Context, name string, meta map[string]any) error {
	snap, err := s.CreateSnapshot(ctx)
	if err != nil {
		return err
	}
	for k, v := range meta {
		snap.Metadata[k] = state.CloneValue(v)
	}
	if err := s.checkpoints.Save(ctx, checkpoint.FromSnapshot(s.name, name, snap)); err != nil {
		return fmt.Errorf("save checkpoint %q: %w", name, err)
	}
	s.logger.Info(ctx, "saved checkpoint", "simulation", s.name, "checkpoint", name)
	s.bus.Emit(ctx, hooks.CheckpointSaved, map[string]any{"name": name}, "simulation")
	return nil
}

// LoadCheckpoint restores the world state, agents and conversations saved
// under name. The turn count and history are kept.
func (s *Simulation) LoadCheckpoint(ctx context.Context, name string) error {
	cp, err := s.checkpoints.Load(ctx, s.name, name)
	if err != nil {
		return fmt.Errorf("load checkpoint %q: %w", name, err)
	}
	snap := cp.Snapshot()
	s.mu.RLock()
	snap.TurnCount = s.turns
	s.mu.RUnlock()
	snap.History = nil
	history := s.History()
	if err := s.RestoreSnapshot(ctx, snap); err != nil {
		return err
	}
	s.mu.Lock()
	s.history = history
	s.mu.Unlock()
	s.logger.Info(ctx, "loaded checkpoint", "simulation", s.name, "checkpoint", name)
	s.bus.Emit(ctx, hooks.CheckpointLoaded, map[string]any{"name": name}, "simulation")
	return nil
}

// ListCheckpoints returns the checkpoint names of the simulation, excluding
// saves.
func (s *Simulation) ListCheckpoints(ctx context.Context) ([]string, error) {
	names, err := s.checkpoints.List(ctx, s.name)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(names, func(n string) bool { return strings.HasPrefix(n, savePrefix) }), nil
}

// DeleteCheckpoint removes the checkpoint name.
func (s *Simulation) DeleteCheckpoint(ctx context.Context, name string) error {
	return s.checkpoints.Delete(ctx, s.name, name)
}

// SaveSimulation stores everything needed to resume the session later and
// returns the save name. An empty name selects DefaultSave.
func (s *Simulation) SaveSimulation(ctx context.Context, name string) (string, error) {
	if name == "" {
		name = DefaultSave
	}
	stats, err := toMap(s.costs.Stats())
	if err != nil {
		return "", err
	}
	usage, err := toMap(s.budget.Usage())
	if err != nil {
		return "", err
	}
	scheduled, err := toList(s.engine.State().ScheduledEvents)
	if err != nil {
		return "", err
	}
	meta := map[string]any{
		"version":          saveVersion,
		"simulationName":   s.name,
		"costStats":        stats,
		"tokenBudgetUsage": usage,
		metaEngineTurn:      s.engine.CurrentTurn(),
		metaScheduledEvents: scheduled,
	}
	if err := s.SaveCheckpoint(ctx, savePrefix+name, meta); err != nil {
		return "", err
	}
	return name, nil
}

// ResumeSimulation restores the complete state written by SaveSimulation,
// including the turn count, history and scheduled events. The saved
// scheduled events replace any the engine holds.
func (s *Simulation) ResumeSimulation(ctx context.Context, name string) error {
	cp, err := s.checkpoints.Load(ctx, s.name, savePrefix+name)
	if err != nil {
		return fmt.Errorf("resume %q: %w", name, err)
	}
	var scheduled []engine.ScheduledEvent
	raw, hasScheduled := cp.Metadata[metaScheduledEvents]
	if hasScheduled {
		if err := fromValue(raw, &scheduled); err != nil {
			return fmt.Errorf("resume %q: scheduled events: %w", name, err)
		}
	}
	if err := s.RestoreSnapshot(ctx, cp.Snapshot()); err != nil {
		return err
	}
	if hasScheduled {
		if err := s.engine.SetScheduledEvents(scheduled); err != nil {
			return fmt.Errorf("resume %q: scheduled events: %w", name, err)
		}
	}
	if turn, ok := intValue(cp.Metadata[metaEngineTurn]); ok {
		s.engine.SetTurn(turn)
	}
	s.logger.Info(ctx, "resumed simulation", "simulation", s.name, "save", name)
	s.bus.Emit(ctx, hooks.CheckpointLoaded, map[string]any{"name": name, "save": true}, "simulation")
	return nil
}

// ListSaves returns the save names of the simulation.
func (s *Simulation) ListSaves(ctx context.Context) ([]string, error) {
	names, err := s.checkpoints.List(ctx, s.name)
	if err != nil {
		return nil, err
	}
	var saves []string
	for _, n := range names {
		if rest, ok := strings.CutPrefix(n, savePrefix); ok {
			saves = append(saves, rest)
		}
	}
	return saves, nil
}

// HasSave reports whether the save name exists.
func (s *Simulation) HasSave(ctx context.Context, name string) (bool, error) {
	return s.checkpoints.Exists(ctx, s.name, savePrefix+name)
}

// DeleteSave removes the save name.
func (s *Simulation) DeleteSave(ctx context.Context, name string) error {
	return s.checkpoints.Delete(ctx, s.name, savePrefix+name)
}

// agentOrder rebuilds the registration order saved in meta. Agents missing
// from it follow in name order.
func agentOrder(meta map[string]any, agents map[string]AgentConfig) []string {
	order := make([]string, 0, len(agents))
	seen := make(map[string]bool, len(agents))
	if raw, ok := meta[metaAgentOrder].([]any); ok {
		for _, v := range raw {
			n, ok := v.(string)
			if _, known := agents[n]; ok && known && !seen[n] {
				order = append(order, n)
				seen[n] = true
			}
		}
	}
	var rest []string
	for n := range agents {
		if !seen[n] {
			rest = append(rest, n)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// intValue reads a number that may have been decoded from JSON.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// toMap converts v to its JSON object form so snapshots hold only plain
// values that every checkpoint backend can persist.
func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, v any) error {
	return fromValue(m, v)
}

// toList converts a slice to its JSON array form.
func toList(v any) ([]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := []any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func fromValue(raw, v any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}
