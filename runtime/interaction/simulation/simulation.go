// Package simulation is the entry point of the interaction runtime. A
// Simulation owns the agents and world state of one session and routes every
// agent interaction through the response cache, the token budget, the retry
// limiter and the cost tracker before anything reaches the model provider.
//
// The same Simulation drives the turn engine: it implements the engine's
// Interactor and Roster seams so engine turns and pipeline steps go through
// the exact same interaction path as direct calls to Interact.
package simulation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/bucket"
	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/checkpoint"
	"goa.design/parley/runtime/interaction/checkpoint/inmem"
	"goa.design/parley/runtime/interaction/cost"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/ratelimit"
	"goa.design/parley/runtime/interaction/signature"
	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/telemetry"
	"goa.design/parley/runtime/interaction/txn"
)

// Memory policies.
const (
	// MemoryNone keeps no conversation between interactions.
	MemoryNone MemoryPolicy = "none"
	// MemoryFull replays the whole conversation of the agent on every call.
	MemoryFull MemoryPolicy = "full"
	// MemorySummary replays the conversation and summarizes it once it
	// grows beyond MaxTurns messages.
	MemorySummary MemoryPolicy = "summary"
)

const (
	// DefaultName names simulations created without a name.
	DefaultName = "default"
	// DefaultSituation is the situation of interactions that name none.
	DefaultSituation = "general"
	// DefaultMaxTurns is the MaxTurns of agents that set none.
	DefaultMaxTurns = 10
)

// ErrAgentNotFound is returned when an operation names an unregistered agent.
var ErrAgentNotFound = errors.New("agent not found")

type (
	// MemoryPolicy selects how an agent retains its conversation.
	MemoryPolicy string

	// AgentConfig describes one agent.
	AgentConfig struct {
		Name         string              `yaml:"name" json:"name"`
		Role         string              `yaml:"role" json:"role"`
		SystemPrompt string              `yaml:"systemPrompt" json:"systemPrompt,omitempty"`
		Model        string              `yaml:"model" json:"model,omitempty"`
		ControlledBy engine.ControlledBy `yaml:"controlledBy" json:"controlledBy"`
		// Initiative is the probability in [0, 1] that the agent speaks on
		// an initiative turn.
		Initiative float64      `yaml:"initiative" json:"initiative"`
		Situations []string     `yaml:"situations" json:"situations,omitempty"`
		Memory     MemoryPolicy `yaml:"memory" json:"memory,omitempty"`
		// MaxTurns is the number of messages kept verbatim under
		// MemorySummary.
		MaxTurns int            `yaml:"maxTurns" json:"maxTurns,omitempty"`
		Metadata map[string]any `yaml:"metadata" json:"metadata,omitempty"`
	}

	// Options configures a Simulation. Only Model is required; every other
	// collaborator has an in-memory default.
	Options struct {
		// Name scopes checkpoints. Defaults to DefaultName.
		Name  string
		Model model.Client
		// Cache stores responses by signature. Nil disables caching.
		Cache       cache.Store
		Budget      *budget.Manager
		Limiter     *ratelimit.Limiter
		Costs       *cost.Tracker
		Checkpoints checkpoint.Store
		Bus         *hooks.Bus
		Bucketer    *bucket.Bucketer
		Updater     *state.Updater
		Logger      telemetry.Logger
		Metrics     telemetry.Metrics
		Tracer      telemetry.Tracer
		// Engine configures the turn engine. Its Interactor, Roster, Bus,
		// Logger and Metrics are set by the simulation.
		Engine engine.Options
		// MaxCost refuses interactions once the tracked spend in USD reaches
		// it. Zero means no limit.
		MaxCost float64
		// IntentPrefix is the number of input characters used for cache
		// signatures. Defaults to signature.DefaultIntentPrefix.
		IntentPrefix int
		// DefaultModel serves agents that name no model.
		DefaultModel string
		// CompactionModel summarizes conversations that outgrow the budget.
		CompactionModel string
		Now             func() time.Time
	}

	// Simulation is one interactive session. It is safe for concurrent use.
	Simulation struct {
		name            string
		model           model.Client
		cache           cache.Store
		budget          *budget.Manager
		limiter         *ratelimit.Limiter
		costs           *cost.Tracker
		checkpoints     checkpoint.Store
		bus             *hooks.Bus
		bucketer        *bucket.Bucketer
		updater         *state.Updater
		logger          telemetry.Logger
		metrics         telemetry.Metrics
		tracer          telemetry.Tracer
		engine          *engine.Engine
		txns            *txn.Manager
		maxCost         float64
		intentPrefix    int
		defaultModel    string
		compactionModel string
		now             func() time.Time

		mu          sync.RWMutex
		agents      map[string]AgentConfig
		order       []string
		world       map[string]any
		memory      map[string][]model.Message
		history     []Record
		turns       int
		recording   bool
		autoUpdates bool
	}
)

// New returns a Simulation.
func New(opts Options) (*Simulation, error) {
	if opts.Model == nil {
		return nil, errors.New("model client is required")
	}
	s := &Simulation{
		name:            opts.Name,
		model:           opts.Model,
		cache:           opts.Cache,
		budget:          opts.Budget,
		limiter:         opts.Limiter,
		costs:           opts.Costs,
		checkpoints:     opts.Checkpoints,
		bus:             opts.Bus,
		bucketer:        opts.Bucketer,
		updater:         opts.Updater,
		logger:          opts.Logger,
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		maxCost:         opts.MaxCost,
		intentPrefix:    opts.IntentPrefix,
		defaultModel:    opts.DefaultModel,
		compactionModel: opts.CompactionModel,
		now:             opts.Now,
		agents:          make(map[string]AgentConfig),
		world:           make(map[string]any),
		memory:          make(map[string][]model.Message),
		recording:       true,
		autoUpdates:     true,
	}
	if s.name == "" {
		s.name = DefaultName
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	if s.tracer == nil {
		s.tracer = telemetry.NewNoopTracer()
	}
	if s.budget == nil {
		s.budget = budget.New(budget.Options{})
	}
	if s.limiter == nil {
		s.limiter = ratelimit.New(ratelimit.Options{Logger: s.logger, Metrics: s.metrics})
	}
	if s.costs == nil {
		s.costs = cost.New(cost.Options{Logger: s.logger})
	}
	if s.checkpoints == nil {
		s.checkpoints = inmem.New()
	}
	if s.bus == nil {
		s.bus = hooks.NewBus(hooks.Options{Logger: s.logger})
	}
	if s.bucketer == nil {
		s.bucketer = bucket.New(nil)
	}
	if s.updater == nil {
		s.updater = state.NewUpdater(s.logger)
	}
	if s.intentPrefix <= 0 {
		s.intentPrefix = signature.DefaultIntentPrefix
	}
	if s.defaultModel == "" {
		s.defaultModel = cost.ModelSonnet
	}
	if s.compactionModel == "" {
		s.compactionModel = cost.ModelHaiku
	}
	if s.now == nil {
		s.now = time.Now
	}

	eopts := opts.Engine
	eopts.Interactor = host{s}
	eopts.Roster = host{s}
	eopts.Bus = s.bus
	eopts.Logger = s.logger
	eopts.Metrics = s.metrics
	eng, err := engine.New(eopts)
	if err != nil {
		return nil, fmt.Errorf("turn engine: %w", err)
	}
	s.engine = eng

	txns, err := txn.New(txn.Options{Snapshot: s.CreateSnapshot, Restore: s.RestoreSnapshot, Logger: s.logger, Now: s.now})
	if err != nil {
		return nil, err
	}
	s.txns = txns
	return s, nil
}

// Name returns the simulation name.
func (s *Simulation) Name() string { return s.name }

// Bus returns the event bus shared with the turn engine.
func (s *Simulation) Bus() *hooks.Bus { return s.bus }

// Updater returns the state-update rules evaluated after interactions.
func (s *Simulation) Updater() *state.Updater { return s.updater }

// RegisterAgent adds or replaces an agent.
func (s *Simulation) RegisterAgent(cfg AgentConfig) error {
	if cfg.Name == "" {
		return errors.New("agent name is required")
	}
	if cfg.Initiative < 0 || cfg.Initiative > 1 {
		return fmt.Errorf("agent %q: initiative %g is not in [0, 1]", cfg.Name, cfg.Initiative)
	}
	switch cfg.ControlledBy {
	case "":
		cfg.ControlledBy = engine.ControlledByCPU
	case engine.ControlledByCPU, engine.ControlledByPlayer:
	default:
		return fmt.Errorf("agent %q: unknown controller %q", cfg.Name, cfg.ControlledBy)
	}
	switch cfg.Memory {
	case "":
		cfg.Memory = MemorySummary
	case MemoryNone, MemoryFull, MemorySummary:
	default:
		return fmt.Errorf("agent %q: unknown memory policy %q", cfg.Name, cfg.Memory)
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	cfg = cloneAgent(cfg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[cfg.Name]; !ok {
		s.order = append(s.order, cfg.Name)
	}
	if cfg.ControlledBy == engine.ControlledByPlayer {
		s.demotePlayersLocked(cfg.Name)
	}
	s.agents[cfg.Name] = cfg
	return nil
}

// RemoveAgent unregisters an agent and forgets its conversation.
func (s *Simulation) RemoveAgent(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[name]; !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	delete(s.agents, name)
	delete(s.memory, name)
	s.order = slices.DeleteFunc(s.order, func(n string) bool { return n == name })
	return nil
}

// Agent returns a copy of the configuration of name.
func (s *Simulation) Agent(name string) (AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[name]
	if !ok {
		return AgentConfig{}, false
	}
	return cloneAgent(a), true
}

// HasAgent reports whether name is registered.
func (s *Simulation) HasAgent(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[name]
	return ok
}

// ListAgents returns the agent names in registration order.
func (s *Simulation) ListAgents() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

// SetPlayerAgent hands control of name to the player. Any previous player
// agent returns to CPU control.
func (s *Simulation) SetPlayerAgent(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	s.demotePlayersLocked(name)
	a.ControlledBy = engine.ControlledByPlayer
	s.agents[name] = a
	return nil
}

// PlayerAgent returns the player-controlled agent, if any.
func (s *Simulation) PlayerAgent() (AgentConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, n := range s.order {
		if a := s.agents[n]; a.ControlledBy == engine.ControlledByPlayer {
			return cloneAgent(a), true
		}
	}
	return AgentConfig{}, false
}

// CPUAgents returns the CPU-controlled agents in registration order.
func (s *Simulation) CPUAgents() []AgentConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AgentConfig
	for _, n := range s.order {
		if a := s.agents[n]; a.ControlledBy != engine.ControlledByPlayer {
			out = append(out, cloneAgent(a))
		}
	}
	return out
}

func (s *Simulation) demotePlayersLocked(except string) {
	for n, a := range s.agents {
		if n != except && a.ControlledBy == engine.ControlledByPlayer {
			a.ControlledBy = engine.ControlledByCPU
			s.agents[n] = a
		}
	}
}

// Conversation returns the remembered conversation of agent.
func (s *Simulation) Conversation(agent string) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.memory[agent])
}

// SetWorldState replaces the world state with a copy of ws.
func (s *Simulation) SetWorldState(ws map[string]any) {
	s.mu.Lock()
	s.world = state.Clone(ws)
	if s.world == nil {
		s.world = make(map[string]any)
	}
	s.mu.Unlock()
}

// UpdateWorldState merges updates into the world state.
func (s *Simulation) UpdateWorldState(updates map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.world[k] = state.CloneValue(v)
	}
}

// WorldState returns a copy of the world state.
func (s *Simulation) WorldState() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return state.Clone(s.world)
}

// QueryState returns copies of the values of the given keys that exist.
func (s *Simulation) QueryState(keys ...string) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := s.world[k]; ok {
			out[k] = state.CloneValue(v)
		}
	}
	return out
}

// StateValue returns the value of key, or def when it is not set.
func (s *Simulation) StateValue(key string, def any) any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v, ok := s.world[key]; ok {
		return state.CloneValue(v)
	}
	return def
}

// HasStateKey reports whether key is set.
func (s *Simulation) HasStateKey(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.world[key]
	return ok
}

// StateBucket returns the bucketed form of the current world state used in
// cache signatures.
func (s *Simulation) StateBucket() string {
	return s.bucketer.Bucket(s.WorldState())
}

// CompareStates diffs the world state of the named checkpoint against the
// current world state.
func (s *Simulation) CompareStates(ctx context.Context, name string) (state.Diff, error) {
	cp, err := s.checkpoints.Load(ctx, s.name, name)
	if err != nil {
		return state.Diff{}, err
	}
	return state.Compare(cp.WorldState, s.WorldState()), nil
}

// TurnCount returns the number of completed interactions.
func (s *Simulation) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.turns
}

// ResetTurnCount zeroes the interaction counter.
func (s *Simulation) ResetTurnCount() {
	s.mu.Lock()
	s.turns = 0
	s.mu.Unlock()
}

// SetRecording toggles the interaction history.
func (s *Simulation) SetRecording(enabled bool) {
	s.mu.Lock()
	s.recording = enabled
	s.mu.Unlock()
}

// Recording reports whether interactions are recorded.
func (s *Simulation) Recording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// History returns a copy of the recorded interactions.
func (s *Simulation) History() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, len(s.history))
	for i, r := range s.history {
		out[i] = r.clone()
	}
	return out
}

// EnableAutoStateUpdates applies state-update rules after each interaction.
// This is the default.
func (s *Simulation) EnableAutoStateUpdates() {
	s.mu.Lock()
	s.autoUpdates = true
	s.mu.Unlock()
}

// DisableAutoStateUpdates stops applying state-update rules.
func (s *Simulation) DisableAutoStateUpdates() {
	s.mu.Lock()
	s.autoUpdates = false
	s.mu.Unlock()
}

// Engine returns the turn engine bound to the simulation.
func (s *Simulation) Engine() *engine.Engine { return s.engine }

// Transactions returns the transaction manager bound to CreateSnapshot and
// RestoreSnapshot.
func (s *Simulation) Transactions() *txn.Manager { return s.txns }

func cloneAgent(a AgentConfig) AgentConfig {
	a.Situations = slices.Clone(a.Situations)
	a.Metadata = state.Clone(a.Metadata)
	return a
}
