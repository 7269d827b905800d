// Package engine advances a simulation one turn at a time.
//
// Each turn fires scheduled events and lets CPU-controlled agents act,
// either by rolling against their initiative or as directed by an
// orchestrator agent. The engine talks to the rest of the runtime through two
// seams: an Interactor that runs one agent interaction and a Roster that
// describes the agents and the world state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/telemetry"
)

// Agent controllers.
const (
	ControlledByCPU    ControlledBy = "cpu"
	ControlledByPlayer ControlledBy = "player"
)

// Action types.
const (
	ActionSpeak   ActionType = "speak"
	ActionAct     ActionType = "act"
	ActionReact   ActionType = "react"
	ActionObserve ActionType = "observe"
)

// Turn modes.
const (
	ModeInitiative   TurnMode = "initiative"
	ModeOrchestrator TurnMode = "orchestrator"
)

// Situations used for engine-driven interactions.
const (
	SituationInitiative   = "initiative_check"
	SituationDecision     = "orchestrator_decision"
	SituationOrchestrated = "orchestrated_action"
)

// Nothing is the reply an agent gives when it has nothing to contribute.
const Nothing = "[NOTHING]"

var (
	// ErrRunning is returned by Run when the engine is already running.
	ErrRunning = errors.New("engine is already running")
)

type (
	// ControlledBy says who drives an agent.
	ControlledBy string

	// ActionType classifies an agent action.
	ActionType string

	// TurnMode selects how CPU agents are chosen each turn.
	TurnMode string

	// Agent is the engine view of a registered agent.
	Agent struct {
		Name         string
		Role         string
		ControlledBy ControlledBy
		// Initiative is the probability in [0, 1] that the agent speaks
		// unprompted on a turn.
		Initiative float64
	}

	// Interactor runs one agent interaction and returns the reply text.
	Interactor interface {
		Interact(ctx context.Context, agent, input, situation string) (string, error)
	}

	// Roster describes the agents and world state of a simulation.
	Roster interface {
		CPUAgents() []Agent
		Agent(name string) (Agent, bool)
		PlayerAgent() (Agent, bool)
		WorldState() map[string]any
	}

	// AgentAction is something an agent did during a turn.
	AgentAction struct {
		AgentName  string         `json:"agentName"`
		ActionType ActionType     `json:"actionType"`
		Content    string         `json:"content"`
		Target     string         `json:"target,omitempty"`
		Metadata   map[string]any `json:"metadata,omitempty"`
		Timestamp  time.Time      `json:"timestamp"`
	}

	// Decision is the orchestrator's choice of agents for a turn.
	Decision struct {
		AgentsToWake   []string          `json:"agentsToWake"`
		Instructions   map[string]string `json:"instructions"`
		Reasoning      string            `json:"reasoning"`
		SkipPlayerTurn bool              `json:"skipPlayerTurn"`
	}

	// TurnResult is the outcome of one turn.
	TurnResult struct {
		TurnNumber    int            `json:"turnNumber"`
		CPUActions    []AgentAction  `json:"cpuActions"`
		Events        []hooks.Event  `json:"events"`
		StateChanges  state.Diff     `json:"stateChanges"`
		PlayerPending bool           `json:"playerPending"`
		PlayerPrompt  string         `json:"playerPrompt,omitempty"`
		Decision      *Decision      `json:"decision,omitempty"`
		Metadata      map[string]any `json:"metadata,omitempty"`
	}

	// ScheduledEvent is an event that fires on a given turn.
	ScheduledEvent struct {
		Turn      int            `json:"turn" yaml:"turn"`
		Name      string         `json:"name" yaml:"name"`
		Data      map[string]any `json:"data,omitempty" yaml:"data"`
		Recurring bool           `json:"recurring" yaml:"recurring"`
		// Interval is the number of turns between recurrences. Zero means 1.
		Interval int `json:"interval" yaml:"interval"`
	}

	// State is a copy of the engine state.
	State struct {
		CurrentTurn     int              `json:"currentTurn"`
		IsRunning       bool             `json:"isRunning"`
		IsPaused        bool             `json:"isPaused"`
		LastTurnResult  *TurnResult      `json:"lastTurnResult,omitempty"`
		ScheduledEvents []ScheduledEvent `json:"scheduledEvents"`
	}

	// Stats summarizes the engine.
	Stats struct {
		CurrentTurn     int      `json:"currentTurn"`
		IsRunning       bool     `json:"isRunning"`
		IsPaused        bool     `json:"isPaused"`
		ScheduledEvents int      `json:"scheduledEvents"`
		TurnHooks       int      `json:"turnHooks"`
		EventHandlers   int      `json:"eventHandlers"`
		Mode            TurnMode `json:"mode"`
	}

	// TurnHook runs after every turn. Errors are logged.
	TurnHook func(ctx context.Context, r TurnResult) error

	// Options configures an Engine.
	Options struct {
		Interactor Interactor
		Roster     Roster
		// Bus receives turn and scheduled events. Defaults to a private bus.
		Bus     *hooks.Bus
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		// Mode selects the turn mode. Defaults to ModeInitiative.
		Mode TurnMode
		// Orchestrator names the agent consulted in ModeOrchestrator.
		Orchestrator string
		// Float64 returns a uniform number in [0, 1) for initiative rolls.
		Float64 func() float64
		// Sleep waits for d or until ctx is done. Defaults to a timer.
		Sleep func(ctx context.Context, d time.Duration) error
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Engine runs turns. Its methods are safe for concurrent use but turns
	// themselves are sequential.
	Engine struct {
		interactor  Interactor
		roster      Roster
		bus         *hooks.Bus
		logger      telemetry.Logger
		metrics     telemetry.Metrics
		float64     func() float64
		sleep       func(ctx context.Context, d time.Duration) error
		now         func() time.Time

		turnMu sync.Mutex // serializes turns

		mu           sync.Mutex
		state        State
		mode         TurnMode
		orchestrator string
		scheduled    []ScheduledEvent
		turnHooks    []TurnHook
		lastDecision *Decision
		stopped      bool
		cancelRun    context.CancelFunc
		resume       chan struct{}
	}
)

// New returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Interactor == nil {
		return nil, errors.New("interactor is required")
	}
	if opts.Roster == nil {
		return nil, errors.New("roster is required")
	}
	e := &Engine{
		interactor:   opts.Interactor,
		roster:       opts.Roster,
		bus:          opts.Bus,
		logger:       opts.Logger,
		metrics:      opts.Metrics,
		float64:      opts.Float64,
		sleep:        opts.Sleep,
		now:          opts.Now,
		mode:         opts.Mode,
		orchestrator: opts.Orchestrator,
		resume:       make(chan struct{}),
	}
	if e.logger == nil {
		e.logger = telemetry.NewNoopLogger()
	}
	if e.bus == nil {
		e.bus = hooks.NewBus(hooks.Options{Logger: e.logger})
	}
	if e.metrics == nil {
		e.metrics = telemetry.NewNoopMetrics()
	}
	if e.float64 == nil {
		e.float64 = rand.Float64
	}
	if e.sleep == nil {
		e.sleep = sleepContext
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.mode == "" {
		e.mode = ModeInitiative
	}
	if e.mode == ModeOrchestrator && e.orchestrator == "" {
		return nil, errors.New("orchestrator mode requires an orchestrator agent")
	}
	return e, nil
}

// Step runs one full turn and returns its result. The turn counter always
// advances by exactly one; agent failures are logged and skipped. Step only
// fails when ctx is already done, in which case no turn is taken.
func (e *Engine) Step(ctx context.Context) (TurnResult, error) {
	if err := ctx.Err(); err != nil {
		return TurnResult{}, err
	}
	e.turnMu.Lock()
	defer e.turnMu.Unlock()

	res := e.StartTurn(ctx)
	before := state.Clone(e.roster.WorldState())
	if d, ok := e.Decide(ctx, res.Events); ok {
		res.Decision = &d
		res.CPUActions = e.ExecuteAgents(ctx, &d)
	} else {
		res.CPUActions = e.ExecuteAgents(ctx, nil)
	}
	res.StateChanges = state.Compare(before, e.roster.WorldState())
	return e.FinishTurn(ctx, res), nil
}

// StartTurn advances the turn counter, publishes turn_start and fires the
// scheduled events due on the new turn.
func (e *Engine) StartTurn(ctx context.Context) TurnResult {
	e.mu.Lock()
	e.state.CurrentTurn++
	n := e.state.CurrentTurn
	e.mu.Unlock()

	res := TurnResult{TurnNumber: n}
	res.Events = append(res.Events, e.bus.Emit(ctx, hooks.TurnStart, map[string]any{"turn": n}, "engine"))
	res.Events = append(res.Events, e.fireScheduled(ctx, n)...)
	return res
}

// FinishTurn publishes turn_end, runs the turn hooks and records res as the
// last turn result.
func (e *Engine) FinishTurn(ctx context.Context, res TurnResult) TurnResult {
	end := e.bus.Emit(ctx, hooks.TurnEnd, map[string]any{"turn": res.TurnNumber, "actions": len(res.CPUActions)}, "engine")
	res.Events = append(res.Events, end)

	e.mu.Lock()
	hooksCopy := append([]TurnHook(nil), e.turnHooks...)
	e.mu.Unlock()
	for _, h := range hooksCopy {
		e.runHook(ctx, h, res)
	}

	e.mu.Lock()
	last := res
	e.state.LastTurnResult = &last
	e.mu.Unlock()

	e.metrics.IncCounter(telemetry.MetricTurn, 1, "mode", string(e.Mode()))
	e.logger.Info(ctx, "turn completed", "turn", res.TurnNumber, "cpu_actions", len(res.CPUActions), "events", len(res.Events))
	return res
}

func (e *Engine) runHook(ctx context.Context, h TurnHook, res TurnResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn(ctx, "turn hook panicked", "turn", res.TurnNumber, "panic", fmt.Sprint(r))
		}
	}()
	if err := h(ctx, res); err != nil {
		e.logger.Warn(ctx, "turn hook failed", "turn", res.TurnNumber, "err", err)
	}
}

// ExecuteAgents lets CPU agents act. With a decision it prompts the agents
// it names, otherwise each CPU agent rolls against its initiative.
func (e *Engine) ExecuteAgents(ctx context.Context, d *Decision) []AgentAction {
	var actions []AgentAction
	if d != nil {
		for _, name := range d.AgentsToWake {
			if a, ok := e.orchestratedAction(ctx, name, d.Instructions[name]); ok {
				actions = append(actions, a)
			}
		}
		return actions
	}
	for _, agent := range e.roster.CPUAgents() {
		if e.float64() < agent.Initiative {
			if a, ok := e.initiativeAction(ctx, agent.Name); ok {
				actions = append(actions, a)
			}
		}
	}
	return actions
}

func (e *Engine) initiativeAction(ctx context.Context, agent string) (AgentAction, bool) {
	prompt := fmt.Sprintf(`Based on the current situation, do you have something important to say or do?

Current world state:
%s

If you have something to say to the player (the %s), respond with your message.
If you have nothing urgent to say, respond with exactly: %s

Keep your response brief and in-character.`, FormatWorldState(e.roster.WorldState()), e.playerName(), Nothing)
	return e.act(ctx, agent, prompt, SituationInitiative, nil)
}

func (e *Engine) orchestratedAction(ctx context.Context, agent, instruction string) (AgentAction, bool) {
	world := FormatWorldState(e.roster.WorldState())
	var prompt string
	var meta map[string]any
	if instruction != "" {
		meta = map[string]any{"instruction": instruction}
		prompt = fmt.Sprintf(`The game master has directed you to act this turn.

INSTRUCTION: %s

Current world state:
%s

Respond in-character based on the instruction. Keep your response focused and brief.`, instruction, world)
	} else {
		prompt = fmt.Sprintf(`It's your turn to act in the simulation.

Current world state:
%s

If you have something to say to the player (the %s), respond with your message.
If you have nothing to say, respond with exactly: %s

Keep your response brief and in-character.`, world, e.playerName(), Nothing)
	}
	return e.act(ctx, agent, prompt, SituationOrchestrated, meta)
}

func (e *Engine) act(ctx context.Context, agent, prompt, situation string, meta map[string]any) (AgentAction, bool) {
	reply, err := e.interactor.Interact(ctx, agent, prompt, situation)
	if err != nil {
		e.logger.Warn(ctx, "agent action failed", "agent", agent, "situation", situation, "err", err)
		return AgentAction{}, false
	}
	content := strings.TrimSpace(reply)
	if content == "" || content == Nothing {
		return AgentAction{}, false
	}
	return AgentAction{
		AgentName:  agent,
		ActionType: ActionSpeak,
		Content:    content,
		Target:     e.playerName(),
		Metadata:   meta,
		Timestamp:  e.now().UTC(),
	}, true
}

func (e *Engine) playerName() string {
	if p, ok := e.roster.PlayerAgent(); ok {
		return p.Name
	}
	return "user"
}

// FormatWorldState renders state as sorted "- key: value" lines.
func FormatWorldState(s map[string]any) string {
	if len(s) == 0 {
		return "(empty)"
	}
	lines := make([]string, 0, len(s))
	for _, k := range state.Keys(s) {
		lines = append(lines, fmt.Sprintf("- %s: %v", k, s[k]))
	}
	return strings.Join(lines, "\n")
}

// ScheduleEvent adds ev to the scheduled events.
func (e *Engine) ScheduleEvent(ev ScheduledEvent) error {
	if ev.Name == "" {
		return errors.New("event name is required")
	}
	if ev.Interval < 0 {
		return errors.New("interval must not be negative")
	}
	if ev.Interval == 0 {
		ev.Interval = 1
	}
	ev.Data = state.Clone(ev.Data)
	e.mu.Lock()
	e.scheduled = append(e.scheduled, ev)
	e.mu.Unlock()
	return nil
}

// SetScheduledEvents replaces the scheduled events with evs, for example
// when resuming a saved game.
func (e *Engine) SetScheduledEvents(evs []ScheduledEvent) error {
	kept := make([]ScheduledEvent, 0, len(evs))
	for _, ev := range evs {
		if ev.Name == "" {
			return errors.New("event name is required")
		}
		if ev.Interval < 0 {
			return fmt.Errorf("event %q: interval must not be negative", ev.Name)
		}
		if ev.Interval == 0 {
			ev.Interval = 1
		}
		ev.Data = state.Clone(ev.Data)
		kept = append(kept, ev)
	}
	e.mu.Lock()
	e.scheduled = kept
	e.mu.Unlock()
	return nil
}

// CancelScheduledEvent removes every scheduled event named name and returns
// how many were removed.
func (e *Engine) CancelScheduledEvent(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	kept := e.scheduled[:0]
	for _, se := range e.scheduled {
		if se.Name != name {
			kept = append(kept, se)
		}
	}
	n := len(e.scheduled) - len(kept)
	e.scheduled = kept
	return n
}

// PendingEvents returns the scheduled events due on turn.
func (e *Engine) PendingEvents(turn int) []ScheduledEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []ScheduledEvent
	for _, se := range e.scheduled {
		if se.Turn == turn {
			out = append(out, se)
		}
	}
	return out
}

func (e *Engine) fireScheduled(ctx context.Context, turn int) []hooks.Event {
	e.mu.Lock()
	var due []ScheduledEvent
	kept := make([]ScheduledEvent, 0, len(e.scheduled))
	for _, se := range e.scheduled {
		if se.Turn != turn {
			kept = append(kept, se)
			continue
		}
		due = append(due, se)
		if se.Recurring {
			se.Turn = turn + se.Interval
			kept = append(kept, se)
		}
	}
	e.scheduled = kept
	e.mu.Unlock()

	fired := make([]hooks.Event, 0, len(due))
	for _, se := range due {
		fired = append(fired, e.bus.Emit(ctx, se.Name, state.Clone(se.Data), "scheduled"))
	}
	return fired
}

// OnEvent subscribes fn to events named name on the engine bus.
func (e *Engine) OnEvent(name string, fn hooks.HandlerFunc) (hooks.Subscription, error) {
	return e.bus.Subscribe(name, fn)
}

// OnTurn registers a hook run after every turn.
func (e *Engine) OnTurn(h TurnHook) {
	e.mu.Lock()
	e.turnHooks = append(e.turnHooks, h)
	e.mu.Unlock()
}

// Bus returns the bus the engine publishes to.
func (e *Engine) Bus() *hooks.Bus { return e.bus }

// Roster returns the roster the engine reads agents from.
func (e *Engine) Roster() Roster { return e.roster }

// SetOrchestratorMode makes agent decide who acts each turn.
func (e *Engine) SetOrchestratorMode(agent string) {
	e.mu.Lock()
	e.mode = ModeOrchestrator
	e.orchestrator = agent
	e.mu.Unlock()
}

// SetInitiativeMode restores initiative rolls.
func (e *Engine) SetInitiativeMode() {
	e.mu.Lock()
	e.mode = ModeInitiative
	e.mu.Unlock()
}

// Mode returns the current turn mode.
func (e *Engine) Mode() TurnMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// Orchestrator returns the orchestrator agent name.
func (e *Engine) Orchestrator() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.orchestrator
}

// CurrentTurn returns the current turn number.
func (e *Engine) CurrentTurn() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.CurrentTurn
}

// SetTurn sets the turn counter, for example when resuming a saved game.
func (e *Engine) SetTurn(turn int) {
	e.mu.Lock()
	e.state.CurrentTurn = turn
	e.mu.Unlock()
}

// LastDecision returns the most recent orchestrator decision.
func (e *Engine) LastDecision() (Decision, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastDecision == nil {
		return Decision{}, false
	}
	return *e.lastDecision, true
}

// State returns a copy of the engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.state
	if s.LastTurnResult != nil {
		last := *s.LastTurnResult
		s.LastTurnResult = &last
	}
	s.ScheduledEvents = append([]ScheduledEvent(nil), e.scheduled...)
	sort.SliceStable(s.ScheduledEvents, func(i, j int) bool {
		return s.ScheduledEvents[i].Turn < s.ScheduledEvents[j].Turn
	})
	return s
}

// Stats summarizes the engine.
func (e *Engine) Stats() Stats {
	handlers := e.bus.Stats().TotalHandlers
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		CurrentTurn:     e.state.CurrentTurn,
		IsRunning:       e.state.IsRunning,
		IsPaused:        e.state.IsPaused,
		ScheduledEvents: len(e.scheduled),
		TurnHooks:       len(e.turnHooks),
		EventHandlers:   handlers,
		Mode:            e.mode,
	}
}

// Reset returns the engine to turn zero and drops scheduled events.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	running := e.state.IsRunning
	e.state = State{IsRunning: running}
	e.scheduled = nil
	e.lastDecision = nil
	e.stopped = false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
