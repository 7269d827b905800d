// Package pipeline breaks one engine turn into named steps that can be run
// one at a time, inspected, or simulated without calling any model.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/telemetry"
)

// Step statuses.
const (
	StatusPending   StepStatus = "pending"
	StatusRunning   StepStatus = "running"
	StatusCompleted StepStatus = "completed"
	StatusSkipped   StepStatus = "skipped"
	StatusFailed    StepStatus = "failed"
)

// playerEventPrefix marks events gathered into the turn from the bus.
const playerEventPrefix = "player_"

type (
	// StepStatus is the outcome of a step.
	StepStatus string

	// StepResult records one step execution.
	StepResult struct {
		Step      string         `json:"stepName"`
		Status    StepStatus     `json:"status"`
		Inputs    map[string]any `json:"inputs"`
		Outputs   map[string]any `json:"outputs"`
		Duration  time.Duration  `json:"duration"`
		Err       error          `json:"-"`
		Timestamp time.Time      `json:"timestamp"`
	}

	// ExecutionResult aggregates the steps of one turn.
	ExecutionResult struct {
		TurnNumber    int              `json:"turnNumber"`
		Steps         []StepResult     `json:"steps"`
		TotalDuration time.Duration    `json:"totalDuration"`
		Success       bool             `json:"success"`
		DryRun        bool             `json:"dryRun"`
		Decision      *engine.Decision `json:"orchestratorDecision,omitempty"`
	}

	// Options configures an Executor.
	Options struct {
		Logger telemetry.Logger
		// Now returns the current time. Defaults to time.Now.
		Now func() time.Time
	}

	// Executor runs the steps of Config against an engine. Steps run one
	// at a time.
	Executor struct {
		engine *engine.Engine
		cfg    Config
		logger telemetry.Logger
		now    func() time.Time

		mu           sync.Mutex
		dryRun       bool
		cursor       int
		results      []StepResult
		history      []ExecutionResult
		turn         *engine.TurnResult
		lastGathered uint64
	}
)

// New returns an Executor over e. A cfg without a turn mode follows the
// current mode of e. A cfg that names one switches e to it, which also
// changes the mode later Step and Run calls on e use.
func New(e *engine.Engine, cfg Config, opts Options) (*Executor, error) {
	if e == nil {
		return nil, errors.New("engine is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline config: %w", err)
	}
	switch cfg.TurnMode {
	case "":
		cfg.TurnMode = e.Mode()
		if cfg.Orchestrator == "" {
			cfg.Orchestrator = e.Orchestrator()
		}
	case engine.ModeOrchestrator:
		e.SetOrchestratorMode(cfg.Orchestrator)
	default:
		e.SetInitiativeMode()
	}
	x := &Executor{engine: e, cfg: cfg, logger: opts.Logger, now: opts.Now}
	if x.logger == nil {
		x.logger = telemetry.NewNoopLogger()
	}
	if x.now == nil {
		x.now = time.Now
	}
	return x, nil
}

// ExecuteStep runs step i, stores its result and advances the cursor when i
// is the next step. The cursor wraps to zero after the last step.
func (x *Executor) ExecuteStep(ctx context.Context, i int) StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.executeStep(ctx, i)
}

// Next runs the step at the cursor.
func (x *Executor) Next(ctx context.Context) StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.executeStep(ctx, x.cursor)
}

func (x *Executor) executeStep(ctx context.Context, i int) StepResult {
	if i < 0 || i >= len(x.cfg.Steps) {
		return StepResult{
			Step:      "invalid",
			Status:    StatusFailed,
			Err:       fmt.Errorf("step index %d out of range", i),
			Timestamp: x.now(),
		}
	}
	res := x.run(ctx, x.cfg.Steps[i], i)
	for len(x.results) <= i {
		x.results = append(x.results, StepResult{Step: x.cfg.Steps[len(x.results)].Step, Status: StatusPending})
	}
	x.results[i] = res
	if i == x.cursor {
		x.cursor++
		if x.cursor == len(x.cfg.Steps) {
			x.cursor = 0
		}
	}
	return res
}

// ExecuteAll runs every step of one turn, stopping at the first failed step,
// and appends the result to the history. When every step succeeds, a turn
// left open because player_turn is disabled or absent is finished.
func (x *Executor) ExecuteAll(ctx context.Context) ExecutionResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.executeAll(ctx)
}

func (x *Executor) executeAll(ctx context.Context) ExecutionResult {
	start := x.now()
	x.reset()
	out := ExecutionResult{TurnNumber: x.engine.CurrentTurn() + 1, Success: true, DryRun: x.dryRun}
	for i := range x.cfg.Steps {
		res := x.executeStep(ctx, i)
		out.Steps = append(out.Steps, res)
		if d := x.decision(); d != nil {
			out.Decision = d
		}
		if res.Status == StatusFailed {
			out.Success = false
			break
		}
	}
	if x.turn != nil && out.Success {
		x.engine.FinishTurn(ctx, *x.turn)
		x.turn = nil
	}
	out.TotalDuration = x.now().Sub(start)
	x.history = append(x.history, out)
	x.logger.Info(ctx, "pipeline executed", "turn", out.TurnNumber, "steps", len(out.Steps), "success", out.Success, "dry_run", out.DryRun)
	return out
}

// DryRun runs ExecuteAll without calling any model or mutating the engine.
func (x *Executor) DryRun(ctx context.Context) ExecutionResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	prev := x.dryRun
	x.dryRun = true
	defer func() { x.dryRun = prev }()
	return x.executeAll(ctx)
}

// Preview returns the inputs step i would receive now.
func (x *Executor) Preview(i int) (map[string]any, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if i < 0 || i >= len(x.cfg.Steps) {
		return nil, fmt.Errorf("step index %d out of range", i)
	}
	return x.inputs(x.cfg.Steps[i], i), nil
}

// SetDryRun toggles dry-run mode for subsequent steps.
func (x *Executor) SetDryRun(enabled bool) {
	x.mu.Lock()
	x.dryRun = enabled
	x.mu.Unlock()
}

// DryRunEnabled reports whether dry-run mode is on.
func (x *Executor) DryRunEnabled() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.dryRun
}

// Reset rewinds the cursor and drops step results and any open turn.
func (x *Executor) Reset() {
	x.mu.Lock()
	x.reset()
	x.mu.Unlock()
}

func (x *Executor) reset() {
	x.cursor = 0
	x.results = nil
	x.turn = nil
}

// CurrentIndex returns the cursor.
func (x *Executor) CurrentIndex() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.cursor
}

// Steps returns the configured steps.
func (x *Executor) Steps() []StepConfig {
	return append([]StepConfig(nil), x.cfg.Steps...)
}

// Config returns the executor configuration.
func (x *Executor) Config() Config { return x.cfg }

// Results returns the results of the steps run since the last reset.
func (x *Executor) Results() []StepResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]StepResult(nil), x.results...)
}

// History returns every ExecuteAll result.
func (x *Executor) History() []ExecutionResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return append([]ExecutionResult(nil), x.history...)
}

func (x *Executor) run(ctx context.Context, sc StepConfig, i int) StepResult {
	start := x.now()
	res := StepResult{Step: sc.Step, Status: StatusRunning, Inputs: x.inputs(sc, i), Timestamp: start}

	switch {
	case !sc.Enabled:
		res.Status = StatusSkipped
		res.Outputs = map[string]any{"reason": "disabled"}
	case sc.Step == StepOrchestratorDecide && x.cfg.TurnMode != engine.ModeOrchestrator:
		res.Status = StatusSkipped
		res.Outputs = map[string]any{"reason": "initiative mode"}
	default:
		var out map[string]any
		var err error
		if x.dryRun {
			out, err = x.simulate(sc, res.Inputs)
		} else {
			out, err = x.execute(ctx, sc)
		}
		if err != nil {
			res.Status = StatusFailed
			res.Err = err
			x.logger.Error(ctx, "pipeline step failed", "step", sc.Step, "err", err)
		} else {
			res.Status = StatusCompleted
			res.Outputs = out
		}
	}
	res.Duration = x.now().Sub(start)
	return res
}

// turnNumber is the number of the open turn, or of the next one.
func (x *Executor) turnNumber() int {
	if x.turn != nil {
		return x.turn.TurnNumber
	}
	return x.engine.CurrentTurn() + 1
}

func (x *Executor) inputs(sc StepConfig, i int) map[string]any {
	in := map[string]any{
		"stepIndex":  i,
		"stepConfig": sc.Config,
		"turnNumber": x.turnNumber(),
	}
	switch sc.Step {
	case StepTurnStart:
		in["previousTurnResult"] = x.engine.State().LastTurnResult
	case StepGatherEvents:
		in["scheduledEvents"] = len(x.engine.PendingEvents(x.turnNumber()))
	case StepOrchestratorDecide:
		in["events"] = x.turnEvents()
		in["worldState"] = state.Clone(x.engine.Roster().WorldState())
		in["availableAgents"] = agentRefs(x.engine.AvailableAgents())
		in["orchestratorName"] = x.cfg.Orchestrator
	case StepExecuteAgents:
		in["agentsToWake"] = []string{}
		in["instructions"] = map[string]string{}
		if d := x.decision(); d != nil {
			in["agentsToWake"] = d.AgentsToWake
			in["instructions"] = d.Instructions
		}
	case StepPlayerTurn:
		in["playerAgent"] = ""
		if p, ok := x.engine.Roster().PlayerAgent(); ok {
			in["playerAgent"] = p.Name
		}
		d := x.decision()
		in["skipPlayerTurn"] = d != nil && d.SkipPlayerTurn
	}
	return in
}

func (x *Executor) execute(ctx context.Context, sc StepConfig) (map[string]any, error) {
	switch sc.Step {
	case StepTurnStart:
		res := x.engine.StartTurn(ctx)
		x.turn = &res
		return map[string]any{
			"turn":           res.TurnNumber,
			"events":         eventNames(res.Events),
			"scheduledFired": len(res.Events) - 1,
		}, nil

	case StepGatherEvents:
		if x.turn == nil {
			return nil, errors.New("turn_start has not run")
		}
		var gathered []string
		for _, ev := range x.engine.Bus().History(0) {
			if !strings.HasPrefix(ev.Name, playerEventPrefix) || ev.Seq <= x.lastGathered {
				continue
			}
			x.turn.Events = append(x.turn.Events, ev)
			gathered = append(gathered, ev.Name)
			x.lastGathered = ev.Seq
		}
		return map[string]any{
			"eventsGathered": len(x.turn.Events),
			"playerEvents":   gathered,
			"upcoming":       len(x.engine.State().ScheduledEvents),
		}, nil

	case StepOrchestratorDecide:
		if x.turn == nil {
			return nil, errors.New("turn_start has not run")
		}
		d, ok := x.engine.Decide(ctx, x.turn.Events)
		if !ok {
			return map[string]any{"fallback": string(engine.ModeInitiative)}, nil
		}
		x.turn.Decision = &d
		return map[string]any{"decision": d, "agentsSelected": d.AgentsToWake}, nil

	case StepExecuteAgents:
		if x.turn == nil {
			return nil, errors.New("turn_start has not run")
		}
		before := state.Clone(x.engine.Roster().WorldState())
		actions := x.engine.ExecuteAgents(ctx, x.turn.Decision)
		x.turn.CPUActions = append(x.turn.CPUActions, actions...)
		x.turn.StateChanges = state.Compare(before, x.engine.Roster().WorldState())
		return map[string]any{"actions": actions, "agentsExecuted": len(actions)}, nil

	case StepPlayerTurn:
		if x.turn == nil {
			return nil, errors.New("turn_start has not run")
		}
		turn := *x.turn
		if p, ok := x.engine.Roster().PlayerAgent(); ok && (turn.Decision == nil || !turn.Decision.SkipPlayerTurn) {
			turn.PlayerPending = true
			turn.PlayerPrompt = fmt.Sprintf("Turn %d: waiting for %s", turn.TurnNumber, p.Name)
		}
		final := x.engine.FinishTurn(ctx, turn)
		x.turn = nil
		return map[string]any{
			"playerPending": final.PlayerPending,
			"playerPrompt":  final.PlayerPrompt,
			"turnResult":    final,
		}, nil
	}
	return nil, fmt.Errorf("unknown step %q", sc.Step)
}

func (x *Executor) simulate(sc StepConfig, in map[string]any) (map[string]any, error) {
	out := map[string]any{"dryRun": true}
	switch sc.Step {
	case StepTurnStart:
		out["event"] = map[string]any{"name": hooks.TurnStart, "data": map[string]any{"turn": x.turnNumber()}}
	case StepGatherEvents:
		out["eventsGathered"] = 0
		out["wouldProcess"] = in["scheduledEvents"]
	case StepOrchestratorDecide:
		var names []string
		for _, a := range x.engine.AvailableAgents() {
			names = append(names, a.Name)
		}
		out["wouldCall"] = x.cfg.Orchestrator
		out["availableAgents"] = names
		out["note"] = "would call the orchestrator model"
	case StepExecuteAgents:
		if x.cfg.TurnMode == engine.ModeOrchestrator {
			out["wouldExecute"] = in["agentsToWake"]
			out["note"] = "would call the model for each selected agent"
		} else {
			rolls := map[string]float64{}
			var names []string
			for _, a := range x.engine.Roster().CPUAgents() {
				rolls[a.Name] = a.Initiative
				names = append(names, a.Name)
			}
			out["wouldExecute"] = names
			out["initiative"] = rolls
			out["note"] = "would roll initiative and call the model for each agent that wins"
		}
	case StepPlayerTurn:
		skip, _ := in["skipPlayerTurn"].(bool)
		player, _ := in["playerAgent"].(string)
		out["playerPending"] = player != "" && !skip
	default:
		return nil, fmt.Errorf("unknown step %q", sc.Step)
	}
	return out, nil
}

func (x *Executor) decision() *engine.Decision {
	if x.turn != nil && x.turn.Decision != nil {
		return x.turn.Decision
	}
	return nil
}

func (x *Executor) turnEvents() []hooks.Event {
	if x.turn == nil {
		return []hooks.Event{}
	}
	return append([]hooks.Event(nil), x.turn.Events...)
}

func agentRefs(agents []engine.Agent) []map[string]string {
	out := make([]map[string]string, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]string{"name": a.Name, "role": a.Role})
	}
	return out
}

func eventNames(events []hooks.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.Name)
	}
	return out
}
