package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
)

// host is an in-memory engine.Interactor and engine.Roster.
type host struct {
	mu      sync.Mutex
	agents  []engine.Agent
	player  *engine.Agent
	world   map[string]any
	replies map[string]string
	calls   []string
}

func (h *host) Interact(_ context.Context, agent, _, situation string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, agent+"/"+situation)
	if r, ok := h.replies[agent]; ok {
		return r, nil
	}
	return "present", nil
}

func (h *host) CPUAgents() []engine.Agent { return h.agents }

func (h *host) Agent(name string) (engine.Agent, bool) {
	for _, a := range h.agents {
		if a.Name == name {
			return a, true
		}
	}
	return engine.Agent{}, false
}

func (h *host) PlayerAgent() (engine.Agent, bool) {
	if h.player == nil {
		return engine.Agent{}, false
	}
	return *h.player, true
}

func (h *host) WorldState() map[string]any { return h.world }

func newHost() *host {
	return &host{
		agents: []engine.Agent{
			{Name: "gm", Role: "Game master", ControlledBy: engine.ControlledByCPU},
			{Name: "chancellor", Role: "Treasury", ControlledBy: engine.ControlledByCPU, Initiative: 1},
		},
		player:  &engine.Agent{Name: "pm", ControlledBy: engine.ControlledByPlayer},
		world:   map[string]any{"approval": 50},
		replies: map[string]string{},
	}
}

func newExecutor(t *testing.T, h *host, cfg Config) (*Executor, *engine.Engine) {
	t.Helper()
	e, err := engine.New(engine.Options{Interactor: h, Roster: h, Float64: func() float64 { return 0.5 }})
	require.NoError(t, err)
	x, err := New(e, cfg, Options{})
	require.NoError(t, err)
	return x, e
}

func statuses(steps []StepResult) []StepStatus {
	out := make([]StepStatus, 0, len(steps))
	for _, s := range steps {
		out = append(out, s.Status)
	}
	return out
}

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig()
	require.NoError(t, c.Validate())
	names := make([]string, 0, len(c.Steps))
	for _, s := range c.Steps {
		names = append(names, s.Step)
		assert.True(t, s.Enabled)
	}
	assert.Equal(t, []string{StepTurnStart, StepGatherEvents, StepOrchestratorDecide, StepExecuteAgents, StepPlayerTurn}, names)

	assert.Error(t, Config{TurnMode: engine.ModeOrchestrator, Steps: c.Steps}.Validate())
	assert.Error(t, Config{TurnMode: "chaos", Steps: c.Steps}.Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{Steps: []StepConfig{{}}}.Validate())
}

func TestStepConfigYAMLDefaultsEnabled(t *testing.T) {
	var c Config
	doc := `
turnMode: orchestrator
orchestrator: gm
steps:
  - step: turn_start
  - step: gather_events
    enabled: false
`
	require.NoError(t, yaml.Unmarshal([]byte(doc), &c))
	require.Len(t, c.Steps, 2)
	assert.True(t, c.Steps[0].Enabled)
	assert.False(t, c.Steps[1].Enabled)
	assert.Equal(t, engine.ModeOrchestrator, c.TurnMode)
}

func TestExecuteAllInitiative(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	x, e := newExecutor(t, h, DefaultConfig())

	res := x.ExecuteAll(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TurnNumber)
	assert.Equal(t, []StepStatus{StatusCompleted, StatusCompleted, StatusSkipped, StatusCompleted, StatusCompleted}, statuses(res.Steps))
	assert.Equal(t, 1, res.Steps[3].Outputs["agentsExecuted"])
	assert.Equal(t, true, res.Steps[4].Outputs["playerPending"])
	assert.Equal(t, "Turn 1: waiting for pm", res.Steps[4].Outputs["playerPrompt"])
	assert.Nil(t, res.Decision)

	assert.Equal(t, 1, e.CurrentTurn())
	assert.Equal(t, []string{"chancellor/initiative_check"}, h.calls)
	require.NotNil(t, e.State().LastTurnResult)
	assert.True(t, e.State().LastTurnResult.PlayerPending)
	assert.Len(t, x.History(), 1)
	assert.Zero(t, x.CurrentIndex())
}

func TestExecuteAllOrchestrator(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	h.replies["gm"] = `{"agentsToWake":["chancellor"],"instructions":{"chancellor":"report"},"reasoning":"budget day","skipPlayerTurn":true}`
	x, e := newExecutor(t, h, OrchestratorConfig("gm"))
	assert.Equal(t, engine.ModeOrchestrator, e.Mode())

	res := x.ExecuteAll(ctx)
	require.True(t, res.Success)
	require.NotNil(t, res.Decision)
	assert.Equal(t, []string{"chancellor"}, res.Decision.AgentsToWake)
	assert.Equal(t, []string{"gm/orchestrator_decision", "chancellor/orchestrated_action"}, h.calls)
	assert.Equal(t, false, res.Steps[4].Outputs["playerPending"])
	assert.Equal(t, []string{"chancellor"}, res.Steps[3].Inputs["agentsToWake"])
}

func TestDryRunMakesNoCalls(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	x, e := newExecutor(t, h, OrchestratorConfig("gm"))
	require.NoError(t, e.ScheduleEvent(engine.ScheduledEvent{Turn: 1, Name: "vote"}))

	res := x.DryRun(ctx)
	assert.True(t, res.Success)
	assert.True(t, res.DryRun)
	assert.Empty(t, h.calls)
	assert.Zero(t, e.CurrentTurn())
	assert.False(t, x.DryRunEnabled())

	for _, s := range res.Steps {
		assert.Equal(t, true, s.Outputs["dryRun"], s.Step)
	}
	assert.Equal(t, 1, res.Steps[1].Outputs["wouldProcess"])
	assert.Equal(t, "gm", res.Steps[2].Outputs["wouldCall"])
	assert.Equal(t, []string{"chancellor"}, res.Steps[2].Outputs["availableAgents"])
	assert.Equal(t, true, res.Steps[4].Outputs["playerPending"])
	assert.Len(t, e.State().ScheduledEvents, 1)
}

func TestSingleStepping(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	x, e := newExecutor(t, h, OrchestratorConfig("gm"))

	r := x.ExecuteStep(ctx, 0)
	assert.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, 1, e.CurrentTurn())
	assert.Equal(t, 1, x.CurrentIndex())

	in, err := x.Preview(2)
	require.NoError(t, err)
	assert.Equal(t, "gm", in["orchestratorName"])
	assert.Equal(t, 1, in["turnNumber"])
	assert.Len(t, in["events"], 1)
	_, err = x.Preview(9)
	assert.Error(t, err)

	r = x.Next(ctx)
	assert.Equal(t, StepGatherEvents, r.Step)
	assert.Len(t, x.Results(), 2)

	bad := x.ExecuteStep(ctx, 42)
	assert.Equal(t, StatusFailed, bad.Status)
	assert.Error(t, bad.Err)

	x.Reset()
	assert.Zero(t, x.CurrentIndex())
	assert.Empty(t, x.Results())
}

func TestStepBeforeTurnStartFails(t *testing.T) {
	x, _ := newExecutor(t, newHost(), DefaultConfig())
	r := x.ExecuteStep(context.Background(), 3)
	assert.Equal(t, StatusFailed, r.Status)
	assert.EqualError(t, r.Err, "turn_start has not run")
}

func TestUnknownStepHaltsExecution(t *testing.T) {
	cfg := Config{Steps: []StepConfig{
		{Step: StepTurnStart, Enabled: true},
		{Step: "summon_dragons", Enabled: true},
		{Step: StepPlayerTurn, Enabled: true},
	}}
	x, _ := newExecutor(t, newHost(), cfg)
	res := x.ExecuteAll(context.Background())
	assert.False(t, res.Success)
	require.Len(t, res.Steps, 2)
	assert.Equal(t, StatusFailed, res.Steps[1].Status)
	assert.EqualError(t, res.Steps[1].Err, `unknown step "summon_dragons"`)
}

func TestGatherPlayerEvents(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	x, e := newExecutor(t, h, DefaultConfig())
	e.Bus().Emit(ctx, hooks.PlayerAction, map[string]any{"choice": "raise taxes"}, "player")
	e.Bus().Emit(ctx, "unrelated", nil, "")

	x.ExecuteStep(ctx, 0)
	r := x.ExecuteStep(ctx, 1)
	require.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, []string{hooks.PlayerAction}, r.Outputs["playerEvents"])
	assert.Equal(t, 2, r.Outputs["eventsGathered"])

	// already gathered events are not gathered again
	x.Reset()
	x.ExecuteStep(ctx, 0)
	r = x.ExecuteStep(ctx, 1)
	assert.Nil(t, r.Outputs["playerEvents"])
}

func TestGatherEventsPublishedInSameTick(t *testing.T) {
	ctx := context.Background()
	x, e := newExecutor(t, newHost(), DefaultConfig())
	at := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	e.Bus().Publish(ctx, hooks.Event{Name: hooks.PlayerAction, Source: "player", Timestamp: at})
	e.Bus().Publish(ctx, hooks.Event{Name: "player_vote", Source: "player", Timestamp: at})

	x.ExecuteStep(ctx, 0)
	r := x.ExecuteStep(ctx, 1)
	require.Equal(t, StatusCompleted, r.Status)
	assert.Equal(t, []string{hooks.PlayerAction, "player_vote"}, r.Outputs["playerEvents"])

	e.Bus().Publish(ctx, hooks.Event{Name: "player_veto", Source: "player", Timestamp: at})
	x.Reset()
	x.ExecuteStep(ctx, 0)
	r = x.ExecuteStep(ctx, 1)
	assert.Equal(t, []string{"player_veto"}, r.Outputs["playerEvents"])
}

func TestConfigWithoutModeFollowsEngine(t *testing.T) {
	ctx := context.Background()
	h := newHost()
	h.replies["gm"] = `{"agentsToWake":["chancellor"],"reasoning":"quiet week"}`
	e, err := engine.New(engine.Options{Interactor: h, Roster: h, Mode: engine.ModeOrchestrator, Orchestrator: "gm"})
	require.NoError(t, err)
	x, err := New(e, Config{Steps: DefaultConfig().Steps}, Options{})
	require.NoError(t, err)

	assert.Equal(t, engine.ModeOrchestrator, x.Config().TurnMode)
	assert.Equal(t, "gm", x.Config().Orchestrator)
	res := x.ExecuteAll(ctx)
	require.True(t, res.Success)
	assert.Equal(t, StatusCompleted, res.Steps[2].Status)
	assert.Equal(t, engine.ModeOrchestrator, e.Mode())

	_, err = New(e, DefaultConfig(), Options{})
	require.NoError(t, err)
	assert.Equal(t, engine.ModeInitiative, e.Mode())
}

func TestDisabledPlayerTurnStillFinishesTurn(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.Steps[4].Enabled = false
	x, e := newExecutor(t, newHost(), cfg)

	res := x.ExecuteAll(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, StatusSkipped, res.Steps[4].Status)
	last := e.Bus().History(1)
	require.Len(t, last, 1)
	assert.Equal(t, hooks.TurnEnd, last[0].Name)
	assert.NotNil(t, e.State().LastTurnResult)
}
