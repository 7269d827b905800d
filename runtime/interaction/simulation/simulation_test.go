package simulation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/checkpoint"
	"goa.design/parley/runtime/interaction/checkpoint/inmem"
	"goa.design/parley/runtime/interaction/cost"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/model/mock"
	"goa.design/parley/runtime/interaction/pipeline"
	"goa.design/parley/runtime/interaction/ratelimit"
	"goa.design/parley/runtime/interaction/state"
)

const (
	advisorPrompt = "You advise the prime minister."
	analystPrompt = "You analyse."
)

func noSleep(context.Context, time.Duration) error { return nil }

func newSim(t *testing.T, client *mock.Client, mutate func(*Options)) *Simulation {
	t.Helper()
	c, err := cache.New(cache.Options{Variants: 1})
	require.NoError(t, err)
	opts := Options{
		Name:    "cabinet",
		Model:   client,
		Cache:   c,
		Limiter: ratelimit.New(ratelimit.Options{Sleep: noSleep, Float64: func() float64 { return 0 }}),
		Engine:  engine.Options{Float64: func() float64 { return 0 }, Sleep: noSleep},
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, s.RegisterAgent(AgentConfig{
		Name:         "advisor",
		Role:         "Chief advisor",
		SystemPrompt: advisorPrompt,
		Memory:       MemoryNone,
		Initiative:   1,
	}))
	return s
}

func TestNewRequiresModel(t *testing.T) {
	_, err := New(Options{})
	assert.EqualError(t, err, "model client is required")

	_, err = New(Options{Model: mock.New(), Engine: engine.Options{Mode: engine.ModeOrchestrator}})
	assert.Error(t, err)
}

func TestAgentManagement(t *testing.T) {
	s := newSim(t, mock.New(), nil)

	assert.Error(t, s.RegisterAgent(AgentConfig{}))
	assert.Error(t, s.RegisterAgent(AgentConfig{Name: "x", Initiative: 2}))
	assert.Error(t, s.RegisterAgent(AgentConfig{Name: "x", ControlledBy: "ghost"}))
	assert.Error(t, s.RegisterAgent(AgentConfig{Name: "x", Memory: "forever"}))

	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "pm", ControlledBy: engine.ControlledByPlayer}))
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "treasury"}))
	assert.Equal(t, []string{"advisor", "pm", "treasury"}, s.ListAgents())

	a, ok := s.Agent("treasury")
	require.True(t, ok)
	assert.Equal(t, engine.ControlledByCPU, a.ControlledBy)
	assert.Equal(t, MemorySummary, a.Memory)
	assert.Equal(t, DefaultMaxTurns, a.MaxTurns)

	p, ok := s.PlayerAgent()
	require.True(t, ok)
	assert.Equal(t, "pm", p.Name)

	require.NoError(t, s.SetPlayerAgent("treasury"))
	p, _ = s.PlayerAgent()
	assert.Equal(t, "treasury", p.Name)
	pm, _ := s.Agent("pm")
	assert.Equal(t, engine.ControlledByCPU, pm.ControlledBy)
	assert.Len(t, s.CPUAgents(), 2)

	assert.ErrorIs(t, s.SetPlayerAgent("nobody"), ErrAgentNotFound)
	require.NoError(t, s.RemoveAgent("pm"))
	assert.False(t, s.HasAgent("pm"))
	assert.ErrorIs(t, s.RemoveAgent("pm"), ErrAgentNotFound)
	assert.Equal(t, []string{"advisor", "treasury"}, s.ListAgents())
}

func TestWorldStateAccessors(t *testing.T) {
	s := newSim(t, mock.New(), nil)
	s.SetWorldState(map[string]any{"approval": 50, "crisis": map[string]any{"active": false}})
	s.UpdateWorldState(map[string]any{"economy": 70})

	ws := s.WorldState()
	ws["crisis"].(map[string]any)["active"] = true
	assert.Equal(t, false, s.StateValue("crisis", nil).(map[string]any)["active"])

	assert.Equal(t, map[string]any{"approval": 50, "economy": 70}, s.QueryState("approval", "economy", "missing"))
	assert.Equal(t, "none", s.StateValue("missing", "none"))
	assert.True(t, s.HasStateKey("economy"))
	assert.NotEmpty(t, s.StateBucket())
}

func TestInteractUnknownAgent(t *testing.T) {
	client := mock.New()
	s := newSim(t, client, nil)
	_, err := s.Interact(context.Background(), "ghost", "hello")
	assert.ErrorIs(t, err, ErrAgentNotFound)
	assert.Zero(t, client.Calls())
}

// A repeated interaction in the same situation and state is served from the
// cache without a model call and without token usage.
func TestRepeatedInteractionHitsCache(t *testing.T) {
	ctx := context.Background()
	client := mock.New(mock.WithResponses("We should hold a press conference."))
	s := newSim(t, client, nil)
	s.SetWorldState(map[string]any{"approval": 52})

	first, err := s.Interact(ctx, "advisor", "What should we do about the strike?")
	require.NoError(t, err)
	assert.False(t, first.FromCache)
	assert.Positive(t, first.Usage.Total())

	// approval 55 falls in the same bucket as 52
	s.UpdateWorldState(map[string]any{"approval": 55})
	second, err := s.Interact(ctx, "advisor", "  WHAT should we do about the strike?")
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, first.Signature, second.Signature)
	assert.Zero(t, second.Usage.Total())

	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, s.TokenUsage().Interactions)
	costs := s.Stats(ctx).Costs
	assert.Equal(t, 1, costs.CacheHits)
	assert.Equal(t, 1, costs.CacheMisses)
	assert.Equal(t, 2, s.TurnCount())

	h := s.History()
	require.Len(t, h, 2)
	assert.False(t, h[0].FromCache)
	assert.True(t, h[1].FromCache)
	assert.NotEqual(t, h[0].ID, h[1].ID)
	assert.Equal(t, DefaultSituation, h[1].Situation)
}

func TestSituationSeparatesCacheEntries(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, nil)
	_, err := s.Interact(ctx, "advisor", "Report", WithSituation("briefing"))
	require.NoError(t, err)
	r, err := s.Interact(ctx, "advisor", "Report", WithSituation("crisis"))
	require.NoError(t, err)
	assert.False(t, r.FromCache)
	assert.Equal(t, 2, client.Calls())
}

// An oversized request is refused before any model call. Once the older
// conversation is summarized the request fits and succeeds.
func TestOversizedRequestIsCompacted(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, func(o *Options) {
		b := budget.DefaultBudget()
		b.MaxInputTokens = 10_000
		o.Budget = budget.New(budget.Options{Budget: b})
	})
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "analyst", SystemPrompt: analystPrompt, Memory: MemoryFull}))

	big := "Background: " + strings.Repeat("inflation figures ", 44)
	_, err := s.Interact(ctx, "analyst", big)
	require.NoError(t, err)
	for _, q := range []string{"first short question here", "second short question here", "third short question here"} {
		_, err := s.Interact(ctx, "analyst", q)
		require.NoError(t, err)
	}
	require.Len(t, s.Conversation("analyst"), 8)

	b := budget.DefaultBudget()
	b.MaxInputTokens = 100
	s.budget.SetBudget(b)

	// a single message too large on its own cannot be compacted
	calls := client.Calls()
	est := s.estimate(buildMessages(nil, nil, big), advisorPrompt)
	assert.True(t, s.budget.Check(est, cost.ModelSonnet).NeedsCompaction)
	_, err = s.Interact(ctx, "advisor", big)
	ce, ok := budget.AsCostLimitError(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, budget.UnitTokens, ce.Unit)
	assert.Contains(t, ce.Reason, "exceed max")
	assert.Equal(t, budget.LimitRequest, ce.Kind)
	assert.Equal(t, 100.0, ce.Limit)
	assert.Zero(t, ce.Current)
	assert.Equal(t, float64(est), ce.Requested)
	assert.True(t, ce.NeedsCompaction)
	assert.Equal(t, calls, client.Calls())

	// the remembered conversation is summarized, then the call proceeds
	prior := s.Conversation("analyst")
	est = s.estimate(buildMessages(prior, nil, "what now for the budget?"), analystPrompt)
	assert.True(t, s.budget.Check(est, cost.ModelSonnet).NeedsCompaction)

	usage := s.TokenUsage()
	spent := s.Stats(ctx).Costs.TotalInteractions
	resp, err := s.Interact(ctx, "analyst", "what now for the budget?")
	require.NoError(t, err)
	assert.False(t, resp.FromCache)
	after := s.TokenUsage()
	assert.Equal(t, usage.Interactions+2, after.Interactions, "the summary call is budgeted")
	assert.Greater(t, after.InputTokens-usage.InputTokens, resp.Usage.InputTokens)
	assert.Equal(t, spent+2, s.Stats(ctx).Costs.TotalInteractions)
	reqs := client.Requests()
	require.Len(t, reqs, calls+2)
	summary := reqs[len(reqs)-2]
	assert.Equal(t, cost.ModelHaiku, summary.Model)
	assert.Contains(t, summary.Messages[0].Content, "inflation figures")

	sent := reqs[len(reqs)-1]
	assert.LessOrEqual(t, s.estimate(sent.Messages, sent.System), 100)
	assert.True(t, strings.HasPrefix(sent.Messages[0].Content, "[Previous conversation summary:"))

	conv := s.Conversation("analyst")
	assert.Len(t, conv, 8)
	assert.Equal(t, "what now for the budget?", conv[len(conv)-2].Content)
}

func TestSessionBudgetRefusesWithoutCompaction(t *testing.T) {
	client := mock.New()
	s := newSim(t, client, func(o *Options) {
		b := budget.DefaultBudget()
		b.MaxTotalTokens = 5
		o.Budget = budget.New(budget.Options{Budget: b})
	})
	_, err := s.Interact(context.Background(), "advisor", "Tell me everything about the cabinet reshuffle")
	require.ErrorIs(t, err, budget.ErrCostLimit)
	ce, _ := budget.AsCostLimitError(err)
	assert.Contains(t, ce.Reason, "session budget")
	assert.Zero(t, client.Calls())
}

func TestMaxCostRefusesOnceReached(t *testing.T) {
	ctx := context.Background()
	client := mock.New(mock.WithModel("local"))
	s := newSim(t, client, func(o *Options) {
		o.Costs = cost.New(cost.Options{Pricing: cost.Pricing{"local": {InputPerMTok: 1e6, OutputPerMTok: 1e6}}})
		o.DefaultModel = "local"
		o.MaxCost = 1
	})

	_, err := s.Interact(ctx, "advisor", "Draft the speech")
	require.NoError(t, err)
	_, err = s.Interact(ctx, "advisor", "Draft another speech")
	ce, ok := budget.AsCostLimitError(err)
	require.True(t, ok)
	assert.Equal(t, budget.UnitUSD, ce.Unit)
	assert.Equal(t, 1.0, ce.Limit)
	assert.Equal(t, 1, client.Calls())

	st := s.Stats(ctx)
	require.NotNil(t, st.CostLimit)
	assert.Negative(t, st.CostLimit.Remaining)

	s.ResetCosts(ctx)
	assert.Zero(t, s.TokenUsage().TotalTokens)
	_, err = s.Interact(ctx, "advisor", "Draft a third speech")
	assert.NoError(t, err)
}

func TestRateLimitedCallsAreRetried(t *testing.T) {
	client := mock.New(mock.WithFailures(model.ErrRateLimited, model.ErrRateLimited), mock.WithResponses("ok"))
	s := newSim(t, client, nil)

	resp, err := s.Interact(context.Background(), "advisor", "Status?")
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 3, client.Calls())
	st := s.Stats(context.Background()).RateLimit
	assert.Zero(t, st.ConsecutiveErrors)
	assert.Equal(t, 2, st.TotalRetries)
}

func TestProviderFailureIsWrapped(t *testing.T) {
	boom := errors.New("boom")
	client := mock.New(mock.WithFailures(boom))
	s := newSim(t, client, nil)
	_, err := s.Interact(context.Background(), "advisor", "Status?")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, s.TurnCount())
	assert.Empty(t, s.History())
}

func TestMessagesCarryContextAndMemory(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, nil)
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "analyst", SystemPrompt: analystPrompt, Memory: MemoryFull, Model: "claude-opus-4-20250514"}))

	_, err := s.Interact(ctx, "analyst", "Open the session", WithContext(map[string]any{"week": 3, "party": "blue"}))
	require.NoError(t, err)
	req := client.LastRequest()
	assert.Equal(t, analystPrompt, req.System)
	assert.Equal(t, "claude-opus-4-20250514", req.Model)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "[Context: party: blue\nweek: 3]", req.Messages[0].Content)
	assert.Equal(t, model.RoleAssistant, req.Messages[1].Role)

	_, err = s.Interact(ctx, "analyst", "Continue", WithModel("claude-haiku-3-20240307"))
	require.NoError(t, err)
	req = client.LastRequest()
	assert.Equal(t, "claude-haiku-3-20240307", req.Model)
	require.Len(t, req.Messages, 3)
	assert.Equal(t, "Open the session", req.Messages[0].Content)
	assert.Equal(t, "Continue", req.Messages[2].Content)

	_, err = s.Interact(ctx, "advisor", "Hello")
	require.NoError(t, err)
	assert.Len(t, client.LastRequest().Messages, 1)
	assert.Empty(t, s.Conversation("advisor"))
}

func TestSummaryMemoryCompactsLongConversations(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, nil)
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "diarist", Memory: MemorySummary, MaxTurns: 2}))

	for _, in := range []string{"monday", "tuesday"} {
		_, err := s.Interact(ctx, "diarist", in)
		require.NoError(t, err)
	}
	require.Len(t, s.Conversation("diarist"), 4)
	_, err := s.Interact(ctx, "diarist", "wednesday")
	require.NoError(t, err)
	assert.Equal(t, 4, client.Calls())

	conv := s.Conversation("diarist")
	require.Len(t, conv, 5)
	assert.True(t, strings.HasPrefix(conv[0].Content, "[Previous conversation summary:"))
	assert.Equal(t, "tuesday", conv[1].Content)
}

func TestStateUpdatesFollowInteractions(t *testing.T) {
	ctx := context.Background()
	client := mock.New(mock.WithResponses("I resign effective immediately.", "I resign again."))
	s := newSim(t, client, nil)
	s.SetWorldState(map[string]any{"cabinet": 20})
	require.NoError(t, s.Updater().AddKeyword("advisor", []string{"resign"}, "cabinet", -1, state.OpIncrement))
	require.NoError(t, s.Updater().AddInteractionCounter("advisor", "advisor_meetings"))

	var changed []hooks.Event
	_, err := s.Bus().Subscribe(hooks.StateChanged, func(_ context.Context, e hooks.Event) error {
		changed = append(changed, e)
		return nil
	})
	require.NoError(t, err)

	_, err = s.Interact(ctx, "advisor", "How are you?")
	require.NoError(t, err)
	assert.Equal(t, 19, s.StateValue("cabinet", nil))
	assert.Equal(t, 1, s.StateValue("advisor_meetings", nil))
	require.Len(t, changed, 1)
	assert.Equal(t, []string{"advisor_meetings", "cabinet"}, changed[0].Data["keys"])

	s.DisableAutoStateUpdates()
	_, err = s.Interact(ctx, "advisor", "And now?")
	require.NoError(t, err)
	assert.Equal(t, 19, s.StateValue("cabinet", nil))
	assert.Len(t, changed, 1)
}

func TestRecordingToggle(t *testing.T) {
	s := newSim(t, mock.New(), nil)
	s.SetRecording(false)
	assert.False(t, s.Recording())
	_, err := s.Interact(context.Background(), "advisor", "Hello")
	require.NoError(t, err)
	assert.Empty(t, s.History())
	assert.Equal(t, 1, s.TurnCount())
	s.ResetTurnCount()
	assert.Zero(t, s.TurnCount())
}

func TestCheckpoints(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, mock.New(), nil)
	s.SetWorldState(map[string]any{"approval": 50})

	var events []string
	_, err := s.Bus().Subscribe("checkpoint_*", func(_ context.Context, e hooks.Event) error {
		events = append(events, e.Name)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.SaveCheckpoint(ctx, "before-vote", map[string]any{"note": "pre"}))
	s.UpdateWorldState(map[string]any{"approval": 30, "scandal": true})
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "whip"}))
	_, err = s.Interact(ctx, "advisor", "Damage control")
	require.NoError(t, err)

	diff, err := s.CompareStates(ctx, "before-vote")
	require.NoError(t, err)
	assert.Contains(t, diff.Added, "scandal")
	assert.Contains(t, diff.Changed, "approval")

	require.NoError(t, s.LoadCheckpoint(ctx, "before-vote"))
	assert.EqualValues(t, 50, s.StateValue("approval", nil))
	assert.False(t, s.HasStateKey("scandal"))
	assert.Equal(t, []string{"advisor"}, s.ListAgents())
	a, _ := s.Agent("advisor")
	assert.Equal(t, advisorPrompt, a.SystemPrompt)
	assert.Equal(t, 1, s.TurnCount(), "turn count survives a checkpoint load")
	assert.Len(t, s.History(), 1)

	_, err = s.SaveSimulation(ctx, "slot1")
	require.NoError(t, err)
	names, err := s.ListCheckpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"before-vote"}, names)

	require.NoError(t, s.DeleteCheckpoint(ctx, "before-vote"))
	assert.ErrorIs(t, s.LoadCheckpoint(ctx, "before-vote"), checkpoint.ErrNotFound)
	assert.Equal(t, []string{hooks.CheckpointSaved, hooks.CheckpointLoaded, hooks.CheckpointSaved}, events)
}

func TestResumeKeepsScheduledEvents(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	var fired []int
	for range 8 {
		s := newSim(t, mock.New(), func(o *Options) { o.Checkpoints = store })
		require.NoError(t, s.Engine().ScheduleEvent(engine.ScheduledEvent{Turn: 2, Name: "tick", Recurring: true, Interval: 3}))
		require.NoError(t, s.Engine().ScheduleEvent(engine.ScheduledEvent{Turn: 1, Name: "opening"}))
		ok, err := s.HasSave(ctx, "session")
		require.NoError(t, err)
		if ok {
			require.NoError(t, s.ResumeSimulation(ctx, "session"))
		}
		_, err = s.Engine().OnEvent("tick", func(_ context.Context, e hooks.Event) error {
			fired = append(fired, s.Engine().CurrentTurn())
			return nil
		})
		require.NoError(t, err)
		_, err = s.Engine().Step(ctx)
		require.NoError(t, err)
		_, err = s.SaveSimulation(ctx, "session")
		require.NoError(t, err)
	}
	assert.Equal(t, []int{2, 5, 8}, fired)

	s := newSim(t, mock.New(), func(o *Options) { o.Checkpoints = store })
	require.NoError(t, s.ResumeSimulation(ctx, "session"))
	assert.Equal(t, 8, s.Engine().CurrentTurn())
	assert.Equal(t, []engine.ScheduledEvent{{Turn: 11, Name: "tick", Recurring: true, Interval: 3}}, s.Engine().State().ScheduledEvents)
}

func TestSaveAndResume(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, nil)
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "analyst", Memory: MemoryFull}))
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "pm", ControlledBy: engine.ControlledByPlayer}))
	s.SetWorldState(map[string]any{"week": 1})
	_, err := s.Interact(ctx, "analyst", "Brief me")
	require.NoError(t, err)
	s.Engine().SetTurn(4)

	name, err := s.SaveSimulation(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultSave, name)
	ok, err := s.HasSave(ctx, DefaultSave)
	require.NoError(t, err)
	assert.True(t, ok)

	s.SetWorldState(map[string]any{"week": 9})
	s.Engine().SetTurn(7)
	_, err = s.Interact(ctx, "analyst", "And then?")
	require.NoError(t, err)
	require.NoError(t, s.RemoveAgent("pm"))

	require.NoError(t, s.ResumeSimulation(ctx, DefaultSave))
	assert.EqualValues(t, 1, s.StateValue("week", nil))
	assert.Equal(t, 1, s.TurnCount())
	assert.Equal(t, 4, s.Engine().CurrentTurn())
	require.Len(t, s.History(), 1)
	assert.Equal(t, "Brief me", s.History()[0].Input)
	assert.Equal(t, []string{"advisor", "analyst", "pm"}, s.ListAgents())
	p, ok := s.PlayerAgent()
	require.True(t, ok)
	assert.Equal(t, "pm", p.Name)
	conv := s.Conversation("analyst")
	require.Len(t, conv, 2)
	assert.Equal(t, model.RoleUser, conv[0].Role)

	saves, err := s.ListSaves(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{DefaultSave}, saves)
	require.NoError(t, s.DeleteSave(ctx, DefaultSave))
	ok, err = s.HasSave(ctx, DefaultSave)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Error(t, s.ResumeSimulation(ctx, DefaultSave))
}

type vetoError struct{}

func (vetoError) Error() string { return "vetoed" }

func TestAtomicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, mock.New(), nil)
	s.SetWorldState(map[string]any{"treasury": 100})

	err := s.Atomic(ctx, func(ctx context.Context) error {
		s.UpdateWorldState(map[string]any{"treasury": 0})
		if _, err := s.Interact(ctx, "advisor", "Spend it all"); err != nil {
			return err
		}
		return vetoError{}
	})
	var ve vetoError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, 100, s.StateValue("treasury", nil))
	assert.Zero(t, s.TurnCount())
	assert.Empty(t, s.History())

	require.NoError(t, s.Atomic(ctx, func(context.Context) error {
		s.UpdateWorldState(map[string]any{"treasury": 90})
		return nil
	}))
	assert.Equal(t, 90, s.StateValue("treasury", nil))
	st := s.Transactions().Stats()
	assert.Equal(t, 1, st.Committed)
	assert.Equal(t, 1, st.RolledBack)
}

func TestEngineTurnsInteractThroughSimulation(t *testing.T) {
	ctx := context.Background()
	client := mock.New(mock.WithAgentResponses(advisorPrompt, "Minister, the polls are down."))
	s := newSim(t, client, nil)
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "pm", ControlledBy: engine.ControlledByPlayer}))
	require.NoError(t, s.RegisterAgent(AgentConfig{Name: "sleeper", SystemPrompt: "zzz", Initiative: 0}))

	res, err := s.Engine().Step(ctx)
	require.NoError(t, err)
	require.Len(t, res.CPUActions, 1)
	assert.Equal(t, "advisor", res.CPUActions[0].AgentName)
	assert.Equal(t, "pm", res.CPUActions[0].Target)
	assert.False(t, res.PlayerPending)

	h := s.History()
	require.Len(t, h, 1)
	assert.Equal(t, engine.SituationInitiative, h[0].Situation)
	assert.Equal(t, 1, s.TurnCount())
}

func TestPipelineRunsAgainstSimulation(t *testing.T) {
	ctx := context.Background()
	client := mock.New()
	s := newSim(t, client, nil)
	x, err := s.Pipeline(pipeline.DefaultConfig())
	require.NoError(t, err)

	res := x.ExecuteAll(ctx)
	assert.True(t, res.Success)
	assert.Equal(t, 1, client.Calls())
	assert.Equal(t, 1, s.Engine().CurrentTurn())

	_, err = s.Pipeline(pipeline.Config{})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	s := newSim(t, mock.New(), nil)
	_, err := s.Interact(ctx, "advisor", "Hello")
	require.NoError(t, err)
	require.NoError(t, s.SaveCheckpoint(ctx, "one", nil))

	st := s.Stats(ctx)
	assert.Equal(t, "cabinet", st.Name)
	assert.Equal(t, []string{"advisor"}, st.Agents)
	assert.Equal(t, 1, st.TurnCount)
	assert.Equal(t, 1, st.HistoryLength)
	assert.Equal(t, 1, st.CheckpointCount)
	require.NotNil(t, st.Cache)
	assert.Equal(t, 1, st.Cache.Misses)
	assert.Nil(t, st.CostLimit)
	assert.Equal(t, 1, st.TokenBudget.Interactions)
}
