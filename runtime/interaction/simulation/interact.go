package simulation

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/ratelimit"
	"goa.design/parley/runtime/interaction/signature"
	"goa.design/parley/runtime/interaction/state"
	"goa.design/parley/runtime/interaction/telemetry"
)

const (
	// summaryLength is the target length in characters of compaction
	// summaries.
	summaryLength = 500
	// compactionReduction is the share of input compaction aims to remove.
	compactionReduction = 0.5
	// contextAck is the assistant turn that follows injected context.
	contextAck = "I understand the context. How can I help?"
)

type (
	// Response is the outcome of one interaction.
	Response struct {
		Agent     string           `json:"agent"`
		Content   string           `json:"content"`
		FromCache bool             `json:"fromCache"`
		Model     string           `json:"model,omitempty"`
		Usage     model.TokenUsage `json:"usage"`
		Signature string           `json:"signature"`
		Situation string           `json:"situation"`
	}

	// Record is one entry of the interaction history.
	Record struct {
		ID         string           `json:"id"`
		Agent      string           `json:"agent"`
		Input      string           `json:"input"`
		Response   string           `json:"response"`
		Situation  string           `json:"situation"`
		FromCache  bool             `json:"fromCache"`
		Model      string           `json:"model,omitempty"`
		Usage      model.TokenUsage `json:"usage"`
		WorldState map[string]any   `json:"worldState,omitempty"`
		Timestamp  time.Time        `json:"timestamp"`
	}

	// InteractOption configures one interaction.
	InteractOption func(*interactOptions)

	interactOptions struct {
		situation string
		context   map[string]any
		model     string
	}
)

// WithSituation sets the situation type used in the cache signature.
func WithSituation(s string) InteractOption {
	return func(o *interactOptions) {
		if s != "" {
			o.situation = s
		}
	}
}

// WithContext prepends key-value context to the conversation sent to the
// model. Context does not enter the cache signature.
func WithContext(c map[string]any) InteractOption {
	return func(o *interactOptions) { o.context = c }
}

// WithModel overrides the agent model for one interaction.
func WithModel(m string) InteractOption {
	return func(o *interactOptions) { o.model = m }
}

// Interact runs one interaction with agent.
//
// A cached response for the same agent, situation, bucketed world state and
// input intent is returned without any budget check or model call. Otherwise
// the conversation is checked against the token budget, compacted if it is
// too large, and sent to the model through the retry limiter. Budget and
// spend refusals are reported as *budget.CostLimitError before any network
// call.
func (s *Simulation) Interact(ctx context.Context, agent, input string, opts ...InteractOption) (Response, error) {
	o := interactOptions{situation: DefaultSituation}
	for _, opt := range opts {
		opt(&o)
	}
	ctx, span := s.tracer.Start(ctx, telemetry.SpanInteract)
	defer span.End()
	start := s.now()

	resp, err := s.interact(ctx, agent, input, o)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Response{}, err
	}
	span.SetStatus(codes.Ok, "")
	s.metrics.RecordTimer(telemetry.MetricInteractionDuration, s.now().Sub(start),
		"agent", agent, "cached", strconv.FormatBool(resp.FromCache))
	return resp, nil
}

func (s *Simulation) interact(ctx context.Context, name, input string, o interactOptions) (Response, error) {
	agent, ok := s.Agent(name)
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	if err := s.checkCostLimit(); err != nil {
		return Response{}, err
	}

	world := s.WorldState()
	sig := signature.Compute(signature.Components{
		AgentName:     name,
		SituationType: o.situation,
		StateBucket:   s.bucketer.Bucket(world),
		InputIntent:   signature.ExtractIntent(input, s.intentPrefix),
	})

	if s.cache != nil {
		entry, hit, err := s.cache.Get(ctx, sig)
		if err != nil {
			s.logger.Warn(ctx, "response cache lookup failed", "agent", name, "err", err)
		} else if hit {
			s.logger.Info(ctx, "cache hit", "agent", name, "signature", sig)
			s.metrics.IncCounter(telemetry.MetricCacheHit, 1, "agent", name)
			s.costs.RecordCacheHit(ctx)
			resp := Response{
				Agent:     name,
				Content:   entry.Response,
				FromCache: true,
				Signature: sig,
				Situation: o.situation,
			}
			s.remember(agent, nil, input, resp.Content)
			s.complete(ctx, input, resp, world)
			return resp, nil
		}
	}
	s.metrics.IncCounter(telemetry.MetricCacheMiss, 1, "agent", name)

	modelID := o.model
	if modelID == "" {
		modelID = agent.Model
	}
	if modelID == "" {
		modelID = s.defaultModel
	}

	prior, compacted, err := s.priorConversation(ctx, agent)
	if err != nil {
		return Response{}, err
	}
	msgs := buildMessages(prior, o.context, input)
	est := s.estimate(msgs, agent.SystemPrompt)
	d := s.budget.Check(est, modelID)
	if !d.Allowed {
		if !d.NeedsCompaction {
			return Response{}, budget.TokenLimitError(d, est)
		}
		s.logger.Warn(ctx, "token budget exceeded, compacting", "agent", name, "reason", d.Reason)
		keep := s.budget.SuggestCompaction(compactionReduction).KeepRecentMessages
		if prior, err = s.compact(ctx, prior, keep); err != nil {
			return Response{}, err
		}
		compacted = true
		msgs = buildMessages(prior, o.context, input)
		est = s.estimate(msgs, agent.SystemPrompt)
		if d = s.budget.Check(est, modelID); !d.Allowed {
			return Response{}, budget.TokenLimitError(d, est)
		}
	}
	if d.Warning {
		s.logger.Warn(ctx, "token budget warning", "agent", name, "reason", d.Reason)
	}

	req := &model.Request{
		Model:     modelID,
		System:    agent.SystemPrompt,
		Messages:  msgs,
		MaxTokens: s.budget.Budget().MaxOutputTokens,
	}
	out, err := ratelimit.Do(ctx, s.limiter, func(ctx context.Context) (*model.Response, error) {
		return s.model.Complete(ctx, req)
	})
	if err != nil {
		return Response{}, fmt.Errorf("interact with %q: %w", name, err)
	}
	if out.Model != "" {
		modelID = out.Model
	}
	s.budget.RecordUsage(out.Usage.InputTokens, out.Usage.OutputTokens)
	s.costs.RecordInteraction(ctx, modelID, out.Usage.InputTokens, out.Usage.OutputTokens, 0)

	if s.cache != nil {
		entry := cache.Entry{
			Signature: sig,
			Response:  out.Content,
			CreatedAt: s.now(),
			Metadata:  map[string]any{"agent": name, "situation": o.situation, "model": modelID},
		}
		if err := s.cache.Put(ctx, entry); err != nil {
			s.logger.Warn(ctx, "response cache store failed", "agent", name, "err", err)
		}
	}

	resp := Response{
		Agent:     name,
		Content:   out.Content,
		Model:     modelID,
		Usage:     out.Usage,
		Signature: sig,
		Situation: o.situation,
	}
	if compacted {
		s.remember(agent, prior, input, resp.Content)
	} else {
		s.remember(agent, nil, input, resp.Content)
	}
	s.complete(ctx, input, resp, world)
	s.logger.Debug(ctx, "generated response", "agent", name, "model", modelID,
		"input_tokens", out.Usage.InputTokens, "output_tokens", out.Usage.OutputTokens)
	return resp, nil
}

func (s *Simulation) checkCostLimit() error {
	if s.maxCost <= 0 {
		return nil
	}
	if total := s.costs.TotalCost(); total >= s.maxCost {
		return &budget.CostLimitError{Limit: s.maxCost, Current: total, Unit: budget.UnitUSD, Reason: "session spend limit reached"}
	}
	return nil
}

func (s *Simulation) estimate(msgs []model.Message, system string) int {
	return s.budget.EstimateMessagesTokens(msgs) + s.budget.EstimateTokens(system)
}

// priorConversation returns the remembered conversation of agent, summarized
// first when it outgrew a MemorySummary policy. compacted reports whether a
// summary replaced part of it.
func (s *Simulation) priorConversation(ctx context.Context, agent AgentConfig) (msgs []model.Message, compacted bool, err error) {
	if agent.Memory == MemoryNone {
		return nil, false, nil
	}
	prior := s.Conversation(agent.Name)
	if agent.Memory != MemorySummary || len(prior) <= agent.MaxTurns {
		return prior, false, nil
	}
	prior, err = s.compact(ctx, prior, agent.MaxTurns)
	if err != nil {
		return nil, false, err
	}
	return prior, true, nil
}

// compact summarizes all but the keep most recent messages through the
// compaction model. The summary call counts against the token budget and
// the tracked spend.
func (s *Simulation) compact(ctx context.Context, msgs []model.Message, keep int) ([]model.Message, error) {
	return budget.Compact(ctx, msgs, keep, func(ctx context.Context, text string) (string, error) {
		out, err := ratelimit.Do(ctx, s.limiter, func(ctx context.Context) (*model.Response, error) {
			return model.Summarize(ctx, s.model, s.compactionModel, text, summaryLength)
		})
		if err != nil {
			return "", err
		}
		modelID := out.Model
		if modelID == "" {
			modelID = s.compactionModel
		}
		s.budget.RecordUsage(out.Usage.InputTokens, out.Usage.OutputTokens)
		s.costs.RecordInteraction(ctx, modelID, out.Usage.InputTokens, out.Usage.OutputTokens, 0)
		return out.Content, nil
	})
}

// remember appends an exchange to the conversation of agent. A non-nil base
// replaces the conversation first.
func (s *Simulation) remember(agent AgentConfig, base []model.Message, input, response string) {
	if agent.Memory == MemoryNone {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.Name]; !ok {
		return
	}
	conv := s.memory[agent.Name]
	if base != nil {
		conv = append([]model.Message(nil), base...)
	}
	s.memory[agent.Name] = append(conv, model.UserMessage(input), model.AssistantMessage(response))
}

// complete records the interaction, applies state-update rules, advances the
// turn counter and announces the reply.
func (s *Simulation) complete(ctx context.Context, input string, resp Response, world map[string]any) {
	s.mu.Lock()
	if s.recording {
		s.history = append(s.history, Record{
			ID:         uuid.NewString(),
			Agent:      resp.Agent,
			Input:      input,
			Response:   resp.Content,
			Situation:  resp.Situation,
			FromCache:  resp.FromCache,
			Model:      resp.Model,
			Usage:      resp.Usage,
			WorldState: world,
			Timestamp:  s.now(),
		})
	}
	auto := s.autoUpdates
	s.mu.Unlock()

	if auto {
		s.applyStateUpdates(ctx, resp.Agent, input, resp.Content)
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()

	s.bus.Emit(ctx, hooks.AgentSpoke, map[string]any{
		"agent":     resp.Agent,
		"situation": resp.Situation,
		"fromCache": resp.FromCache,
	}, resp.Agent)
}

func (s *Simulation) applyStateUpdates(ctx context.Context, agent, input, response string) {
	if !s.updater.HasRules(agent) {
		return
	}
	current := s.WorldState()
	updates := s.updater.Process(ctx, agent, input, response, current)
	if len(updates) == 0 {
		return
	}
	next, err := state.Apply(updates, current)
	if err != nil {
		s.logger.Warn(ctx, "state update partially applied", "agent", agent, "err", err)
	}
	s.mu.Lock()
	s.world = next
	s.mu.Unlock()

	keys := state.Keys(updates)
	s.logger.Debug(ctx, "applied state updates", "agent", agent, "keys", strings.Join(keys, ","))
	s.bus.Emit(ctx, hooks.StateChanged, map[string]any{"agent": agent, "keys": keys}, agent)
}

// buildMessages renders the conversation of one call: the remembered
// exchanges, the optional context and the input.
func buildMessages(prior []model.Message, ctxVals map[string]any, input string) []model.Message {
	msgs := make([]model.Message, 0, len(prior)+3)
	msgs = append(msgs, prior...)
	if len(ctxVals) > 0 {
		lines := make([]string, 0, len(ctxVals))
		for _, k := range state.Keys(ctxVals) {
			lines = append(lines, fmt.Sprintf("%s: %v", k, ctxVals[k]))
		}
		msgs = append(msgs,
			model.UserMessage("[Context: "+strings.Join(lines, "\n")+"]"),
			model.AssistantMessage(contextAck),
		)
	}
	return append(msgs, model.UserMessage(input))
}

func (r Record) clone() Record {
	r.WorldState = state.Clone(r.WorldState)
	return r
}
