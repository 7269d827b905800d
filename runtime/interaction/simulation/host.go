package simulation

import (
	"context"

	"goa.design/parley/runtime/interaction/budget"
	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/cost"
	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/pipeline"
	"goa.design/parley/runtime/interaction/ratelimit"
)

type (
	// host adapts a Simulation to the engine Interactor and Roster seams.
	host struct{ s *Simulation }

	// Stats summarizes a session.
	Stats struct {
		Name            string          `json:"name"`
		Agents          []string        `json:"agents"`
		TurnCount       int             `json:"turnCount"`
		HistoryLength   int             `json:"historyLength"`
		CheckpointCount int             `json:"checkpointCount"`
		Costs           cost.Stats      `json:"costs"`
		Cache           *cache.Stats    `json:"cache,omitempty"`
		TokenBudget     budget.Usage    `json:"tokenBudget"`
		CostLimit       *CostLimit      `json:"costLimit,omitempty"`
		RateLimit       ratelimit.Stats `json:"rateLimit"`
	}

	// CostLimit reports spend against Options.MaxCost.
	CostLimit struct {
		Limit     float64 `json:"limit"`
		Current   float64 `json:"current"`
		Remaining float64 `json:"remaining"`
	}
)

func (h host) Interact(ctx context.Context, agent, input, situation string) (string, error) {
	resp, err := h.s.Interact(ctx, agent, input, WithSituation(situation))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (h host) CPUAgents() []engine.Agent {
	cpus := h.s.CPUAgents()
	out := make([]engine.Agent, len(cpus))
	for i, a := range cpus {
		out[i] = engineAgent(a)
	}
	return out
}

func (h host) Agent(name string) (engine.Agent, bool) {
	a, ok := h.s.Agent(name)
	if !ok {
		return engine.Agent{}, false
	}
	return engineAgent(a), true
}

func (h host) PlayerAgent() (engine.Agent, bool) {
	a, ok := h.s.PlayerAgent()
	if !ok {
		return engine.Agent{}, false
	}
	return engineAgent(a), true
}

func (h host) WorldState() map[string]any { return h.s.WorldState() }

func engineAgent(a AgentConfig) engine.Agent {
	return engine.Agent{Name: a.Name, Role: a.Role, ControlledBy: a.ControlledBy, Initiative: a.Initiative}
}

// Pipeline returns an executor running cfg against the simulation engine.
func (s *Simulation) Pipeline(cfg pipeline.Config) (*pipeline.Executor, error) {
	return pipeline.New(s.engine, cfg, pipeline.Options{Logger: s.logger, Now: s.now})
}

// Stats returns session statistics.
func (s *Simulation) Stats(ctx context.Context) Stats {
	st := Stats{
		Name:        s.name,
		Agents:      s.ListAgents(),
		TurnCount:   s.TurnCount(),
		Costs:       s.costs.Stats(),
		TokenBudget: s.budget.Usage(),
		RateLimit:   s.limiter.Stats(),
	}
	s.mu.RLock()
	st.HistoryLength = len(s.history)
	s.mu.RUnlock()
	if names, err := s.ListCheckpoints(ctx); err != nil {
		s.logger.Warn(ctx, "listing checkpoints failed", "err", err)
	} else {
		st.CheckpointCount = len(names)
	}
	if s.cache != nil {
		cs := s.cache.Stats()
		st.Cache = &cs
	}
	if s.maxCost > 0 {
		st.CostLimit = &CostLimit{
			Limit:     s.maxCost,
			Current:   st.Costs.TotalCost,
			Remaining: s.maxCost - st.Costs.TotalCost,
		}
	}
	return st
}

// TokenUsage returns the token budget usage.
func (s *Simulation) TokenUsage() budget.Usage { return s.budget.Usage() }

// ResetCosts zeroes the cost tracker and the token budget usage.
func (s *Simulation) ResetCosts(ctx context.Context) {
	s.costs.Reset(ctx)
	s.budget.Reset()
}
