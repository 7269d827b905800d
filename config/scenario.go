package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/pipeline"
	"goa.design/parley/runtime/interaction/simulation"
)

// Scenario describes the cast and starting point of a simulation.
type Scenario struct {
	Name string `yaml:"name"`
	// Agents are registered in order.
	Agents []simulation.AgentConfig `yaml:"agents"`
	// Player names the player-controlled agent, if any.
	Player     string         `yaml:"player"`
	WorldState map[string]any `yaml:"worldState"`
	// Mode selects the turn mode. Orchestrator names the deciding agent in
	// orchestrator mode.
	Mode         engine.TurnMode `yaml:"mode"`
	Orchestrator string          `yaml:"orchestrator"`
	// Pipeline overrides pipeline.DefaultConfig.
	Pipeline *pipeline.Config        `yaml:"pipeline"`
	Events   []engine.ScheduledEvent `yaml:"events"`
}

// LoadScenario reads and validates the scenario file at path.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("loading scenario: %w", err)
	}
	return &sc, nil
}

// Validate reports scenario errors.
func (sc *Scenario) Validate() error {
	if len(sc.Agents) == 0 {
		return errors.New("at least one agent is required")
	}
	seen := make(map[string]bool, len(sc.Agents))
	for i, a := range sc.Agents {
		if a.Name == "" {
			return fmt.Errorf("agent %d name is required", i)
		}
		if seen[a.Name] {
			return fmt.Errorf("duplicate agent name: %s", a.Name)
		}
		seen[a.Name] = true
	}
	if sc.Player != "" && !seen[sc.Player] {
		return fmt.Errorf("player %q is not an agent", sc.Player)
	}
	switch sc.Mode {
	case "", engine.ModeInitiative:
	case engine.ModeOrchestrator:
		if !seen[sc.Orchestrator] {
			return fmt.Errorf("orchestrator %q is not an agent", sc.Orchestrator)
		}
	default:
		return fmt.Errorf("unknown turn mode %q", sc.Mode)
	}
	if sc.Pipeline != nil {
		if err := sc.Pipeline.Validate(); err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
	}
	for i, ev := range sc.Events {
		if ev.Name == "" {
			return fmt.Errorf("event %d name is required", i)
		}
	}
	return nil
}

// PipelineConfig returns the scenario pipeline, or the default pipeline for
// the scenario turn mode.
func (sc *Scenario) PipelineConfig() pipeline.Config {
	if sc.Pipeline != nil {
		return *sc.Pipeline
	}
	if sc.Mode == engine.ModeOrchestrator {
		return pipeline.OrchestratorConfig(sc.Orchestrator)
	}
	return pipeline.DefaultConfig()
}

// Apply registers the scenario agents, world state, turn mode and scheduled
// events on sim.
func (sc *Scenario) Apply(sim *simulation.Simulation) error {
	for _, a := range sc.Agents {
		if err := sim.RegisterAgent(a); err != nil {
			return fmt.Errorf("register agent %q: %w", a.Name, err)
		}
	}
	if sc.Player != "" {
		if err := sim.SetPlayerAgent(sc.Player); err != nil {
			return err
		}
	}
	if sc.WorldState != nil {
		sim.SetWorldState(sc.WorldState)
	}
	eng := sim.Engine()
	if sc.Mode == engine.ModeOrchestrator {
		eng.SetOrchestratorMode(sc.Orchestrator)
	}
	for _, ev := range sc.Events {
		if err := eng.ScheduleEvent(ev); err != nil {
			return fmt.Errorf("schedule event %q: %w", ev.Name, err)
		}
	}
	return nil
}
