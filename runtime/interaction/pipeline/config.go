package pipeline

import (
	"errors"
	"fmt"

	"goa.design/parley/runtime/interaction/engine"
)

// Built-in step names.
const (
	StepTurnStart          = "turn_start"
	StepGatherEvents       = "gather_events"
	StepOrchestratorDecide = "orchestrator_decide"
	StepExecuteAgents      = "execute_agents"
	StepPlayerTurn         = "player_turn"
)

type (
	// Config lists the steps of one turn.
	Config struct {
		TurnMode     engine.TurnMode `yaml:"turnMode" json:"turnMode"`
		Orchestrator string          `yaml:"orchestrator" json:"orchestrator,omitempty"`
		Steps        []StepConfig    `yaml:"steps" json:"steps"`
	}

	// StepConfig configures one step. Disabled steps are reported as
	// skipped.
	StepConfig struct {
		Step    string         `yaml:"step" json:"step"`
		Enabled bool           `yaml:"enabled" json:"enabled"`
		Config  map[string]any `yaml:"config" json:"config,omitempty"`
	}
)

// DefaultConfig returns the standard five-step turn in initiative mode.
func DefaultConfig() Config {
	return Config{
		TurnMode: engine.ModeInitiative,
		Steps: []StepConfig{
			{Step: StepTurnStart, Enabled: true},
			{Step: StepGatherEvents, Enabled: true},
			{Step: StepOrchestratorDecide, Enabled: true},
			{Step: StepExecuteAgents, Enabled: true},
			{Step: StepPlayerTurn, Enabled: true},
		},
	}
}

// OrchestratorConfig returns the standard steps driven by orchestrator.
func OrchestratorConfig(orchestrator string) Config {
	c := DefaultConfig()
	c.TurnMode = engine.ModeOrchestrator
	c.Orchestrator = orchestrator
	return c
}

// Validate reports configuration errors.
func (c Config) Validate() error {
	switch c.TurnMode {
	case engine.ModeInitiative, "":
	case engine.ModeOrchestrator:
		if c.Orchestrator == "" {
			return errors.New("orchestrator mode requires an orchestrator agent")
		}
	default:
		return fmt.Errorf("unknown turn mode %q", c.TurnMode)
	}
	if len(c.Steps) == 0 {
		return errors.New("at least one step is required")
	}
	for i, s := range c.Steps {
		if s.Step == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
	}
	return nil
}

// UnmarshalYAML defaults Enabled to true when the key is absent.
func (s *StepConfig) UnmarshalYAML(unmarshal func(any) error) error {
	type raw StepConfig
	r := raw{Enabled: true}
	if err := unmarshal(&r); err != nil {
		return err
	}
	*s = StepConfig(r)
	return nil
}
