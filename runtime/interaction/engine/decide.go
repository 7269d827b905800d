package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"goa.design/parley/runtime/interaction/hooks"
)

var (
	fencedJSON = regexp.MustCompile("```(?:json)?\\s*(\\{[\\s\\S]*?\\})\\s*```")
	rawJSON    = regexp.MustCompile(`\{[\s\S]*\}`)
)

// AvailableAgents returns the CPU agents the orchestrator may wake: every
// CPU agent except the orchestrator itself.
func (e *Engine) AvailableAgents() []Agent {
	orch := e.Orchestrator()
	var out []Agent
	for _, a := range e.roster.CPUAgents() {
		if a.Name != orch {
			out = append(out, a)
		}
	}
	return out
}

// Decide asks the orchestrator which agents act this turn given the events
// fired so far. It returns false when the engine is in initiative mode or
// the orchestrator is not registered, in which case the turn falls back to
// initiative rolls. A failed orchestrator call yields an empty decision.
func (e *Engine) Decide(ctx context.Context, events []hooks.Event) (Decision, bool) {
	if e.Mode() != ModeOrchestrator {
		return Decision{}, false
	}
	orch := e.Orchestrator()
	if _, ok := e.roster.Agent(orch); !ok {
		e.logger.Warn(ctx, "orchestrator not found, falling back to initiative", "orchestrator", orch)
		return Decision{}, false
	}
	available := e.AvailableAgents()
	if len(available) == 0 {
		e.logger.Info(ctx, "no CPU agents available to wake")
		return Decision{Instructions: map[string]string{}}, true
	}

	prompt := e.DecisionPrompt(events, available)
	reply, err := e.interactor.Interact(ctx, orch, prompt, SituationDecision)
	var d Decision
	if err != nil {
		e.logger.Error(ctx, "orchestrator failed", "orchestrator", orch, "err", err)
		d = Decision{Instructions: map[string]string{}, Reasoning: "error: " + err.Error()}
	} else {
		d = ParseDecision(reply, available)
	}

	e.mu.Lock()
	e.lastDecision = &d
	e.mu.Unlock()
	e.logger.Info(ctx, "orchestrator decided", "wake", d.AgentsToWake, "reasoning", truncate(d.Reasoning, 100))
	return d, true
}

// DecisionPrompt builds the prompt sent to the orchestrator.
func (e *Engine) DecisionPrompt(events []hooks.Event, available []Agent) string {
	eventLines := make([]string, 0, len(events))
	for _, ev := range events {
		eventLines = append(eventLines, fmt.Sprintf("- %s: %v", ev.Name, ev.Data))
	}
	eventsStr := "(no events)"
	if len(eventLines) > 0 {
		eventsStr = strings.Join(eventLines, "\n")
	}
	agentLines := make([]string, 0, len(available))
	for _, a := range available {
		agentLines = append(agentLines, fmt.Sprintf("- %s: %s", a.Name, a.Role))
	}

	return fmt.Sprintf(`TURN %d - ORCHESTRATOR DECISION

EVENTS THIS TURN:
%s

CURRENT WORLD STATE:
%s

AVAILABLE AGENTS:
%s

Based on the events, world state, and your game rules, decide which agents (if any) should act this turn.

Respond in this exact JSON format:
{
    "agentsToWake": ["agent1", "agent2"],
    "instructions": {
        "agent1": "specific instruction for agent1",
        "agent2": "specific instruction for agent2"
    },
    "reasoning": "brief explanation of why these agents should act",
    "skipPlayerTurn": false
}

Rules:
- Only wake agents that have something relevant to do based on events/state
- You can wake 0 agents if nothing requires attention
- Instructions are optional but help agents respond appropriately
- Set skipPlayerTurn to true only if the player shouldn't act this turn
`, e.CurrentTurn(), eventsStr, FormatWorldState(e.roster.WorldState()), strings.Join(agentLines, "\n"))
}

// ParseDecision extracts a decision from an orchestrator reply. It reads a
// fenced json block, then the outermost braces, and finally falls back to
// waking every available agent whose name appears in the reply. Names are
// always restricted to available.
func ParseDecision(reply string, available []Agent) Decision {
	valid := make(map[string]bool, len(available))
	for _, a := range available {
		valid[a.Name] = true
	}

	var doc string
	if m := fencedJSON.FindStringSubmatch(reply); m != nil {
		doc = m[1]
	} else if m := rawJSON.FindString(reply); m != "" {
		doc = m
	}
	if doc != "" {
		var raw Decision
		if err := json.Unmarshal([]byte(doc), &raw); err == nil {
			d := Decision{
				Instructions:   map[string]string{},
				Reasoning:      raw.Reasoning,
				SkipPlayerTurn: raw.SkipPlayerTurn,
			}
			for _, n := range raw.AgentsToWake {
				if valid[n] {
					d.AgentsToWake = append(d.AgentsToWake, n)
				}
			}
			for n, instr := range raw.Instructions {
				if valid[n] {
					d.Instructions[n] = instr
				}
			}
			return d
		}
	}

	lower := strings.ToLower(reply)
	d := Decision{Instructions: map[string]string{}, Reasoning: "fallback parse: " + truncate(reply, 200)}
	for _, a := range available {
		if strings.Contains(lower, strings.ToLower(a.Name)) {
			d.AgentsToWake = append(d.AgentsToWake, a.Name)
		}
	}
	return d
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
