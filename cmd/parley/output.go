package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"goa.design/parley/runtime/interaction/engine"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/pipeline"
	"goa.design/parley/runtime/interaction/simulation"
)

const (
	formatText = "text"
	formatJSON = "json"
)

// printer renders command results as text or indented JSON.
type printer struct {
	w      io.Writer
	format string
}

func (p printer) json(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p printer) turns(results []engine.TurnResult) error {
	if p.format == formatJSON {
		return p.json(results)
	}
	for _, r := range results {
		fmt.Fprintf(p.w, "== Turn %d ==\n", r.TurnNumber)
		if r.Decision != nil && r.Decision.Reasoning != "" {
			fmt.Fprintf(p.w, "orchestrator: %s\n", r.Decision.Reasoning)
		}
		for _, ev := range r.Events {
			fmt.Fprintf(p.w, "event: %s\n", ev.Name)
		}
		for _, a := range r.CPUActions {
			fmt.Fprintf(p.w, "%s: %s\n", a.AgentName, a.Content)
		}
		if r.PlayerPending {
			fmt.Fprintf(p.w, "player: %s\n", r.PlayerPrompt)
		}
	}
	return nil
}

func (p printer) execution(res pipeline.ExecutionResult) error {
	if p.format == formatJSON {
		return p.json(res)
	}
	mode := "run"
	if res.DryRun {
		mode = "dry run"
	}
	fmt.Fprintf(p.w, "pipeline %s, turn %d, success=%t, %s\n", mode, res.TurnNumber, res.Success, res.TotalDuration)
	for _, s := range res.Steps {
		line := fmt.Sprintf("  %-24s %-10s %s", s.Step, s.Status, s.Duration)
		if s.Err != nil {
			line += " error: " + s.Err.Error()
		}
		fmt.Fprintln(p.w, line)
	}
	return nil
}

func (p printer) response(r simulation.Response) error {
	if p.format == formatJSON {
		return p.json(r)
	}
	src := r.Model
	if r.FromCache {
		src = "cache"
	}
	fmt.Fprintf(p.w, "%s (%s): %s\n", r.Agent, src, r.Content)
	return nil
}

func (p printer) stats(st simulation.Stats) error {
	if p.format == formatJSON {
		return p.json(st)
	}
	fmt.Fprintf(p.w, "simulation:   %s\n", st.Name)
	fmt.Fprintf(p.w, "agents:       %s\n", strings.Join(st.Agents, ", "))
	fmt.Fprintf(p.w, "turns:        %d\n", st.TurnCount)
	fmt.Fprintf(p.w, "history:      %d\n", st.HistoryLength)
	fmt.Fprintf(p.w, "checkpoints:  %d\n", st.CheckpointCount)
	fmt.Fprintf(p.w, "interactions: %d\n", st.Costs.TotalInteractions)
	fmt.Fprintf(p.w, "cost:         $%.4f\n", st.Costs.TotalCost)
	if st.CostLimit != nil {
		fmt.Fprintf(p.w, "remaining:    $%.4f of $%.4f\n", st.CostLimit.Remaining, st.CostLimit.Limit)
	}
	fmt.Fprintf(p.w, "tokens:       %d\n", st.TokenBudget.TotalTokens)
	if st.Cache != nil {
		fmt.Fprintf(p.w, "cache:        %d entries, %d hits, %d misses\n", st.Cache.Entries, st.Cache.Hits, st.Cache.Misses)
	}
	return nil
}

func (p printer) names(names []string) error {
	if p.format == formatJSON {
		if names == nil {
			names = []string{}
		}
		return p.json(names)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintln(p.w, n)
	}
	return nil
}

func (p printer) message(format string, args ...any) error {
	if p.format == formatJSON {
		return p.json(map[string]string{"message": fmt.Sprintf(format, args...)})
	}
	_, err := fmt.Fprintf(p.w, format+"\n", args...)
	return err
}

func (p printer) event(e hooks.Event) error {
	if p.format == formatJSON {
		return json.NewEncoder(p.w).Encode(e)
	}
	fmt.Fprintf(p.w, "%s %-18s %-12s %v\n", e.Timestamp.Format(time.TimeOnly), e.Name, e.Source, e.Data)
	return nil
}
