// Package budget tracks token consumption against configured limits and
// decides, before each model call, whether the call may proceed, must be
// compacted first, or must be refused.
package budget

import (
	"fmt"
	"sync"

	"goa.design/parley/runtime/interaction/model"
)

const (
	// CharsPerToken is the character-length heuristic used by estimates.
	CharsPerToken = 4
	// DefaultContextLimit is the context window assumed for unknown models.
	DefaultContextLimit = 200_000
	// messageOverhead approximates role and framing tokens per message.
	messageOverhead = 4
)

// Limits a Decision can refuse a request on.
const (
	// LimitRequest is the per-request input cap, MaxInputTokens.
	LimitRequest Limit = "request"
	// LimitContext is the model context window less ReserveTokens.
	LimitContext Limit = "context"
	// LimitSession is the session total, MaxTotalTokens.
	LimitSession Limit = "session"
)

type (
	// Limit names the budget rule that refused a request.
	Limit string

	// Budget configures token ceilings. It is immutable once interactions
	// begin unless replaced with SetBudget.
	Budget struct {
		// MaxInputTokens caps the estimated input of a single request.
		MaxInputTokens int `yaml:"maxInputTokens" json:"maxInputTokens"`
		// MaxOutputTokens caps the completion of a single request.
		MaxOutputTokens int `yaml:"maxOutputTokens" json:"maxOutputTokens"`
		// MaxTotalTokens caps input plus output over the session.
		MaxTotalTokens int `yaml:"maxTotalTokens" json:"maxTotalTokens"`
		// WarningThreshold is the session usage ratio (0-1) that flags a
		// warning.
		WarningThreshold float64 `yaml:"warningThreshold" json:"warningThreshold"`
		// ReserveTokens is kept free in the context window for the system
		// prompt and the response.
		ReserveTokens int `yaml:"reserveTokens" json:"reserveTokens"`
	}

	// Usage is a snapshot of session consumption.
	Usage struct {
		InputTokens       int     `json:"inputTokens"`
		OutputTokens      int     `json:"outputTokens"`
		TotalTokens       int     `json:"totalTokens"`
		Interactions      int     `json:"interactions"`
		BudgetRemaining   int     `json:"budgetRemaining"`
		BudgetUsedPercent float64 `json:"budgetUsedPercent"`
	}

	// Decision is the outcome of Check.
	Decision struct {
		// Allowed reports whether the call may proceed as is.
		Allowed bool
		// NeedsCompaction reports that the request is too large on its own
		// and compacting the conversation may make it fit.
		NeedsCompaction bool
		// Warning reports that the session is close to its total budget.
		Warning bool
		// Reason explains a refusal or warning.
		Reason string
		// Limit names the rule that refused the request.
		Limit Limit
		// Ceiling is the token ceiling of Limit.
		Ceiling int
		// Consumed is the consumption counted against Ceiling before the
		// request: zero for per-request rules, session usage otherwise.
		Consumed int
		// Usage is the usage snapshot the decision was based on.
		Usage Usage
	}

	// Suggestion describes how aggressively to compact.
	Suggestion struct {
		CurrentInputTokens int
		TargetInputTokens  int
		ReductionNeeded    int
		KeepRecentMessages int
	}

	// Options configures a Manager.
	Options struct {
		// Budget overrides DefaultBudget when non-zero.
		Budget Budget
		// ContextLimits maps model identifiers to context window sizes.
		ContextLimits map[string]int
	}

	// Manager tracks usage for one session. It is safe for concurrent use.
	Manager struct {
		mu            sync.Mutex
		budget        Budget
		contextLimits map[string]int
		input         int
		output        int
		interactions  int
	}
)

// DefaultBudget returns the default token ceilings.
func DefaultBudget() Budget {
	return Budget{
		MaxInputTokens:   100_000,
		MaxOutputTokens:  4_096,
		MaxTotalTokens:   500_000,
		WarningThreshold: 0.8,
		ReserveTokens:    10_000,
	}
}

// New returns a Manager.
func New(opts Options) *Manager {
	b := opts.Budget
	if b == (Budget{}) {
		b = DefaultBudget()
	}
	limits := make(map[string]int, len(opts.ContextLimits))
	for k, v := range opts.ContextLimits {
		limits[k] = v
	}
	return &Manager{budget: b, contextLimits: limits}
}

// EstimateTokens estimates the tokens of text using CharsPerToken.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// EstimateTokens estimates the tokens of text.
func (m *Manager) EstimateTokens(text string) int {
	return EstimateTokens(text)
}

// EstimateMessagesTokens estimates the tokens of a conversation: the content
// of every message plus a small per-message overhead.
func (m *Manager) EstimateMessagesTokens(msgs []model.Message) int {
	total := 0
	for _, msg := range msgs {
		total += EstimateTokens(msg.Content) + messageOverhead
	}
	return total
}

// Check applies the budget policy to a prospective request of estimated
// input tokens sent to modelID. The rules are evaluated in order: per-request
// cap, context window minus reserve, session total, then warning threshold.
func (m *Manager) Check(estimated int, modelID string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := Decision{Allowed: true, Usage: m.usageLocked()}
	if estimated > m.budget.MaxInputTokens {
		d.Allowed = false
		d.NeedsCompaction = true
		d.Reason = fmt.Sprintf("input tokens (%d) exceed max (%d)", estimated, m.budget.MaxInputTokens)
		d.Limit, d.Ceiling = LimitRequest, m.budget.MaxInputTokens
		return d
	}
	limit := m.contextLimitLocked(modelID)
	if estimated > limit-m.budget.ReserveTokens {
		d.Allowed = false
		d.NeedsCompaction = true
		d.Reason = fmt.Sprintf("would exceed context limit (%d)", limit)
		d.Limit, d.Ceiling = LimitContext, limit-m.budget.ReserveTokens
		return d
	}
	projected := m.input + m.output + estimated
	if projected > m.budget.MaxTotalTokens {
		d.Allowed = false
		d.Reason = fmt.Sprintf("would exceed session budget (%d)", m.budget.MaxTotalTokens)
		d.Limit, d.Ceiling, d.Consumed = LimitSession, m.budget.MaxTotalTokens, m.input+m.output
		return d
	}
	if m.budget.MaxTotalTokens > 0 {
		ratio := float64(projected) / float64(m.budget.MaxTotalTokens)
		if ratio >= m.budget.WarningThreshold {
			d.Warning = true
			d.Reason = fmt.Sprintf("approaching budget limit (%.0f%% used)", ratio*100)
		}
	}
	return d
}

// RecordUsage adds the token counts of one completed call.
func (m *Manager) RecordUsage(input, output int) {
	m.mu.Lock()
	m.input += input
	m.output += output
	m.interactions++
	m.mu.Unlock()
}

// Usage returns the current usage snapshot.
func (m *Manager) Usage() Usage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usageLocked()
}

// Remaining returns the tokens left in the session budget, never negative.
func (m *Manager) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return max(0, m.budget.MaxTotalTokens-m.input-m.output)
}

// Reset zeroes usage.
func (m *Manager) Reset() {
	m.mu.Lock()
	m.input, m.output, m.interactions = 0, 0, 0
	m.mu.Unlock()
}

// Budget returns the active budget.
func (m *Manager) Budget() Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.budget
}

// SetBudget replaces the active budget.
func (m *Manager) SetBudget(b Budget) {
	m.mu.Lock()
	m.budget = b
	m.mu.Unlock()
}

// SuggestCompaction returns compaction targets for reducing session input
// by targetReduction (0-1).
func (m *Manager) SuggestCompaction(targetReduction float64) Suggestion {
	m.mu.Lock()
	current := m.input
	m.mu.Unlock()
	target := int(float64(current) * (1 - targetReduction))
	return Suggestion{
		CurrentInputTokens: current,
		TargetInputTokens:  target,
		ReductionNeeded:    current - target,
		KeepRecentMessages: max(3, int(10*(1-targetReduction))),
	}
}

func (m *Manager) usageLocked() Usage {
	total := m.input + m.output
	u := Usage{
		InputTokens:     m.input,
		OutputTokens:    m.output,
		TotalTokens:     total,
		Interactions:    m.interactions,
		BudgetRemaining: m.budget.MaxTotalTokens - total,
	}
	if m.budget.MaxTotalTokens > 0 {
		u.BudgetUsedPercent = float64(int(float64(total)/float64(m.budget.MaxTotalTokens)*1000+0.5)) / 10
	}
	return u
}

func (m *Manager) contextLimitLocked(modelID string) int {
	if l, ok := m.contextLimits[modelID]; ok && l > 0 {
		return l
	}
	return DefaultContextLimit
}
