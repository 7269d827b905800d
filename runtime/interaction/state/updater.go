package state

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"goa.design/parley/runtime/interaction/telemetry"
)

// Update operations.
const (
	OpSet       Op = "set"
	OpIncrement Op = "increment"
	OpAppend    Op = "append"
	OpMerge     Op = "merge"
	OpDelete    Op = "delete"
)

// Rule triggers.
const (
	TriggerAlways    Trigger = "always"
	TriggerPattern   Trigger = "pattern"
	TriggerKeyword   Trigger = "keyword"
	TriggerCondition Trigger = "condition"
)

type (
	// Op is how an update combines with the current value.
	Op string

	// Trigger selects when a rule fires.
	Trigger string

	// ResolveFunc computes an update value from the interaction.
	ResolveFunc func(input, response string, state map[string]any) (any, error)

	// ConditionFunc decides whether a condition rule fires.
	ConditionFunc func(input, response string, state map[string]any) bool

	// Callback returns updates for an interaction of agent. Entries with an
	// empty Op are applied as OpSet.
	Callback func(agent, input, response string, state map[string]any) (map[string]Update, error)

	// Update changes one world-state key. Resolve, when set, replaces Value
	// at evaluation time.
	Update struct {
		Key     string
		Op      Op
		Value   any
		Resolve ResolveFunc
	}

	// Rule applies Updates after an interaction of Agent when its trigger
	// fires.
	Rule struct {
		Agent       string
		Trigger     Trigger
		Pattern     *regexp.Regexp
		Keywords    []string
		Condition   ConditionFunc
		Updates     []Update
		Description string
	}

	// Updater evaluates rules and callbacks. It is safe for concurrent use.
	Updater struct {
		logger telemetry.Logger

		mu        sync.RWMutex
		rules     map[string][]Rule
		callbacks map[string]Callback
	}
)

// NewUpdater returns an Updater logging resolver and callback failures to
// logger.
func NewUpdater(logger telemetry.Logger) *Updater {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Updater{
		logger:    logger,
		rules:     make(map[string][]Rule),
		callbacks: make(map[string]Callback),
	}
}

// AddRule registers r.
func (u *Updater) AddRule(r Rule) error {
	if r.Agent == "" {
		return errors.New("rule agent is required")
	}
	switch r.Trigger {
	case TriggerAlways:
	case TriggerPattern:
		if r.Pattern == nil {
			return errors.New("pattern rule requires a pattern")
		}
	case TriggerKeyword:
		if len(r.Keywords) == 0 {
			return errors.New("keyword rule requires keywords")
		}
	case TriggerCondition:
		if r.Condition == nil {
			return errors.New("condition rule requires a condition")
		}
	default:
		return fmt.Errorf("unknown trigger %q", r.Trigger)
	}
	for i, up := range r.Updates {
		if up.Key == "" {
			return fmt.Errorf("update %d: key is required", i)
		}
		if !up.Op.valid() {
			return fmt.Errorf("update %d: unknown operation %q", i, up.Op)
		}
	}
	u.mu.Lock()
	u.rules[r.Agent] = append(u.rules[r.Agent], r)
	u.mu.Unlock()
	return nil
}

// AddAlways applies op on key after every interaction of agent.
func (u *Updater) AddAlways(agent, key string, value any, op Op) error {
	return u.AddRule(Rule{
		Agent:       agent,
		Trigger:     TriggerAlways,
		Updates:     []Update{{Key: key, Op: op, Value: value}},
		Description: fmt.Sprintf("always %s %s", op, key),
	})
}

// AddPattern applies op on key when the response matches pattern, ignoring
// case.
func (u *Updater) AddPattern(agent, pattern, key string, value any, op Op) error {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("compile pattern: %w", err)
	}
	return u.AddRule(Rule{
		Agent:       agent,
		Trigger:     TriggerPattern,
		Pattern:     re,
		Updates:     []Update{{Key: key, Op: op, Value: value}},
		Description: fmt.Sprintf("on pattern %q: %s %s", pattern, op, key),
	})
}

// AddKeyword applies op on key when the response contains any keyword,
// ignoring case.
func (u *Updater) AddKeyword(agent string, keywords []string, key string, value any, op Op) error {
	return u.AddRule(Rule{
		Agent:       agent,
		Trigger:     TriggerKeyword,
		Keywords:    keywords,
		Updates:     []Update{{Key: key, Op: op, Value: value}},
		Description: fmt.Sprintf("on keywords %v: %s %s", keywords, op, key),
	})
}

// AddCondition applies op on key when cond holds.
func (u *Updater) AddCondition(agent string, cond ConditionFunc, key string, value any, op Op) error {
	return u.AddRule(Rule{
		Agent:       agent,
		Trigger:     TriggerCondition,
		Condition:   cond,
		Updates:     []Update{{Key: key, Op: op, Value: value}},
		Description: fmt.Sprintf("conditional %s %s", op, key),
	})
}

// AddInteractionCounter increments key after every interaction of agent.
func (u *Updater) AddInteractionCounter(agent, key string) error {
	if key == "" {
		key = "interactions"
	}
	return u.AddAlways(agent, key, 1, OpIncrement)
}

// SetCallback registers the dynamic update callback of agent, replacing any
// previous one.
func (u *Updater) SetCallback(agent string, cb Callback) {
	u.mu.Lock()
	u.callbacks[agent] = cb
	u.mu.Unlock()
}

// HasRules reports whether agent has rules or a callback.
func (u *Updater) HasRules(agent string) bool {
	u.mu.RLock()
	defer u.mu.RUnlock()
	_, cb := u.callbacks[agent]
	return len(u.rules[agent]) > 0 || cb
}

// Rules returns a copy of the rules of agent.
func (u *Updater) Rules(agent string) []Rule {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return append([]Rule(nil), u.rules[agent]...)
}

// ClearRules removes the rules and callback of agent, or of every agent when
// agent is empty.
func (u *Updater) ClearRules(agent string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if agent == "" {
		u.rules = make(map[string][]Rule)
		u.callbacks = make(map[string]Callback)
		return
	}
	delete(u.rules, agent)
	delete(u.callbacks, agent)
}

// Process evaluates the rules and callback of agent and returns the resolved
// updates keyed by state key. Later rules override earlier ones for the same
// key; the callback overrides rules.
func (u *Updater) Process(ctx context.Context, agent, input, response string, current map[string]any) map[string]Update {
	u.mu.RLock()
	rules := u.rules[agent]
	cb := u.callbacks[agent]
	u.mu.RUnlock()

	out := make(map[string]Update)
	for _, r := range rules {
		if !u.fires(ctx, r, input, response, current) {
			continue
		}
		for _, up := range r.Updates {
			val := up.Value
			if up.Resolve != nil {
				v, err := up.Resolve(input, response, current)
				if err != nil {
					u.logger.Warn(ctx, "state value resolver failed", "agent", agent, "key", up.Key, "err", err)
				}
				val = v
			}
			out[up.Key] = Update{Key: up.Key, Op: up.Op, Value: val}
		}
		u.logger.Debug(ctx, "state rule fired", "agent", agent, "rule", r.Description)
	}
	if cb != nil {
		ups, err := cb(agent, input, response, current)
		if err != nil {
			u.logger.Warn(ctx, "state update callback failed", "agent", agent, "err", err)
		}
		for k, up := range ups {
			up.Key = k
			if up.Op == "" {
				up.Op = OpSet
			}
			out[k] = up
		}
	}
	return out
}

func (u *Updater) fires(ctx context.Context, r Rule, input, response string, current map[string]any) bool {
	switch r.Trigger {
	case TriggerAlways:
		return true
	case TriggerPattern:
		return r.Pattern.MatchString(response)
	case TriggerKeyword:
		lower := strings.ToLower(response)
		for _, kw := range r.Keywords {
			if strings.Contains(lower, strings.ToLower(kw)) {
				return true
			}
		}
		return false
	case TriggerCondition:
		return safeCondition(ctx, u.logger, r.Condition, input, response, current)
	default:
		return false
	}
}

func safeCondition(ctx context.Context, logger telemetry.Logger, cond ConditionFunc, input, response string, current map[string]any) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn(ctx, "state condition panicked", "panic", fmt.Sprint(r))
			ok = false
		}
	}()
	return cond(input, response, current)
}

// Apply returns a copy of current with updates applied. Updates that cannot
// be applied, such as incrementing a non-numeric value, are skipped and
// reported in the returned error; the others still take effect.
func Apply(updates map[string]Update, current map[string]any) (map[string]any, error) {
	next := Clone(current)
	if next == nil {
		next = make(map[string]any, len(updates))
	}
	var errs []error
	for _, k := range Keys(updates) {
		up := updates[k]
		switch up.Op {
		case OpSet, "":
			next[k] = up.Value
		case OpIncrement:
			sum, err := add(next[k], up.Value)
			if err != nil {
				errs = append(errs, fmt.Errorf("increment %q: %w", k, err))
				continue
			}
			next[k] = sum
		case OpAppend:
			switch cur := next[k].(type) {
			case nil:
				next[k] = []any{up.Value}
			case []any:
				next[k] = append(append([]any(nil), cur...), up.Value)
			default:
				next[k] = []any{cur, up.Value}
			}
		case OpMerge:
			cur, ok1 := next[k].(map[string]any)
			val, ok2 := up.Value.(map[string]any)
			if _, exists := next[k]; !exists {
				cur, ok1 = map[string]any{}, true
			}
			if ok1 && ok2 {
				merged := Clone(cur)
				for mk, mv := range val {
					merged[mk] = mv
				}
				next[k] = merged
			} else {
				next[k] = up.Value
			}
		case OpDelete:
			delete(next, k)
		default:
			errs = append(errs, fmt.Errorf("update %q: unknown operation %q", k, up.Op))
		}
	}
	return next, errors.Join(errs...)
}

func (o Op) valid() bool {
	switch o {
	case OpSet, OpIncrement, OpAppend, OpMerge, OpDelete:
		return true
	}
	return false
}

// add sums two numbers, keeping integers integral. A missing current value
// counts as zero.
func add(cur, delta any) (any, error) {
	if cur == nil {
		cur = 0
	}
	ci, cInt := asInt(cur)
	di, dInt := asInt(delta)
	if cInt && dInt {
		return ci + di, nil
	}
	cf, ok := asFloat(cur)
	if !ok {
		return nil, fmt.Errorf("current value %v is not a number", cur)
	}
	df, ok := asFloat(delta)
	if !ok {
		return nil, fmt.Errorf("delta %v is not a number", delta)
	}
	return cf + df, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
