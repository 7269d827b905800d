// Package hooks is the in-process event bus of the interaction runtime.
//
// The turn engine publishes turn_start, turn_end and scheduled events; the
// simulation publishes state and checkpoint events. Handlers run
// synchronously in the publisher's goroutine, in registration order. A
// failing or panicking handler is logged and skipped: one broken listener
// never aborts a turn.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/parley/runtime/interaction/telemetry"
)

// Standard event names.
const (
	TurnStart        = "turn_start"
	TurnEnd          = "turn_end"
	AgentSpoke       = "agent_spoke"
	AgentActed       = "agent_acted"
	PlayerAction     = "player_action"
	StateChanged     = "state_changed"
	SimulationStart  = "simulation_start"
	SimulationEnd    = "simulation_end"
	CheckpointSaved  = "checkpoint_saved"
	CheckpointLoaded = "checkpoint_loaded"
)

// Wildcard subscribes to every event. A pattern ending in "*" matches every
// event name with the preceding prefix.
const Wildcard = "*"

// DefaultHistorySize bounds the events kept by History.
const DefaultHistorySize = 100

type (
	// Event is a named occurrence with a payload.
	Event struct {
		Name      string         `json:"name"`
		Data      map[string]any `json:"data,omitempty"`
		Source    string         `json:"source"`
		Timestamp time.Time      `json:"timestamp"`
		// Seq orders the events published on a bus, starting at 1.
		Seq uint64 `json:"seq,omitempty"`
	}

	// HandlerFunc reacts to an event. Returned errors are logged.
	HandlerFunc func(ctx context.Context, e Event) error

	// Subscription is an active registration. Close is idempotent.
	Subscription interface {
		Close() error
	}

	// Stats summarizes bus registrations.
	Stats struct {
		TotalHandlers    int `json:"totalHandlers"`
		EventTypes       int `json:"eventTypes"`
		SubscribedAgents int `json:"subscribedAgents"`
		HistorySize      int `json:"historySize"`
	}

	// Options configures a Bus.
	Options struct {
		Logger telemetry.Logger
		// HistorySize bounds History. Zero selects DefaultHistorySize.
		HistorySize int
	}

	// Bus fans events out to handlers. It is safe for concurrent use.
	Bus struct {
		logger  telemetry.Logger
		maxHist int

		mu      sync.RWMutex
		entries []*subscription
		agents  map[string]map[string]struct{}
		history []Event
		seq     uint64
	}

	subscription struct {
		bus     *Bus
		pattern string
		handler HandlerFunc
		once    sync.Once
	}
)

// NewBus returns an empty Bus.
func NewBus(opts Options) *Bus {
	b := &Bus{
		logger:  opts.Logger,
		maxHist: opts.HistorySize,
		agents:  make(map[string]map[string]struct{}),
	}
	if b.logger == nil {
		b.logger = telemetry.NewNoopLogger()
	}
	if b.maxHist <= 0 {
		b.maxHist = DefaultHistorySize
	}
	return b
}

// Subscribe registers h for events matching pattern: an exact name, Wildcard,
// or a prefix followed by "*".
func (b *Bus) Subscribe(pattern string, h HandlerFunc) (Subscription, error) {
	if pattern == "" {
		return nil, errors.New("event name is required")
	}
	if h == nil {
		return nil, errors.New("handler is required")
	}
	s := &subscription{bus: b, pattern: pattern, handler: h}
	b.mu.Lock()
	b.entries = append(b.entries, s)
	b.mu.Unlock()
	return s, nil
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h HandlerFunc) (Subscription, error) {
	return b.Subscribe(Wildcard, h)
}

// Emit publishes an event built from name, data and source and returns it.
func (b *Bus) Emit(ctx context.Context, name string, data map[string]any, source string) Event {
	if source == "" {
		source = "system"
	}
	return b.publish(ctx, Event{Name: name, Data: data, Source: source, Timestamp: time.Now().UTC()})
}

// Publish delivers e to every matching handler in registration order.
// Handler errors and panics are logged and never returned. The bus assigns
// e its sequence number.
func (b *Bus) Publish(ctx context.Context, e Event) {
	b.publish(ctx, e)
}

func (b *Bus) publish(ctx context.Context, e Event) Event {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Data == nil {
		e.Data = map[string]any{}
	}
	b.mu.Lock()
	b.seq++
	e.Seq = b.seq
	b.history = append(b.history, e)
	if over := len(b.history) - b.maxHist; over > 0 {
		b.history = append([]Event(nil), b.history[over:]...)
	}
	var matched []*subscription
	for _, s := range b.entries {
		if match(s.pattern, e.Name) {
			matched = append(matched, s)
		}
	}
	b.mu.Unlock()

	for _, s := range matched {
		b.deliver(ctx, s, e)
	}
	b.logger.Debug(ctx, "event published", "event", e.Name, "handlers", len(matched))
	return e
}

func (b *Bus) deliver(ctx context.Context, s *subscription, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(ctx, "event handler panicked", "event", e.Name, "panic", fmt.Sprint(r))
		}
	}()
	if err := s.handler(ctx, e); err != nil {
		b.logger.Error(ctx, "event handler failed", "event", e.Name, "err", err)
	}
}

func match(pattern, name string) bool {
	if pattern == Wildcard || pattern == name {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(name, prefix)
	}
	return false
}

// SubscribeAgent records that agent listens to names.
func (b *Bus) SubscribeAgent(agent string, names ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set := b.agents[agent]
	if set == nil {
		set = make(map[string]struct{})
		b.agents[agent] = set
	}
	for _, n := range names {
		set[n] = struct{}{}
	}
}

// UnsubscribeAgent removes name from the subscriptions of agent, or all of
// them when name is empty.
func (b *Bus) UnsubscribeAgent(agent, name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if name == "" {
		delete(b.agents, agent)
		return
	}
	delete(b.agents[agent], name)
}

// AgentSubscriptions returns the sorted event names agent listens to.
func (b *Bus) AgentSubscriptions(agent string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.agents[agent]))
	for n := range b.agents[agent] {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SubscribedAgents returns the sorted agents listening to name.
func (b *Bus) SubscribedAgents(name string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []string
	for agent, set := range b.agents {
		if _, ok := set[name]; ok {
			out = append(out, agent)
		}
	}
	sort.Strings(out)
	return out
}

// History returns up to limit recent events, oldest first. A non-positive
// limit returns all retained events.
func (b *Bus) History(limit int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h := b.history
	if limit > 0 && len(h) > limit {
		h = h[len(h)-limit:]
	}
	return append([]Event(nil), h...)
}

// ClearHistory drops retained events.
func (b *Bus) ClearHistory() {
	b.mu.Lock()
	b.history = nil
	b.mu.Unlock()
}

// Clear removes every handler, agent subscription and retained event.
func (b *Bus) Clear() {
	b.mu.Lock()
	b.entries = nil
	b.agents = make(map[string]map[string]struct{})
	b.history = nil
	b.mu.Unlock()
}

// Stats summarizes the bus.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	types := make(map[string]struct{})
	for _, s := range b.entries {
		types[s.pattern] = struct{}{}
	}
	return Stats{
		TotalHandlers:    len(b.entries),
		EventTypes:       len(types),
		SubscribedAgents: len(b.agents),
		HistorySize:      len(b.history),
	}
}

// Close removes the handler from the bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, e := range b.entries {
			if e == s {
				b.entries = append(b.entries[:i:i], b.entries[i+1:]...)
				break
			}
		}
	})
	return nil
}
