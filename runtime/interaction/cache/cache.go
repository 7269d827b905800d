// Package cache stores model responses keyed by interaction signature.
//
// A cache hit lets the runtime answer an interaction without a network call.
// Each signature may hold several response variants; Get returns one of them
// at random so repeated identical situations do not always produce the exact
// same text.
package cache

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// DefaultSize is the default number of signatures kept in memory.
	DefaultSize = 1024
	// DefaultVariants is the default number of responses kept per signature.
	DefaultVariants = 5
)

type (
	// Store is the response cache contract.
	Store interface {
		// Get returns a cached response for sig. ok is false on a miss.
		Get(ctx context.Context, sig string) (entry Entry, ok bool, err error)
		// Put records a response. A subsequent Get for the same signature in
		// the same process observes it.
		Put(ctx context.Context, entry Entry) error
		// Clear removes every entry. Counters are preserved.
		Clear(ctx context.Context) error
		// Stats returns hit, miss and entry counts.
		Stats() Stats
	}

	// Entry is one cached response.
	Entry struct {
		Signature string         `json:"signature"`
		Response  string         `json:"response"`
		CreatedAt time.Time      `json:"createdAt"`
		Metadata  map[string]any `json:"metadata,omitempty"`
	}

	// Stats summarizes cache activity.
	Stats struct {
		Hits      int `json:"hits"`
		Misses    int `json:"misses"`
		Entries   int `json:"entries"`
		Responses int `json:"responses"`
		Evictions int `json:"evictions"`
	}

	// Options configures the in-memory store.
	Options struct {
		// Size bounds the number of signatures; the least recently used is
		// evicted when full. Zero selects DefaultSize.
		Size int
		// Variants bounds the responses kept per signature. Zero selects
		// DefaultVariants.
		Variants int
		// Intn picks a variant index in [0, n). Defaults to math/rand/v2.
		Intn func(n int) int
	}

	// Memory is an LRU-bounded in-memory Store. It is safe for concurrent
	// use.
	Memory struct {
		mu        sync.Mutex
		lru       *lru.Cache[string, []Entry]
		variants  int
		intn      func(int) int
		hits      int
		misses    int
		evictions int
		responses int
	}
)

var _ Store = (*Memory)(nil)

// New returns an in-memory store.
func New(opts Options) (*Memory, error) {
	size := opts.Size
	if size <= 0 {
		size = DefaultSize
	}
	variants := opts.Variants
	if variants <= 0 {
		variants = DefaultVariants
	}
	intn := opts.Intn
	if intn == nil {
		intn = rand.IntN
	}
	m := &Memory{variants: variants, intn: intn}
	c, err := lru.NewWithEvict(size, m.onEvict)
	if err != nil {
		return nil, err
	}
	m.lru = c
	return m, nil
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, sig string) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, ok := m.lru.Get(sig)
	if !ok || len(entries) == 0 {
		m.misses++
		return Entry{}, false, nil
	}
	m.hits++
	return cloneEntry(entries[m.intn(len(entries))]), true, nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, e Entry) error {
	if e.Signature == "" {
		return errors.New("signature is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	entries, _ := m.lru.Peek(e.Signature)
	before := len(entries)
	entries = append(append([]Entry(nil), entries...), cloneEntry(e))
	if len(entries) > m.variants {
		entries = entries[len(entries)-m.variants:]
	}
	m.responses += len(entries) - before
	m.lru.Add(e.Signature, entries)
	return nil
}

// Clear implements Store.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Purge invokes the eviction callback; keep the counter for real
	// evictions only.
	ev := m.evictions
	m.lru.Purge()
	m.evictions = ev
	m.responses = 0
	return nil
}

// Stats implements Store.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Hits:      m.hits,
		Misses:    m.misses,
		Entries:   m.lru.Len(),
		Responses: m.responses,
		Evictions: m.evictions,
	}
}

// onEvict runs with m.mu held: the LRU only evicts from Add and Purge.
func (m *Memory) onEvict(_ string, entries []Entry) {
	m.evictions++
	m.responses -= len(entries)
}

// HitRate returns hits / (hits + misses), or 0 without lookups.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func cloneEntry(e Entry) Entry {
	if e.Metadata != nil {
		md := make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			md[k] = v
		}
		e.Metadata = md
	}
	return e
}
