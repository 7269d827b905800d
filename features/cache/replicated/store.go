// Package replicated implements the response cache on top of a Pulse
// replicated map so every process of a deployment shares cached responses.
//
// Each signature is stored under its own map key as a JSON array of entries.
// Writes use compare-and-swap so concurrent Put calls from different
// processes do not drop variants.
package replicated

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/rmap"

	"goa.design/parley/runtime/interaction/cache"
	"goa.design/parley/runtime/interaction/telemetry"
)

const (
	keyPrefix   = "sig:"
	maxAttempts = 5
)

type (
	// Map is the subset of *rmap.Map used by the store.
	Map interface {
		Get(key string) (string, bool)
		Keys() []string
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Delete(ctx context.Context, key string) (string, error)
	}

	// Options configures the store.
	Options struct {
		// Variants bounds the responses kept per signature. Zero selects
		// cache.DefaultVariants.
		Variants int
		// Intn picks a variant index in [0, n). Defaults to math/rand/v2.
		Intn func(n int) int
		// Logger reports undecodable entries. Defaults to a no-op logger.
		Logger telemetry.Logger
	}

	// Store is a cache.Store backed by a replicated map. Hit and miss
	// counters are local to the process.
	Store struct {
		m        Map
		variants int
		intn     func(int) int
		logger   telemetry.Logger

		mu     sync.Mutex
		hits   int
		misses int
	}
)

var _ cache.Store = (*Store)(nil)

// ErrConflict is returned when Put loses the compare-and-swap race too many
// times in a row.
var ErrConflict = errors.New("replicated cache: too many concurrent writers")

// Join joins (or creates) the replicated map name using rdb and returns a
// store on top of it. Close the returned map when done.
func Join(ctx context.Context, name string, rdb *redis.Client, opts Options) (*Store, *rmap.Map, error) {
	m, err := rmap.Join(ctx, name, rdb)
	if err != nil {
		return nil, nil, fmt.Errorf("join replicated map %q: %w", name, err)
	}
	s, err := New(m, opts)
	if err != nil {
		m.Close()
		return nil, nil, err
	}
	return s, m, nil
}

// New returns a store using m.
func New(m Map, opts Options) (*Store, error) {
	if m == nil {
		return nil, errors.New("replicated map is required")
	}
	variants := opts.Variants
	if variants <= 0 {
		variants = cache.DefaultVariants
	}
	intn := opts.Intn
	if intn == nil {
		intn = rand.IntN
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Store{m: m, variants: variants, intn: intn, logger: logger}, nil
}

// Get implements cache.Store.
func (s *Store) Get(ctx context.Context, sig string) (cache.Entry, bool, error) {
	entries, _, err := s.load(sig)
	if err != nil {
		s.logger.Warn(ctx, "dropping undecodable cache entry", "signature", sig, "err", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(entries) == 0 {
		s.misses++
		return cache.Entry{}, false, nil
	}
	s.hits++
	return entries[s.intn(len(entries))], true, nil
}

// Put implements cache.Store. The oldest variant is dropped once the
// signature holds Variants responses.
func (s *Store) Put(ctx context.Context, e cache.Entry) error {
	if e.Signature == "" {
		return errors.New("signature is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	key := keyPrefix + e.Signature
	for range maxAttempts {
		entries, raw, err := s.load(e.Signature)
		if err != nil {
			s.logger.Warn(ctx, "overwriting undecodable cache entry", "signature", e.Signature, "err", err)
		}
		entries = append(entries, e)
		if len(entries) > s.variants {
			entries = entries[len(entries)-s.variants:]
		}
		b, err := json.Marshal(entries)
		if err != nil {
			return fmt.Errorf("encode cache entry: %w", err)
		}
		if raw == "" {
			ok, err := s.m.SetIfNotExists(ctx, key, string(b))
			if err != nil {
				return fmt.Errorf("put cache entry: %w", err)
			}
			if ok {
				return nil
			}
			continue
		}
		prev, err := s.m.TestAndSet(ctx, key, raw, string(b))
		if err != nil {
			return fmt.Errorf("put cache entry: %w", err)
		}
		if prev == raw {
			return nil
		}
	}
	return ErrConflict
}

// Clear implements cache.Store. Only signature keys are removed.
func (s *Store) Clear(ctx context.Context) error {
	for _, k := range s.m.Keys() {
		if !strings.HasPrefix(k, keyPrefix) {
			continue
		}
		if _, err := s.m.Delete(ctx, k); err != nil {
			return fmt.Errorf("clear cache: %w", err)
		}
	}
	return nil
}

// Stats implements cache.Store. Entries and Responses reflect the shared
// map. Evictions stays zero: the map is not size bounded.
func (s *Store) Stats() cache.Stats {
	st := cache.Stats{}
	for _, k := range s.m.Keys() {
		sig, ok := strings.CutPrefix(k, keyPrefix)
		if !ok {
			continue
		}
		st.Entries++
		entries, _, _ := s.load(sig)
		st.Responses += len(entries)
	}
	s.mu.Lock()
	st.Hits, st.Misses = s.hits, s.misses
	s.mu.Unlock()
	return st
}

// load returns the decoded entries for sig and the raw value they were
// decoded from.
func (s *Store) load(sig string) ([]cache.Entry, string, error) {
	raw, ok := s.m.Get(keyPrefix + sig)
	if !ok || raw == "" {
		return nil, "", nil
	}
	var entries []cache.Entry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, raw, err
	}
	return entries, raw, nil
}
