package middleware

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/model"
	"goa.design/pulse/rmap"
)

type fakeClusterMap struct {
	mu     sync.Mutex
	values map[string]string
	ch     chan rmap.EventKind
}

func newFakeClusterMap() *fakeClusterMap {
	return &fakeClusterMap{
		values: make(map[string]string),
		ch:     make(chan rmap.EventKind, 1),
	}
}

func (m *fakeClusterMap) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

func (m *fakeClusterMap) SetIfNotExists(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	if _, ok := m.values[key]; ok {
		m.mu.Unlock()
		return false, nil
	}
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
	return true, nil
}

func (m *fakeClusterMap) TestAndSet(_ context.Context, key, test, value string) (string, error) {
	m.mu.Lock()
	cur, ok := m.values[key]
	if !ok || cur != test {
		m.mu.Unlock()
		return cur, nil
	}
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
	return cur, nil
}

// set simulates a write from another process.
func (m *fakeClusterMap) set(key, value string) {
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	m.notify()
}

func (m *fakeClusterMap) notify() {
	select {
	case m.ch <- rmap.EventChange:
	default:
	}
}

func (m *fakeClusterMap) Subscribe() <-chan rmap.EventKind { return m.ch }

func (m *fakeClusterMap) Unsubscribe(<-chan rmap.EventKind) {}

func sharedTPM(t *testing.T, m *fakeClusterMap, key string) int {
	t.Helper()
	v, ok := m.Get(key)
	require.True(t, ok, "expected key to exist in cluster map")
	cur, err := strconv.Atoi(v)
	require.NoError(t, err)
	return cur
}

func TestClusterLimiter_SeedsSharedMap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newFakeClusterMap()

	newClusterAdaptiveRateLimiter(ctx, m, AdaptiveOptions{Key: "model", InitialTPM: 50000})
	require.Equal(t, 50000, sharedTPM(t, m, "model"))
}

func TestClusterLimiter_AdoptsSharedBudget(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newFakeClusterMap()
	m.values["model"] = "20000"

	lim := newClusterAdaptiveRateLimiter(ctx, m, AdaptiveOptions{Key: "model", InitialTPM: 80000, MaxTPM: 80000})
	require.InDelta(t, 20000, lim.CurrentTPM(), 0)
	require.InDelta(t, 80000, lim.maxTPM, 0)
}

func TestClusterLimiter_BackoffUpdatesSharedMap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newFakeClusterMap()
	const key = "model"
	m.values[key] = strconv.Itoa(80000)

	lim := newClusterAdaptiveRateLimiter(ctx, m, AdaptiveOptions{Key: key, InitialTPM: 80000, MaxTPM: 80000})
	wrapped := lim.Middleware()(&fakeClient{completeErr: model.ErrRateLimited})

	_, _ = wrapped.Complete(context.Background(), helloRequest())

	require.Eventually(t, func() bool {
		return sharedTPM(t, m, key) < 80000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiter_FollowsExternalChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := newFakeClusterMap()
	lim := newClusterAdaptiveRateLimiter(ctx, m, AdaptiveOptions{Key: "model", InitialTPM: 60000})

	m.set("model", "12000")
	require.Eventually(t, func() bool {
		return lim.CurrentTPM() == 12000
	}, time.Second, 5*time.Millisecond)
}

func TestClusterLimiter_NoKeyIsLocal(t *testing.T) {
	m := newFakeClusterMap()
	lim := newClusterAdaptiveRateLimiter(context.Background(), m, AdaptiveOptions{InitialTPM: 1000})
	require.InDelta(t, 1000, lim.CurrentTPM(), 0)
	_, ok := m.Get("")
	require.False(t, ok)
}
