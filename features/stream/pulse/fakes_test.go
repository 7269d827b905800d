package pulse

import (
	"context"
	"sync"

	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/parley/features/stream/pulse/clients/pulse"
)

type (
	fakeClient struct {
		streams map[string]*fakeStream
		err     error
	}

	fakeStream struct {
		mu      sync.Mutex
		added   []fakeEntry
		addErr  error
		sink    *fakeSink
		sinkErr error
		group   string
	}

	fakeEntry struct {
		event   string
		payload []byte
	}

	fakeSink struct {
		ch     chan *streaming.Event
		mu     sync.Mutex
		acked  []string
		ackErr error
		closed bool
	}
)

func newFakeClient() *fakeClient {
	return &fakeClient{streams: make(map[string]*fakeStream)}
}

func (c *fakeClient) Stream(name string, _ ...streamopts.Stream) (clientspulse.Stream, error) {
	if c.err != nil {
		return nil, c.err
	}
	s, ok := c.streams[name]
	if !ok {
		s = &fakeStream{sink: &fakeSink{ch: make(chan *streaming.Event, 4)}}
		c.streams[name] = s
	}
	return s, nil
}

func (s *fakeStream) Add(_ context.Context, event string, payload []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.addErr != nil {
		return "", s.addErr
	}
	s.added = append(s.added, fakeEntry{event: event, payload: payload})
	return "1-" + string(rune('0'+len(s.added)-1)), nil
}

func (s *fakeStream) NewSink(_ context.Context, name string, _ ...streamopts.Sink) (clientspulse.Sink, error) {
	if s.sinkErr != nil {
		return nil, s.sinkErr
	}
	s.group = name
	return s.sink, nil
}

func (s *fakeStream) Destroy(context.Context) error { return nil }

func (s *fakeStream) entries() []fakeEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fakeEntry(nil), s.added...)
}

func (k *fakeSink) Subscribe() <-chan *streaming.Event { return k.ch }

func (k *fakeSink) Ack(_ context.Context, e *streaming.Event) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.ackErr != nil {
		return k.ackErr
	}
	k.acked = append(k.acked, e.ID)
	return nil
}

func (k *fakeSink) Close(context.Context) {
	k.mu.Lock()
	k.closed = true
	k.mu.Unlock()
}

func (k *fakeSink) ackedIDs() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return append([]string(nil), k.acked...)
}
