package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"goa.design/parley/runtime/interaction/hooks"
)

func TestSubscribeEmitsEvents(t *testing.T) {
	cli := newFakeClient()
	pub, err := NewPublisher(Options{Client: cli, Simulation: "cabinet"})
	require.NoError(t, err)
	sub, err := NewSubscriber(SubscriberOptions{Client: cli, Buffer: 2})
	require.NoError(t, err)

	events, errs, cancel, err := sub.Subscribe(context.Background(), "cabinet")
	require.NoError(t, err)
	defer cancel()
	str := cli.streams["parley/cabinet"]
	assert.Equal(t, DefaultSinkName, str.group)

	_, err = pub.Send(context.Background(), hooks.Event{Name: hooks.AgentSpoke, Source: "advisor", Data: map[string]any{"content": "hi"}})
	require.NoError(t, err)
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: str.entries()[0].payload}

	select {
	case e := <-events:
		assert.Equal(t, hooks.AgentSpoke, e.Name)
		assert.Equal(t, "advisor", e.Source)
		assert.Equal(t, "hi", e.Data["content"])
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	require.Eventually(t, func() bool { return len(str.sink.ackedIDs()) == 1 }, time.Second, 10*time.Millisecond)

	close(str.sink.ch)
	_, ok := <-events
	assert.False(t, ok)
	assert.Empty(t, errs)
}

func TestSubscribeDecodeError(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli, SinkName: "audit"})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "cabinet")
	require.NoError(t, err)
	defer cancel()

	str := cli.streams["parley/cabinet"]
	assert.Equal(t, "audit", str.group)
	payload, _ := json.Marshal(map[string]any{"simulation": "cabinet"})
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}

	require.EqualError(t, <-errs, "pulse decode payload: event name is missing")
	_, ok := <-events
	assert.False(t, ok)
}

func TestSubscribeAckError(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, errs, cancel, err := sub.Subscribe(context.Background(), "cabinet")
	require.NoError(t, err)
	defer cancel()

	str := cli.streams["parley/cabinet"]
	str.sink.ackErr = errors.New("nack")
	payload, _ := json.Marshal(envelope{Name: hooks.TurnEnd})
	str.sink.ch <- &streaming.Event{ID: "1-0", Payload: payload}

	e := <-events
	assert.Equal(t, hooks.TurnEnd, e.Name)
	require.EqualError(t, <-errs, "pulse ack: nack")
}

func TestSubscribeStreamErrors(t *testing.T) {
	_, err := NewSubscriber(SubscriberOptions{})
	assert.EqualError(t, err, "pulse client is required")

	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	cli.err = errors.New("boom")
	_, _, _, err = sub.Subscribe(context.Background(), "cabinet")
	assert.EqualError(t, err, "boom")

	cli.err = nil
	_, _ = cli.Stream("parley/cabinet")
	cli.streams["parley/cabinet"].sinkErr = errors.New("no group")
	_, _, _, err = sub.Subscribe(context.Background(), "cabinet")
	assert.EqualError(t, err, "no group")
}

func TestCancelClosesSink(t *testing.T) {
	cli := newFakeClient()
	sub, err := NewSubscriber(SubscriberOptions{Client: cli})
	require.NoError(t, err)
	events, _, cancel, err := sub.Subscribe(context.Background(), "cabinet")
	require.NoError(t, err)
	cancel()
	_, ok := <-events
	assert.False(t, ok)
	sink := cli.streams["parley/cabinet"].sink
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.True(t, sink.closed)
}
