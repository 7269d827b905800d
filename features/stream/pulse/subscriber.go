package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	streamopts "goa.design/pulse/streaming/options"

	clientspulse "goa.design/parley/features/stream/pulse/clients/pulse"
	"goa.design/parley/runtime/interaction/hooks"
)

// DefaultSinkName is the consumer group used when none is configured.
const DefaultSinkName = "parley_follower"

type (
	// SubscriberOptions configures a Subscriber.
	SubscriberOptions struct {
		// Client opens the followed stream. Required.
		Client clientspulse.Client
		// SinkName is the consumer group. Defaults to DefaultSinkName.
		SinkName string
		// Buffer is the event channel capacity. Defaults to 64.
		Buffer int
	}

	// Subscriber follows the stream of a simulation.
	Subscriber struct {
		client clientspulse.Client
		name   string
		buffer int
	}
)

// NewSubscriber returns a subscriber using opts.Client.
func NewSubscriber(opts SubscriberOptions) (*Subscriber, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	s := &Subscriber{client: opts.Client, name: opts.SinkName, buffer: opts.Buffer}
	if s.name == "" {
		s.name = DefaultSinkName
	}
	if s.buffer <= 0 {
		s.buffer = 64
	}
	return s, nil
}

// Subscribe follows the events of simulation. The event channel closes when
// ctx is canceled, the sink closes or an entry cannot be decoded or acked, in
// which case the error is sent on the error channel first. cancel stops
// consumption and closes the sink.
func (s *Subscriber) Subscribe(ctx context.Context, simulation string, opts ...streamopts.Sink) (<-chan hooks.Event, <-chan error, context.CancelFunc, error) {
	str, err := s.client.Stream(StreamID(simulation))
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := str.NewSink(ctx, s.name, opts...)
	if err != nil {
		return nil, nil, nil, err
	}
	events := make(chan hooks.Event, s.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go s.consume(runCtx, sink, events, errs)
	return events, errs, func() {
		cancel()
		sink.Close(context.Background())
	}, nil
}

func (s *Subscriber) consume(ctx context.Context, sink clientspulse.Sink, out chan<- hooks.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			e, err := decode(entry.Payload)
			if err != nil {
				errs <- fmt.Errorf("pulse decode payload: %w", err)
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, entry); err != nil {
				errs <- fmt.Errorf("pulse ack: %w", err)
				return
			}
		}
	}
}

func decode(payload []byte) (hooks.Event, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return hooks.Event{}, err
	}
	if env.Name == "" {
		return hooks.Event{}, errors.New("event name is missing")
	}
	return hooks.Event{Name: env.Name, Data: env.Data, Source: env.Source, Timestamp: env.Timestamp}, nil
}
