// Package pulse mirrors simulation bus events into goa.design/pulse streams so
// other processes can follow a session as it runs.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	clientspulse "goa.design/parley/features/stream/pulse/clients/pulse"
	"goa.design/parley/runtime/interaction/hooks"
	"goa.design/parley/runtime/interaction/telemetry"
)

// StreamPrefix prefixes the stream of each simulation.
const StreamPrefix = "parley/"

type (
	// Options configures a Publisher.
	Options struct {
		// Client opens the target stream. Required.
		Client clientspulse.Client
		// Simulation names the stream. Required.
		Simulation string
		// Logger reports publish failures of attached buses.
		Logger telemetry.Logger
		// Now stamps envelopes. Defaults to time.Now.
		Now func() time.Time
	}

	// Publisher writes bus events to the stream of one simulation.
	Publisher struct {
		stream     clientspulse.Stream
		simulation string
		logger     telemetry.Logger
		now        func() time.Time
	}

	// envelope is the stream entry payload.
	envelope struct {
		Name        string         `json:"name"`
		Simulation  string         `json:"simulation"`
		Source      string         `json:"source,omitempty"`
		Timestamp   time.Time      `json:"timestamp"`
		PublishedAt time.Time      `json:"publishedAt"`
		Data        map[string]any `json:"data,omitempty"`
	}
)

// StreamID returns the stream name of simulation.
func StreamID(simulation string) string { return StreamPrefix + simulation }

// NewPublisher opens the simulation stream.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	if opts.Simulation == "" {
		return nil, errors.New("simulation name is required")
	}
	str, err := opts.Client.Stream(StreamID(opts.Simulation))
	if err != nil {
		return nil, err
	}
	p := &Publisher{stream: str, simulation: opts.Simulation, logger: opts.Logger, now: opts.Now}
	if p.logger == nil {
		p.logger = telemetry.NewNoopLogger()
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p, nil
}

// Send publishes e and returns the stream entry id.
func (p *Publisher) Send(ctx context.Context, e hooks.Event) (string, error) {
	if e.Name == "" {
		return "", errors.New("event name is required")
	}
	payload, err := json.Marshal(envelope{
		Name:        e.Name,
		Simulation:  p.simulation,
		Source:      e.Source,
		Timestamp:   e.Timestamp,
		PublishedAt: p.now().UTC(),
		Data:        e.Data,
	})
	if err != nil {
		return "", err
	}
	return p.stream.Add(ctx, e.Name, payload)
}

// Attach publishes every event emitted on bus until the subscription is
// closed. Failures are logged and do not reach the emitter.
func (p *Publisher) Attach(bus *hooks.Bus) (hooks.Subscription, error) {
	return bus.SubscribeAll(func(ctx context.Context, e hooks.Event) error {
		if _, err := p.Send(ctx, e); err != nil {
			p.logger.Warn(ctx, "publishing event failed", "event", e.Name, "err", err)
		}
		return nil
	})
}
