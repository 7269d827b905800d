// Package pulse wraps goa.design/pulse streams behind the narrow interfaces
// used to publish and follow simulation events. Callers own the Redis
// connection; the wrapper never closes it.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the client.
	Options struct {
		// Redis backs the streams. Required.
		Redis *redis.Client
		// StreamMaxLen bounds the entries kept per stream. Zero keeps the
		// Pulse default.
		StreamMaxLen int
		// OperationTimeout bounds each Add. Zero means no timeout.
		OperationTimeout time.Duration
	}

	// Client opens streams.
	Client interface {
		// Stream returns the named stream, creating it if needed.
		Stream(name string, opts ...streamopts.Stream) (Stream, error)
	}

	// Stream publishes entries and opens consumer groups.
	Stream interface {
		// Add appends an entry and returns the id Redis assigned to it.
		Add(ctx context.Context, event string, payload []byte) (string, error)
		// NewSink opens the consumer group name on the stream.
		NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error)
		// Destroy deletes the stream and its entries.
		Destroy(ctx context.Context) error
	}

	// Sink is a consumer group reading a stream.
	Sink interface {
		Subscribe() <-chan *streaming.Event
		Ack(context.Context, *streaming.Event) error
		Close(context.Context)
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration
	}

	handle struct {
		stream  *streaming.Stream
		timeout time.Duration
	}

	sinkAdapter struct {
		*streaming.Sink
	}
)

// New returns a client backed by opts.Redis.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{redis: opts.Redis, maxLen: opts.StreamMaxLen, timeout: opts.OperationTimeout}, nil
}

func (c *client) Stream(name string, opts ...streamopts.Stream) (Stream, error) {
	if name == "" {
		return nil, errors.New("stream name is required")
	}
	var all []streamopts.Stream
	if c.maxLen > 0 {
		all = append(all, streamopts.WithStreamMaxLen(c.maxLen))
	}
	all = append(all, opts...)
	str, err := streaming.NewStream(name, c.redis, all...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	return &handle{stream: str, timeout: c.timeout}, nil
}

func (h *handle) Add(ctx context.Context, event string, payload []byte) (string, error) {
	if event == "" {
		return "", errors.New("event name is required")
	}
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	id, err := h.stream.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

func (h *handle) NewSink(ctx context.Context, name string, opts ...streamopts.Sink) (Sink, error) {
	sink, err := h.stream.NewSink(ctx, name, opts...)
	if err != nil {
		return nil, err
	}
	return sinkAdapter{Sink: sink}, nil
}

func (h *handle) Destroy(ctx context.Context) error {
	return h.stream.Destroy(ctx)
}

// Close adapts the Pulse sink Close signature.
func (s sinkAdapter) Close(ctx context.Context) {
	s.Sink.Close(ctx)
}
