// Package gateway composes model.Client middleware around a provider adapter.
// Middleware registered first forms the outermost layer.
package gateway

import (
	"context"
	"errors"
	"time"

	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/telemetry"
)

const (
	// MetricCalls counts provider calls by outcome.
	MetricCalls = "parley.model.calls"
	// MetricLatency times provider calls.
	MetricLatency = "parley.model.latency"
)

type (
	// Handler completes a request.
	Handler func(ctx context.Context, req *model.Request) (*model.Response, error)

	// Middleware wraps a Handler.
	Middleware func(next Handler) Handler

	// Client is a model.Client running requests through a middleware chain.
	Client struct {
		provider model.Client
		handler  Handler
	}
)

// ErrProviderRequired indicates New was called without a provider.
var ErrProviderRequired = errors.New("model gateway: provider is required")

var _ model.Client = (*Client)(nil)

// New wraps provider with mws in registration order.
func New(provider model.Client, mws ...Middleware) (*Client, error) {
	if provider == nil {
		return nil, ErrProviderRequired
	}
	h := Handler(provider.Complete)
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return &Client{provider: provider, handler: h}, nil
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return c.handler(ctx, req)
}

// Provider returns the wrapped provider client.
func (c *Client) Provider() model.Client { return c.provider }

// FromClientMiddleware adapts a client decorator such as the adaptive rate
// limiter to a Middleware.
func FromClientMiddleware(wrap func(model.Client) model.Client) Middleware {
	return func(next Handler) Handler {
		return wrap(handlerClient(next)).Complete
	}
}

// Logging logs each call and records its latency and outcome.
func Logging(logger telemetry.Logger, metrics telemetry.Metrics, now func() time.Time) Middleware {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if now == nil {
		now = time.Now
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *model.Request) (*model.Response, error) {
			start := now()
			resp, err := next(ctx, req)
			elapsed := now().Sub(start)
			metrics.RecordTimer(MetricLatency, elapsed, "model", req.Model)
			if err != nil {
				outcome := "error"
				if errors.Is(err, model.ErrRateLimited) {
					outcome = "rate_limited"
				}
				metrics.IncCounter(MetricCalls, 1, "outcome", outcome)
				logger.Warn(ctx, "model call failed", "model", req.Model, "elapsed", elapsed, "err", err)
				return nil, err
			}
			metrics.IncCounter(MetricCalls, 1, "outcome", "ok")
			logger.Debug(ctx, "model call",
				"model", resp.Model,
				"elapsed", elapsed,
				"input_tokens", resp.Usage.InputTokens,
				"output_tokens", resp.Usage.OutputTokens)
			return resp, nil
		}
	}
}

type handlerClient Handler

func (h handlerClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return h(ctx, req)
}
