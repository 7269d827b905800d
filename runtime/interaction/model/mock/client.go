// Package mock provides a scripted model.Client for tests and offline runs.
// Responses are returned in the order they were scripted; once the script is
// exhausted the client answers with DefaultResponse. Every request is
// recorded so tests can assert on prompts and call counts.
package mock

import (
	"context"
	"sync"

	"goa.design/parley/runtime/interaction/model"
)

// DefaultResponse is returned once scripted responses are exhausted.
const DefaultResponse = "[Mock response]"

const charsPerToken = 4

type (
	// Client is a scripted model.Client. It is safe for concurrent use.
	Client struct {
		mu        sync.Mutex
		responses []string
		byAgent   map[string][]string
		failures  []error
		requests  []*model.Request
		model     string
		fallback  string
	}

	// Option configures a Client.
	Option func(*Client)
)

var _ model.Client = (*Client)(nil)

// WithResponses scripts responses returned in order.
func WithResponses(responses ...string) Option {
	return func(c *Client) {
		c.responses = append(c.responses, responses...)
	}
}

// WithAgentResponses scripts responses returned, in order, for requests whose
// system prompt equals system. They take precedence over WithResponses.
func WithAgentResponses(system string, responses ...string) Option {
	return func(c *Client) {
		c.byAgent[system] = append(c.byAgent[system], responses...)
	}
}

// WithFailures makes the next len(errs) calls fail with errs in order before
// any response is served.
func WithFailures(errs ...error) Option {
	return func(c *Client) {
		c.failures = append(c.failures, errs...)
	}
}

// WithModel sets the model reported when a request does not name one.
func WithModel(id string) Option {
	return func(c *Client) { c.model = id }
}

// WithDefault replaces DefaultResponse.
func WithDefault(text string) Option {
	return func(c *Client) { c.fallback = text }
}

// New returns a scripted client.
func New(opts ...Option) *Client {
	c := &Client{
		byAgent:  make(map[string][]string),
		model:    "mock-model",
		fallback: DefaultResponse,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Complete records req and returns the next scripted failure or response.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requests = append(c.requests, cloneRequest(req))
	if len(c.failures) > 0 {
		err := c.failures[0]
		c.failures = c.failures[1:]
		return nil, err
	}
	text := c.fallback
	if queue := c.byAgent[req.System]; len(queue) > 0 {
		text = queue[0]
		c.byAgent[req.System] = queue[1:]
	} else if len(c.responses) > 0 {
		text = c.responses[0]
		c.responses = c.responses[1:]
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	in := len(req.System)
	for _, m := range req.Messages {
		in += len(m.Content)
	}
	return &model.Response{
		Content: text,
		Model:   modelID,
		Usage: model.TokenUsage{
			InputTokens:  in / charsPerToken,
			OutputTokens: len(text) / charsPerToken,
		},
		StopReason: "end_turn",
	}, nil
}

// Enqueue appends responses to the script.
func (c *Client) Enqueue(responses ...string) {
	c.mu.Lock()
	c.responses = append(c.responses, responses...)
	c.mu.Unlock()
}

// Calls returns the number of Complete calls made so far.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Requests returns copies of every recorded request.
func (c *Client) Requests() []*model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Request, len(c.requests))
	for i, r := range c.requests {
		out[i] = cloneRequest(r)
	}
	return out
}

// LastRequest returns the most recent request, or nil.
func (c *Client) LastRequest() *model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.requests) == 0 {
		return nil
	}
	return cloneRequest(c.requests[len(c.requests)-1])
}

func cloneRequest(req *model.Request) *model.Request {
	if req == nil {
		return nil
	}
	out := *req
	out.Messages = append([]model.Message(nil), req.Messages...)
	return &out
}
