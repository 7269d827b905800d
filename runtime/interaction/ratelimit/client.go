package ratelimit

import (
	"context"

	"goa.design/parley/runtime/interaction/model"
)

type limitedClient struct {
	limiter *Limiter
	next    model.Client
}

// Client returns a model.Client that sends every call to next through l.
func Client(l *Limiter, next model.Client) model.Client {
	return &limitedClient{limiter: l, next: next}
}

func (c *limitedClient) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	return Do(ctx, c.limiter, func(ctx context.Context) (*model.Response, error) {
		return c.next.Complete(ctx, req)
	})
}
