package mock

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/model"
)

func TestCompleteServesScriptInOrder(t *testing.T) {
	c := New(WithResponses("first", "second"))
	ctx := context.Background()
	req := &model.Request{System: "sys", Messages: []model.Message{model.UserMessage("hello")}}

	r1, err := c.Complete(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "first", r1.Content)
	r2, err := c.Complete(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "second", r2.Content)
	r3, err := c.Complete(ctx, req)
	require.NoError(t, err)
	require.Equal(t, DefaultResponse, r3.Content)
	require.Equal(t, 3, c.Calls())
	require.Equal(t, "mock-model", r3.Model)
}

func TestCompleteFailuresComeFirst(t *testing.T) {
	boom := errors.New("boom")
	c := New(WithFailures(boom), WithResponses("ok"))
	_, err := c.Complete(context.Background(), &model.Request{})
	require.ErrorIs(t, err, boom)
	resp, err := c.Complete(context.Background(), &model.Request{})
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Content)
}

func TestAgentResponsesTakePrecedence(t *testing.T) {
	c := New(WithResponses("generic"), WithAgentResponses("You are Bob.", "bob says hi"))
	resp, err := c.Complete(context.Background(), &model.Request{System: "You are Bob."})
	require.NoError(t, err)
	require.Equal(t, "bob says hi", resp.Content)
	resp, err = c.Complete(context.Background(), &model.Request{System: "You are Alice."})
	require.NoError(t, err)
	require.Equal(t, "generic", resp.Content)
}

func TestUsageEstimate(t *testing.T) {
	c := New(WithResponses("12345678"))
	resp, err := c.Complete(context.Background(), &model.Request{
		System:   "abcd",
		Messages: []model.Message{model.UserMessage("abcdefgh")},
	})
	require.NoError(t, err)
	require.Equal(t, 3, resp.Usage.InputTokens)
	require.Equal(t, 2, resp.Usage.OutputTokens)
	require.Equal(t, 5, resp.Usage.Total())
}

func TestRequestsAreCopies(t *testing.T) {
	c := New()
	req := &model.Request{Messages: []model.Message{model.UserMessage("a")}}
	_, err := c.Complete(context.Background(), req)
	require.NoError(t, err)
	req.Messages[0].Content = "mutated"
	require.Equal(t, "a", c.LastRequest().Messages[0].Content)
}

func TestSummarizeUsesClient(t *testing.T) {
	c := New(WithResponses("  short summary  "))
	out, err := model.Summarize(context.Background(), c, "haiku", "long text", 100)
	require.NoError(t, err)
	require.Equal(t, "short summary", out.Content)
	require.Contains(t, c.LastRequest().Messages[0].Content, "approximately 100 characters")
	require.Equal(t, "haiku", c.LastRequest().Model)
}
