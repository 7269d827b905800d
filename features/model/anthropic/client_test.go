package anthropic

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/parley/runtime/interaction/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error
	calls      int
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.calls++
	s.lastParams = body
	return s.resp, s.err
}

func textReply(text string) *sdk.Message {
	return &sdk.Message{
		Model:      "claude-sonnet-4-20250514",
		StopReason: sdk.StopReasonEndTurn,
		Content:    []sdk.ContentBlockUnion{{Type: "text", Text: text}},
		Usage:      sdk.Usage{InputTokens: 12, OutputTokens: 7},
	}
}

func apiError(status int) error {
	return &sdk.Error{
		StatusCode: status,
		Request:    httptest.NewRequest(http.MethodPost, "https://api.anthropic.com/v1/messages", nil),
		Response:   &http.Response{StatusCode: status},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, Options{DefaultModel: "m"})
	require.EqualError(t, err, "anthropic client is required")
	_, err = New(&stubMessagesClient{}, Options{})
	require.EqualError(t, err, "default model identifier is required")
	_, err = NewFromAPIKey("", "m")
	require.EqualError(t, err, "api key is required")
}

func TestCompleteTextOnly(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply("Approve the budget.")}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514", MaxTokens: 256, Temperature: 0.7})
	require.NoError(t, err)

	resp, err := cl.Complete(context.Background(), &model.Request{
		System: "You are an advisor.",
		Messages: []model.Message{
			model.UserMessage("hello"),
			model.AssistantMessage("hi"),
			model.UserMessage("should we fund it?"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Approve the budget.", resp.Content)
	assert.Equal(t, "claude-sonnet-4-20250514", resp.Model)
	assert.Equal(t, "end_turn", resp.StopReason)
	assert.Equal(t, 19, resp.Usage.Total())

	p := stub.lastParams
	assert.Equal(t, sdk.Model("claude-sonnet-4-20250514"), p.Model)
	assert.EqualValues(t, 256, p.MaxTokens)
	require.Len(t, p.System, 1)
	assert.Equal(t, "You are an advisor.", p.System[0].Text)
	require.Len(t, p.Messages, 3)
	assert.Equal(t, sdk.MessageParamRoleUser, p.Messages[0].Role)
	assert.Equal(t, sdk.MessageParamRoleAssistant, p.Messages[1].Role)
}

func TestCompleteRequestOverrides(t *testing.T) {
	stub := &stubMessagesClient{resp: textReply("ok")}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-20250514"})
	require.NoError(t, err)

	_, err = cl.Complete(context.Background(), &model.Request{
		Model:     "claude-3-5-haiku-20241022",
		MaxTokens: 64,
		Messages: []model.Message{
			{Role: model.RoleSystem, Content: "Be brief."},
			model.UserMessage("summarize"),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, sdk.Model("claude-3-5-haiku-20241022"), stub.lastParams.Model)
	assert.EqualValues(t, 64, stub.lastParams.MaxTokens)
	require.Len(t, stub.lastParams.System, 1)
	assert.Equal(t, "Be brief.", stub.lastParams.System[0].Text)
	assert.Len(t, stub.lastParams.Messages, 1)
}

func TestCompleteConcatenatesTextBlocks(t *testing.T) {
	msg := textReply("first ")
	msg.Content = append(msg.Content, sdk.ContentBlockUnion{Type: "thinking"}, sdk.ContentBlockUnion{Type: "text", Text: "second"})
	cl, err := New(&stubMessagesClient{resp: msg}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	resp, err := cl.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("x")}})
	require.NoError(t, err)
	assert.Equal(t, "first second", resp.Content)
}

func TestCompleteRequiresMessages(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{{Role: model.RoleSystem, Content: "s"}}})
	require.Error(t, err)
	assert.Zero(t, stub.calls)
}

func TestCompleteRateLimited(t *testing.T) {
	cl, err := New(&stubMessagesClient{err: apiError(http.StatusTooManyRequests)}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("x")}})
	require.ErrorIs(t, err, model.ErrRateLimited)
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusTooManyRequests, pe.HTTPStatus())
	assert.True(t, pe.Retryable())
}

func TestCompleteOverloadedIsNotRateLimited(t *testing.T) {
	cl, err := New(&stubMessagesClient{err: apiError(529)}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("x")}})
	require.Error(t, err)
	assert.False(t, errors.Is(err, model.ErrRateLimited))
	pe, ok := model.AsProviderError(err)
	require.True(t, ok)
	assert.Equal(t, model.ProviderErrorKindUnavailable, pe.Kind())
}

func TestCompleteTransportError(t *testing.T) {
	boom := errors.New("connection reset")
	cl, err := New(&stubMessagesClient{err: boom}, Options{DefaultModel: "m"})
	require.NoError(t, err)
	_, err = cl.Complete(context.Background(), &model.Request{Messages: []model.Message{model.UserMessage("x")}})
	require.ErrorIs(t, err, boom)
	assert.False(t, errors.Is(err, model.ErrRateLimited))
}
