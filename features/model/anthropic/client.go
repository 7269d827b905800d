// Package anthropic provides a model.Client implementation backed by the
// Anthropic Claude Messages API. It translates interaction requests into
// Messages.New calls using github.com/anthropics/anthropic-sdk-go and maps the
// text blocks and usage of the reply back into a model.Response.
package anthropic

import (
	"context"
	"errors"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"goa.design/parley/runtime/interaction/model"
)

const providerName = "anthropic"

type (
	// MessagesClient captures the subset of the Anthropic SDK client used by the
	// adapter. It is satisfied by *sdk.MessageService so callers can pass either a
	// real client or a stub in tests.
	MessagesClient interface {
		New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	}

	// Options configures optional Anthropic adapter behavior.
	Options struct {
		// DefaultModel is the Claude model identifier used when
		// model.Request.Model is empty.
		DefaultModel string

		// MaxTokens sets the default completion cap when a request does not
		// specify MaxTokens. Defaults to 1024.
		MaxTokens int

		// Temperature is used when a request does not specify Temperature.
		Temperature float64
	}

	// Client implements model.Client on top of Anthropic Claude Messages.
	Client struct {
		msg          MessagesClient
		defaultModel string
		maxTok       int
		temp         float64
	}
)

var _ model.Client = (*Client)(nil)

// New builds an Anthropic-backed model client from the provided Anthropic
// Messages client and configuration options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTok:       maxTokens,
		temp:         opts.Temperature,
	}, nil
}

// NewFromAPIKey constructs a client using the default Anthropic HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Complete issues a Messages.New request and concatenates the text blocks of
// the reply.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	msg, err := c.msg.New(ctx, *params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(msg, string(params.Model))
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(modelID),
	}
	if len(system) > 0 {
		params.System = system
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if temp > 0 {
		params.Temperature = sdk.Float(temp)
	}
	return &params, nil
}

// encodeMessages splits the request into the Anthropic system blocks and the
// alternating user/assistant conversation. System messages found in the
// conversation are appended to the system prompt.
func encodeMessages(req *model.Request) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	var system []sdk.TextBlockParam
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, sdk.TextBlockParam{Text: s})
	}
	out := make([]sdk.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case model.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case model.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(sdk.NewTextBlock(m.Content)))
		default:
			return nil, nil, errors.New("anthropic: unsupported message role " + string(m.Role))
		}
	}
	if len(out) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return out, system, nil
}

func translateResponse(msg *sdk.Message, requested string) (*model.Response, error) {
	if msg == nil {
		return nil, errors.New("anthropic: response message is nil")
	}
	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	resp := &model.Response{
		Content:    text.String(),
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: model.TokenUsage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if resp.Model == "" {
		resp.Model = requested
	}
	return resp, nil
}

// wrapError classifies SDK failures. Throttled (429) calls satisfy
// errors.Is(err, model.ErrRateLimited).
func wrapError(err error) error {
	var apiErr *sdk.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, "messages.new", 0, model.ProviderErrorKindUnknown, "", "", "", false, err)
	}
	kind, retryable := model.ClassifyStatus(apiErr.StatusCode)
	return model.NewProviderError(providerName, "messages.new", apiErr.StatusCode, kind, "", "", "", retryable, err)
}
