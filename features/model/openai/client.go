// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API. It translates interaction requests into chat
// completion calls using github.com/openai/openai-go and maps the first choice
// back into a model.Response.
package openai

import (
	"context"
	"errors"
	"fmt"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"goa.design/parley/runtime/interaction/model"
)

const providerName = "openai"

// ChatClient captures the subset of the openai-go client used by the adapter.
// It is satisfied by *openai.ChatCompletionService.
type ChatClient interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// MaxTokens caps completions when a request does not set MaxTokens. Zero
	// leaves the provider default.
	MaxTokens int
	// Temperature is used when a request does not specify Temperature.
	Temperature float64
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	maxTok int
	temp   float64
}

var _ model.Client = (*Client)(nil)

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a client using the default openai-go HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.NewClient(option.WithAPIKey(apiKey))
	return New(Options{Client: &oc.Chat.Completions, DefaultModel: defaultModel})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	msgs, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(modelID),
		Messages: msgs,
	}
	if n := req.MaxTokens; n > 0 {
		params.MaxCompletionTokens = openai.Int(int64(n))
	} else if c.maxTok > 0 {
		params.MaxCompletionTokens = openai.Int(int64(c.maxTok))
	}
	if t := req.Temperature; t > 0 {
		params.Temperature = openai.Float(t)
	} else if c.temp > 0 {
		params.Temperature = openai.Float(c.temp)
	}
	resp, err := c.chat.New(ctx, params)
	if err != nil {
		return nil, wrapError(err)
	}
	return translateResponse(resp, modelID)
}

func encodeMessages(req *model.Request) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	return out, nil
}

func translateResponse(resp *openai.ChatCompletion, requested string) (*model.Response, error) {
	if resp == nil || len(resp.Choices) == 0 {
		return nil, errors.New("openai: response has no choices")
	}
	choice := resp.Choices[0]
	out := &model.Response{
		Content:    choice.Message.Content,
		Model:      resp.Model,
		StopReason: choice.FinishReason,
		Usage: model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if out.Model == "" {
		out.Model = requested
	}
	return out, nil
}

// wrapError classifies SDK failures. Throttled (429) calls satisfy
// errors.Is(err, model.ErrRateLimited).
func wrapError(err error) error {
	var apiErr *openai.Error
	if !errors.As(err, &apiErr) {
		return model.NewProviderError(providerName, "chat.completions", 0, model.ProviderErrorKindUnknown, "", "", "", false, err)
	}
	kind, retryable := model.ClassifyStatus(apiErr.StatusCode)
	return model.NewProviderError(providerName, "chat.completions", apiErr.StatusCode, kind, apiErr.Code, apiErr.Message, "", retryable, err)
}
