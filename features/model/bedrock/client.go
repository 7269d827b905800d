// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It splits system and conversational messages, issues
// a Converse call and translates the text blocks and usage of the reply back
// into a model.Response.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"goa.design/parley/runtime/interaction/model"
	"goa.design/parley/runtime/interaction/telemetry"
)

const bedrockProviderName = "bedrock"

// RuntimeClient mirrors the subset of the AWS Bedrock runtime client required
// by the adapter. It matches *bedrockruntime.Client so callers can pass either
// the real client or a mock in tests.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the Bedrock client adapter.
type Options struct {
	// Runtime provides access to the Bedrock runtime. Required.
	Runtime RuntimeClient

	// DefaultModel is the default model identifier (e.g., a Claude Sonnet
	// inference profile).
	DefaultModel string

	// MaxTokens sets the default completion cap when a request does not specify
	// MaxTokens. When zero or negative, the client omits MaxTokens so Bedrock
	// uses its own default.
	MaxTokens int

	// Temperature is used when a request does not specify Temperature.
	Temperature float32

	// Logger is used for non-fatal diagnostics inside the Bedrock adapter.
	// When nil, defaults to a no-op logger.
	Logger telemetry.Logger
}

// Client implements model.Client via the Bedrock Converse API.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTok       int
	temp         float32
	logger       telemetry.Logger
}

var _ model.Client = (*Client)(nil)

// New builds a Bedrock-backed model client.
func New(opts Options) (*Client, error) {
	if opts.Runtime == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Client{
		runtime:      opts.Runtime,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		logger:       logger,
	}, nil
}

// NewFromConfig builds a client from an AWS configuration.
func NewFromConfig(cfg aws.Config, defaultModel string) (*Client, error) {
	return New(Options{Runtime: bedrockruntime.NewFromConfig(cfg), DefaultModel: defaultModel})
}

// Complete issues a Converse request and concatenates the text blocks of the
// reply.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	msgs, system, err := encodeMessages(req)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(modelID),
		Messages:        msgs,
		System:          system,
		InferenceConfig: c.inferenceConfig(req.MaxTokens, float32(req.Temperature)),
	}
	output, err := c.runtime.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError("converse", err)
	}
	resp, err := translateResponse(output, modelID)
	if err != nil {
		return nil, err
	}
	if resp.Content == "" {
		c.logger.Warn(ctx, "bedrock returned no text", "model", modelID, "stop_reason", resp.StopReason)
	}
	return resp, nil
}

func (c *Client) inferenceConfig(maxTokens int, temp float32) *brtypes.InferenceConfiguration {
	var cfg brtypes.InferenceConfiguration
	if n := c.effectiveMaxTokens(maxTokens); n > 0 {
		cfg.MaxTokens = aws.Int32(int32(n))
	}
	if t := c.effectiveTemperature(temp); t > 0 {
		cfg.Temperature = aws.Float32(t)
	}
	if cfg.MaxTokens == nil && cfg.Temperature == nil {
		return nil
	}
	return &cfg
}

func (c *Client) effectiveMaxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	return c.maxTok
}

func (c *Client) effectiveTemperature(requested float32) float32 {
	if requested > 0 {
		return requested
	}
	return c.temp
}

// encodeMessages converts the conversation into Bedrock messages. Consecutive
// messages with the same role are merged because Converse requires strict
// user/assistant alternation.
func encodeMessages(req *model.Request) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	var system []brtypes.SystemContentBlock
	if s := strings.TrimSpace(req.System); s != "" {
		system = append(system, &brtypes.SystemContentBlockMemberText{Value: s})
	}
	var out []brtypes.Message
	for _, m := range req.Messages {
		var role brtypes.ConversationRole
		switch m.Role {
		case model.RoleSystem:
			if m.Content != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
			}
			continue
		case model.RoleUser:
			role = brtypes.ConversationRoleUser
		case model.RoleAssistant:
			role = brtypes.ConversationRoleAssistant
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
		block := &brtypes.ContentBlockMemberText{Value: m.Content}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			continue
		}
		out = append(out, brtypes.Message{Role: role, Content: []brtypes.ContentBlock{block}})
	}
	if len(out) == 0 {
		return nil, nil, errors.New("bedrock: at least one user or assistant message is required")
	}
	return out, system, nil
}

func translateResponse(output *bedrockruntime.ConverseOutput, modelID string) (*model.Response, error) {
	if output == nil {
		return nil, errors.New("bedrock: response is nil")
	}
	resp := &model.Response{Model: modelID, StopReason: string(output.StopReason)}
	if msg, ok := output.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range msg.Value.Content {
			if v, ok := block.(*brtypes.ContentBlockMemberText); ok {
				text.WriteString(v.Value)
			}
		}
		resp.Content = text.String()
	}
	if usage := output.Usage; usage != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(usage.InputTokens)),
			OutputTokens: int(aws.ToInt32(usage.OutputTokens)),
		}
	}
	return resp, nil
}

// isRateLimited reports whether err represents a provider rate limiting
// condition. It treats both HTTP 429 responses and provider error codes like
// ThrottlingException as rate-limited signals and is idempotent when
// ErrRateLimited is already present in the error chain.
func isRateLimited(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, model.ErrRateLimited) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return true
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return true
	}
	return false
}

func wrapBedrockError(operation string, err error) error {
	if isRateLimited(err) {
		pe := model.NewProviderError(bedrockProviderName, operation, http.StatusTooManyRequests, model.ProviderErrorKindRateLimited, "rate_limited", "", "", true, err)
		return errors.Join(model.ErrRateLimited, pe)
	}

	var (
		status int
		code   string
		msg    string
	)
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
		msg = apiErr.ErrorMessage()
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) {
		status = respErr.HTTPStatusCode()
	}
	kind, retryable := model.ClassifyStatus(status)
	return model.NewProviderError(bedrockProviderName, operation, status, kind, code, msg, "", retryable, err)
}
