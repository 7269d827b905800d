// Package model defines the provider-agnostic model call used by the
// interaction runtime. Agents are backed by a remote language model; this
// package captures the single text-in/text-out contract the runtime needs so
// that provider adapters (Anthropic, Bedrock, OpenAI) and the scripted test
// client are interchangeable.
package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type (
	// Client defines the contract the runtime uses to invoke a model.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider-specific formats. Clients must be safe for concurrent use.
	Client interface {
		// Complete sends a request to the model provider and returns the
		// generated response. Implementations add ErrRateLimited to the
		// returned error chain when the provider throttles the call so the
		// rate limiter can classify it without string matching.
		Complete(ctx context.Context, req *Request) (*Response, error)
	}

	// Request captures the normalized parameters of a model invocation.
	Request struct {
		// Model is the provider-specific model identifier. Empty selects the
		// client default.
		Model string
		// System is the agent system prompt.
		System string
		// Messages is the ordered conversation sent to the model.
		Messages []Message
		// MaxTokens caps the completion length. Zero selects the client
		// default.
		MaxTokens int
		// Temperature controls sampling. Zero selects the client default.
		Temperature float64
	}

	// Response is the generated completion.
	Response struct {
		// Content is the assistant text.
		Content string
		// Model is the model that produced the response.
		Model string
		// Usage reports token counts when the provider returns them.
		Usage TokenUsage
		// StopReason is the provider stop reason, when known.
		StopReason string
	}

	// Message is one conversation entry.
	Message struct {
		// Role is one of RoleUser, RoleAssistant or RoleSystem.
		Role Role
		// Content is the message text.
		Content string
	}

	// Role identifies the author of a message.
	Role string

	// TokenUsage records prompt and completion token counts.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
	}
)

const (
	// RoleUser marks end-user or controller input.
	RoleUser Role = "user"
	// RoleAssistant marks model output.
	RoleAssistant Role = "assistant"
	// RoleSystem marks instructions.
	RoleSystem Role = "system"
)

// ErrRateLimited indicates the provider throttled the request.
var ErrRateLimited = errors.New("model: rate limited")

// Total returns the sum of input and output tokens.
func (u TokenUsage) Total() int { return u.InputTokens + u.OutputTokens }

// UserMessage returns a user message with the given content.
func UserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// AssistantMessage returns an assistant message with the given content.
func AssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// Summarize asks client for a summary of text of roughly maxLength characters.
// It is used to compact long conversations before they exceed the token
// budget. The returned response carries the trimmed summary and the usage of
// the call.
func Summarize(ctx context.Context, client Client, modelID, text string, maxLength int) (*Response, error) {
	if client == nil {
		return nil, errors.New("model client is required")
	}
	if maxLength <= 0 {
		maxLength = 500
	}
	resp, err := client.Complete(ctx, &Request{
		Model:       modelID,
		Messages:    []Message{UserMessage(fmt.Sprintf("Summarize the following in approximately %d characters:\n\n%s", maxLength, text))},
		MaxTokens:   1024,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	out := *resp
	out.Content = strings.TrimSpace(resp.Content)
	return &out, nil
}
