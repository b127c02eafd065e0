// Package llm defines the Provider interface for large language model backends.
//
// An LLM provider wraps a remote or local model API (OpenAI, Anthropic via
// any-llm-go, Gemini, a local Ollama instance) and exposes one blocking
// completion call. Replies are synthesised as a whole, so no streaming
// interface is needed.
//
// Implementations must be safe for concurrent use and must return promptly
// when ctx is cancelled.
package llm

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrEmptyResponse is returned by providers when the backend answers
	// without any reply text.
	ErrEmptyResponse = errors.New("llm: empty response")

	// ErrNoMessages is returned for a request without messages.
	ErrNoMessages = errors.New("llm: request has no messages")
)

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message is normally from
	// the user and drives the reply.
	Messages []Message

	// SystemPrompt is injected before Messages using the backend's native
	// system-instruction mechanism.
	SystemPrompt string

	// Temperature in [0.0, 2.0]. Zero means the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means the provider default.
	MaxTokens int
}

// Validate reports requests no backend can answer.
func (r CompletionRequest) Validate() error {
	if len(r.Messages) == 0 {
		return ErrNoMessages
	}
	return nil
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	// Content is the reply text.
	Content string

	// FinishReason reports why generation stopped ("stop", "length", ...).
	FinishReason string

	Usage Usage
}

// Reply assembles a [CompletionResponse], failing with [ErrEmptyResponse]
// when content is blank so a fallback backend gets a chance to answer.
func Reply(content, finishReason string, usage Usage) (*CompletionResponse, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyResponse
	}
	return &CompletionResponse{Content: content, FinishReason: finishReason, Usage: usage}, nil
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req to the model and waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities returns static metadata about the configured model.
	Capabilities() ModelCapabilities
}
