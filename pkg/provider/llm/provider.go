// Package llm defines the completion contract parley uses to drive
// general-purpose language models as translators.
//
// Implementations wrap a remote model API behind a single blocking Complete
// call. They must be safe for concurrent use and return promptly once ctx is
// cancelled.
package llm

import (
	"context"
	"errors"
)

// ErrTruncated is returned when the model stopped at the token limit. A cut-off
// translation is never spoken.
var ErrTruncated = errors.New("llm: reply truncated at token limit")

// ErrEmptyReply is returned when the model answered with no text.
var ErrEmptyReply = errors.New("llm: empty reply")

// Message roles understood by every provider.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a completion request.
type Message struct {
	// Role is one of RoleSystem, RoleUser or RoleAssistant.
	Role string

	// Content is the text of the message.
	Content string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// Messages must be non-empty.
type CompletionRequest struct {
	// SystemPrompt is sent ahead of Messages using the provider's native
	// system channel.
	SystemPrompt string

	// Messages is the ordered conversation. The last one drives the reply.
	Messages []Message

	// Temperature in [0, 2]. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int
}

// CompletionResponse is the model's full reply.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the whole reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
