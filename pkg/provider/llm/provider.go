// Package llm defines the Provider interface for language-model backends.
//
// The dialog orchestrator never talks to a model SDK directly. It goes through
// internal/backend, which turns a finished utterance into a CompletionRequest
// and hands it to whichever Provider was selected at construction time
// (any-llm-go, OpenAI, or a test double).
//
// Implementations must be safe for concurrent use. Channels returned by
// StreamCompletion are closed by the implementation when the stream ends or the
// context is cancelled.
package llm

import (
	"context"

	"github.com/MrWong99/vigil/pkg/types"
)

// FinishReasonError marks a streamed chunk that carries a mid-stream failure in
// its Text field.
const FinishReasonError = "error"

// CompletionRequest carries the prompt for a single assistant reply.
type CompletionRequest struct {
	// SystemPrompt is the personality prompt. Providers without a dedicated
	// system field prepend it as a "system" message.
	SystemPrompt string

	// Messages is the conversation window, oldest first. The last entry is the
	// user's utterance.
	Messages []types.Message

	// Temperature in [0.0, 2.0]. Zero uses the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero uses the provider default.
	MaxTokens int
}

// Usage is the token accounting reported by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Chunk is one fragment of a streamed completion.
type Chunk struct {
	Text string

	// FinishReason is empty for intermediate chunks and set on the last one
	// ("stop", "length" or FinishReasonError).
	FinishReason string
}

// CompletionResponse is the result of Complete.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// ModelCapabilities describes static limits of the configured model.
type ModelCapabilities struct {
	ContextWindow     int
	MaxOutputTokens   int
	SupportsStreaming bool
}

// Provider is the abstraction over a language-model backend.
type Provider interface {
	// StreamCompletion starts a streamed completion. The returned channel is
	// never nil when err is nil and is closed when generation ends or ctx is
	// cancelled. Failures after the stream started arrive as a chunk with
	// FinishReason == FinishReasonError.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the full reply.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Capabilities is constant for the lifetime of the provider.
	Capabilities() ModelCapabilities
}
