// Package llm defines the vendor-agnostic contract for language model
// providers and the resilient invocation layer wrapped around them.
package llm

import "context"

// CompletionRequest describes one completion call to a provider.
type CompletionRequest struct {
	// Prompt is the user-facing prompt text.
	Prompt string

	// SystemInstruction optionally steers the model.
	SystemInstruction string

	// MaxOutputTokens caps the response length. Zero means provider default.
	MaxOutputTokens int

	// Temperature, when non-nil, overrides the provider default.
	Temperature *float64
}

// CompletionResponse is the terminal result of a completion call.
type CompletionResponse struct {
	Text         string
	ModelName    string
	FinishReason string

	// Token accounting as reported by the provider; zero when unreported.
	PromptTokens int
	OutputTokens int
}

// StreamChunk is one element of a streaming completion. The stream is a
// finite, non-restartable sequence terminated by a chunk with Done=true.
// A non-nil Err terminates the stream with a failure; no further chunks
// follow it.
type StreamChunk struct {
	Delta string
	Done  bool
	Err   error
}

// Provider is implemented by each concrete LLM vendor adapter. All
// methods must classify their failures with retry.ClassifiedError so the
// invocation layer can decide whether to retry.
type Provider interface {
	// Name identifies the vendor, e.g. "gemini".
	Name() string

	// CreateCompletion performs a single blocking completion call.
	CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CreateStreamingCompletion starts a streaming completion. The
	// returned channel is closed after the final chunk. Cancelling ctx
	// cancels the stream and releases the underlying connection.
	CreateStreamingCompletion(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)

	// HealthCheck verifies the provider is reachable with the configured
	// credentials.
	HealthCheck(ctx context.Context) error
}
