// Package llm abstracts the chat model backends the gateway answers with.
//
// A Provider wraps one backend (OpenAI's API, an any-llm adapter, a local
// Ollama server) behind a uniform completion surface, so the streaming
// pipeline never touches an SDK directly. Implementations must be safe for
// concurrent use and must close the channels they return when the stream
// ends or the context is canceled.
package llm

import (
	"context"

	"github.com/helixdesk/cortex/pkg/types"
)

// Usage is the backend's token accounting for one exchange. Counts are in
// the model's own token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest is one model invocation. Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the conversation so far, oldest first.
	Messages []types.Message

	// Tools offered to the model. Ignored by backends without tool calling;
	// check Capabilities().SupportsToolCalling before relying on them.
	Tools []types.ToolDefinition

	// Temperature in [0, 2]. Zero uses the backend default.
	Temperature float64

	// MaxTokens caps the completion length. Zero uses the backend default.
	MaxTokens int

	// SystemPrompt is injected ahead of Messages. Backends without a native
	// system slot prepend it as a system-role message.
	SystemPrompt string
}

// Chunk is one fragment of a streamed completion. Any combination of the
// fields may be set on a single chunk.
type Chunk struct {
	Text string

	// FinishReason is set on the terminal chunk: "stop", "length",
	// "tool_calls", or "error" when the stream broke after it was opened.
	FinishReason string

	ToolCalls []types.ToolCall
}

// CompletionResponse is the full, non-streamed reply.
type CompletionResponse struct {
	// Content is empty when the model answered only with tool calls.
	Content string

	ToolCalls []types.ToolCall
	Usage     Usage
}

// Provider is one chat model backend.
type Provider interface {
	// StreamCompletion opens a completion stream. The returned channel is
	// never nil when err is nil, is closed by the implementation, and must
	// be drained by the caller. Failures before the first chunk come back
	// as the error; failures after come through the channel as a chunk
	// with FinishReason "error".
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)

	// Complete waits for the whole reply. For callers that do not want to
	// manage a channel.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the context-window cost of messages. Estimates
	// may be rough but should not undercount.
	CountTokens(messages []types.Message) (int, error)

	// Capabilities is static model metadata, constant for the provider's
	// lifetime.
	Capabilities() types.ModelCapabilities
}
