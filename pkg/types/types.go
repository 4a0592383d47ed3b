// Package types holds the data shapes shared by the providers, the store,
// and the pipeline. Only cross-cutting types live here; everything
// domain-specific stays in its own package.
package types

// Message is one turn of a model conversation. Role is "system", "user",
// "assistant", or "tool".
type Message struct {
	Role    string
	Content string

	// Name identifies the speaker in multi-participant contexts. Optional.
	Name string

	// ToolCalls are the invocations an assistant turn requested.
	ToolCalls []ToolCall

	// ToolCallID links a tool-role turn back to the call it answers.
	ToolCallID string
}

// ToolCall is one function invocation requested by a model. Arguments is
// the raw JSON string as the backend produced it.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition describes a tool offered to a model. Parameters is a JSON
// Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any

	// Idempotent marks tools that are safe to retry after a failure.
	Idempotent bool
}

// ModelCapabilities is static metadata about one model.
type ModelCapabilities struct {
	// ContextWindow bounds input plus output tokens.
	ContextWindow int

	// MaxOutputTokens bounds a single completion.
	MaxOutputTokens int

	SupportsToolCalling bool
	SupportsVision      bool
	SupportsStreaming   bool
}
