package llm

import (
	"strings"

	"github.com/helixdesk/cortex/pkg/types"
)

// capabilityRule maps a model-name fragment to its capabilities. Rules are
// checked in order; the first match wins, so specific names come before
// family catch-alls.
type capabilityRule struct {
	match func(string) bool
	caps  types.ModelCapabilities
}

func prefix(p string) func(string) bool   { return func(m string) bool { return strings.HasPrefix(m, p) } }
func fragment(f string) func(string) bool { return func(m string) bool { return strings.Contains(m, f) } }

var capabilityRules = []capabilityRule{
	// OpenAI chat models.
	{prefix("gpt-4o"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 16_384, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("gpt-4-turbo"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 4_096, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("gpt-4"), types.ModelCapabilities{ContextWindow: 8_192, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("gpt-3.5-turbo"), types.ModelCapabilities{ContextWindow: 16_385, MaxOutputTokens: 4_096, SupportsToolCalling: true, SupportsStreaming: true}},

	// OpenAI reasoning models. o1-mini has no tool calling.
	{prefix("o1-mini"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 65_536, SupportsStreaming: true}},
	{prefix("o1"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("o3-mini"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("o3"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 100_000, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},

	// Anthropic. Opus caps output lower than the rest of the family.
	{fragment("claude-3-opus"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 4_096, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("claude"), types.ModelCapabilities{ContextWindow: 200_000, MaxOutputTokens: 8_192, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},

	// Google.
	{fragment("gemini-1.5-pro"), types.ModelCapabilities{ContextWindow: 2_097_152, MaxOutputTokens: 8_192, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{fragment("gemini-2.0-flash"), types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{fragment("gemini-1.5-flash"), types.ModelCapabilities{ContextWindow: 1_048_576, MaxOutputTokens: 8_192, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
	{prefix("gemini"), types.ModelCapabilities{ContextWindow: 128_000, MaxOutputTokens: 8_192, SupportsVision: true, SupportsToolCalling: true, SupportsStreaming: true}},
}

// CapabilitiesFor looks up static capabilities by model name,
// case-insensitively. Unknown models get conservative defaults rather than
// an error: a 128k window, tool calling, and streaming.
func CapabilitiesFor(model string) types.ModelCapabilities {
	lower := strings.ToLower(model)
	for _, rule := range capabilityRules {
		if rule.match(lower) {
			return rule.caps
		}
	}
	return types.ModelCapabilities{
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
		SupportsToolCalling: true,
		SupportsStreaming:   true,
	}
}

// EstimateTokens approximates the context cost of messages without a
// tokenizer: four bytes per token plus a per-message framing overhead. Good
// enough for budget checks, which only need to not undercount badly.
func EstimateTokens(messages []types.Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content) + 3) / 4
		total += 4
	}
	return total
}
