package llm

import "github.com/helixdesk/cortex/pkg/types"

// ToolCallAssembler stitches streamed tool-call fragments back into whole
// calls. Backends deliver a call's id, name, and argument JSON spread over
// several chunks, keyed by the call's index; Add merges each fragment and
// Calls returns the finished set for the terminal chunk.
//
// Not safe for concurrent use; one assembler per stream.
type ToolCallAssembler struct {
	calls []types.ToolCall
	any   bool
}

// Add merges one fragment into the call at idx.
func (a *ToolCallAssembler) Add(idx int, id, name, arguments string) {
	for len(a.calls) <= idx {
		a.calls = append(a.calls, types.ToolCall{})
	}
	c := &a.calls[idx]
	if id != "" {
		c.ID = id
	}
	if name != "" {
		c.Name = name
	}
	c.Arguments += arguments
	a.any = true
}

// Calls returns the assembled tool calls, or nil when none were seen.
func (a *ToolCallAssembler) Calls() []types.ToolCall {
	if !a.any {
		return nil
	}
	return a.calls
}
