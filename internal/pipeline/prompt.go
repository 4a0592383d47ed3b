package pipeline

import (
	"fmt"
	"strings"

	"github.com/helixdesk/cortex/internal/retrieval"
)

const defaultPersona = "You are a helpful workplace assistant. Answer from the provided context when it is relevant, and say so when it is not."

const actionGrammar = `You may look up additional information mid-answer by emitting exactly one action tag on its own:
[GREP term="..."] keyword search over the knowledge base
[VECTOR q="..."] semantic search over the knowledge base
[SQUIRREL q="..."] recall earlier conversation exchanges
[EPISODIC q="..."] recall summaries of past conversations
The result is injected back into the conversation; continue your answer from it.`

// approxTokens is the fallback token estimate used when no tokenizer is
// available: one token per four bytes, minimum one.
func approxTokens(s string) int {
	return len(s)/4 + 1
}

// buildSystemPrompt assembles the system prompt from the tenant persona, the
// action grammar, and as many ranked passages as fit the token budget.
// Passages are dropped lowest-ranked first. Returns the prompt and the
// passages actually included.
func buildSystemPrompt(persona string, passages []retrieval.Passage, budget int) (string, []retrieval.Passage) {
	if persona == "" {
		persona = defaultPersona
	}

	var kept []retrieval.Passage
	used := 0
	for _, p := range passages {
		cost := approxTokens(p.Content())
		if used+cost > budget {
			break
		}
		used += cost
		kept = append(kept, p)
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(actionGrammar)

	if len(kept) > 0 {
		b.WriteString("\n\nContext:\n")
		for i, p := range kept {
			fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, p.Source, p.Content())
		}
	}
	return b.String(), kept
}
