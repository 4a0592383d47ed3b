package gateway

import "github.com/helixdesk/cortex/internal/retrieval"

// Inbound frame types.
const (
	frameMessage    = "message"
	frameVoiceStart = "voice_start"
	frameVoiceChunk = "voice_chunk"
	frameVoiceStop  = "voice_stop"
	frameCancel     = "cancel"
)

// inboundFrame is one client-to-server chat frame. Unused fields stay empty
// depending on Type.
type inboundFrame struct {
	Type        string   `json:"type"`
	Content     string   `json:"content,omitempty"`
	Department  string   `json:"department,omitempty"`
	Language    string   `json:"language,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
	Data        string   `json:"data,omitempty"`
}

// outboundFrame is one server-to-client chat frame.
type outboundFrame struct {
	Type string `json:"type"`

	// token
	Text string `json:"text,omitempty"`

	// trace
	Step string         `json:"step,omitempty"`
	Data map[string]any `json:"data,omitempty"`

	// citation
	Passages []citation `json:"passages,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`

	// done
	QueryID   string `json:"query_id,omitempty"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
}

// citation is the client-facing shape of one retrieved passage.
type citation struct {
	Source string  `json:"source"`
	ID     string  `json:"id"`
	Title  string  `json:"title,omitempty"`
	Score  float64 `json:"score"`
}

func tokenFrame(text string) outboundFrame {
	return outboundFrame{Type: "token", Text: text}
}

func traceFrame(step string, data map[string]any) outboundFrame {
	return outboundFrame{Type: "trace", Step: step, Data: data}
}

func errorFrame(code, message string) outboundFrame {
	return outboundFrame{Type: "error", Code: code, Message: message}
}

func doneFrame(queryID string, elapsedMs int64) outboundFrame {
	return outboundFrame{Type: "done", QueryID: queryID, ElapsedMs: elapsedMs}
}

func citationFrame(passages []retrieval.Passage) outboundFrame {
	cites := make([]citation, 0, len(passages))
	for _, p := range passages {
		c := citation{Source: p.Source, Score: p.Score}
		switch {
		case p.Chunk != nil:
			c.ID = p.Chunk.ID
			c.Title = p.Chunk.SectionTitle
			if c.Title == "" {
				c.Title = p.Chunk.SourceFile
			}
		case p.Node != nil:
			c.ID = p.Node.ID
		case p.Episode != nil:
			c.ID = p.Episode.ID
			c.Title = p.Episode.Summary
		}
		cites = append(cites, c)
	}
	return outboundFrame{Type: "citation", Passages: cites}
}
