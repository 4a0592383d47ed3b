package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/helixdesk/cortex/internal/retrieval"
	"github.com/helixdesk/cortex/internal/store"
)

// Action tag names the assistant may emit mid-stream.
const (
	tagGrep     = "GREP"
	tagVector   = "VECTOR"
	tagSquirrel = "SQUIRREL"
	tagEpisodic = "EPISODIC"
)

// maxTagLen bounds how much stream text the scanner withholds while waiting
// for a closing bracket. Anything longer is not a tag.
const maxTagLen = 512

var tagNames = []string{tagGrep, tagVector, tagSquirrel, tagEpisodic}

var (
	tagRe  = regexp.MustCompile(`^\[(GREP|VECTOR|SQUIRREL|EPISODIC)((?:\s+[a-z_]+="[^"\[\]]*")*)\s*\]$`)
	attrRe = regexp.MustCompile(`([a-z_]+)="([^"]*)"`)
)

// actionTag is one parsed bracket tag.
type actionTag struct {
	Name string
	Args map[string]string
	Raw  string
}

// tagScanner finds complete, well-formed action tags in a token stream.
//
// The scanner withholds text from the first plausible '[' until the tag either
// completes or is proven malformed; malformed and unterminated tags pass
// through as plain text. Feed returns the text safe to forward plus any tags
// completed by this fragment, and Flush releases whatever is still held when
// the stream ends.
type tagScanner struct {
	held string
}

func (s *tagScanner) Feed(text string) (string, []actionTag) {
	var out strings.Builder
	var tags []actionTag

	buf := s.held + text
	s.held = ""

	for {
		i := strings.IndexByte(buf, '[')
		if i < 0 {
			out.WriteString(buf)
			break
		}
		out.WriteString(buf[:i])
		rest := buf[i:]

		j := strings.IndexByte(rest[1:], ']')
		if j < 0 {
			if len(rest) <= maxTagLen && plausibleTagPrefix(rest) {
				s.held = rest
			} else {
				out.WriteByte('[')
				buf = rest[1:]
				continue
			}
			break
		}

		candidate := rest[:j+2]
		if tag, ok := parseTag(candidate); ok {
			tags = append(tags, tag)
			buf = rest[j+2:]
			continue
		}
		// Not a tag. Emit the bracket alone and rescan, so a real tag
		// starting inside the candidate is still found.
		out.WriteByte('[')
		buf = rest[1:]
	}
	return out.String(), tags
}

// Flush returns any withheld text. Call once at end of stream.
func (s *tagScanner) Flush() string {
	held := s.held
	s.held = ""
	return held
}

// plausibleTagPrefix reports whether s, which starts with '[', could still
// grow into a well-formed action tag.
func plausibleTagPrefix(s string) bool {
	body := s[1:]
	i := 0
	for i < len(body) && body[i] >= 'A' && body[i] <= 'Z' {
		i++
	}
	name := body[:i]
	if i == len(body) {
		for _, n := range tagNames {
			if strings.HasPrefix(n, name) {
				return true
			}
		}
		return false
	}
	return slices.Contains(tagNames, name)
}

func parseTag(raw string) (actionTag, bool) {
	m := tagRe.FindStringSubmatch(raw)
	if m == nil {
		return actionTag{}, false
	}
	args := map[string]string{}
	for _, kv := range attrRe.FindAllStringSubmatch(m[2], -1) {
		args[kv[1]] = kv[2]
	}
	return actionTag{Name: m[1], Args: args, Raw: raw}, true
}

// toolbox executes action tags against the storage backend under the
// caller's scopes. Results come back as plain text for re-injection.
type toolbox struct {
	backend  store.Backend
	embedder retrieval.Embedder
	resultK  int
	minScore float64
	log      *slog.Logger
}

const toolSnippetLen = 320

func (t *toolbox) run(ctx context.Context, tag actionTag, chunkScope, memoryScope store.Scope, fallbackQuery string) (string, error) {
	query := tag.Args["q"]
	if query == "" {
		query = tag.Args["term"]
	}
	if query == "" {
		query = fallbackQuery
	}

	switch tag.Name {
	case tagGrep:
		hits, err := t.backend.KeywordSearchChunks(ctx, chunkScope, query, t.resultK)
		if err != nil {
			return "", err
		}
		return formatChunkHits(hits), nil

	case tagVector:
		vec, err := t.embedder.Embed(ctx, query)
		if err != nil {
			return "", err
		}
		hits, err := t.backend.VectorSearchChunks(ctx, chunkScope, vec, t.resultK, t.minScore)
		if err != nil {
			return "", err
		}
		return formatChunkHits(hits), nil

	case tagSquirrel:
		vec, err := t.embedder.Embed(ctx, query)
		if err != nil {
			return "", err
		}
		hits, err := t.backend.VectorSearchNodes(ctx, memoryScope, vec, t.resultK, t.minScore)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "no results", nil
		}
		var b strings.Builder
		for i, hit := range hits {
			fmt.Fprintf(&b, "%d. User: %s\n   Assistant: %s\n",
				i+1, snippet(hit.Node.HumanContent), snippet(hit.Node.AssistantContent))
		}
		return b.String(), nil

	case tagEpisodic:
		vec, err := t.embedder.Embed(ctx, query)
		if err != nil {
			return "", err
		}
		hits, err := t.backend.VectorSearchEpisodes(ctx, memoryScope, vec, t.resultK, t.minScore)
		if err != nil {
			return "", err
		}
		if len(hits) == 0 {
			return "no results", nil
		}
		var b strings.Builder
		for i, hit := range hits {
			text := hit.Episode.Summary
			if text == "" {
				text = strings.Join(hit.Episode.Messages, " / ")
			}
			fmt.Fprintf(&b, "%d. %s\n", i+1, snippet(text))
		}
		return b.String(), nil
	}
	return "", fmt.Errorf("unknown action %q", tag.Name)
}

func formatChunkHits(hits []store.ScoredChunk) string {
	if len(hits) == 0 {
		return "no results"
	}
	var b strings.Builder
	for i, hit := range hits {
		title := hit.Chunk.SectionTitle
		if title == "" {
			title = hit.Chunk.SourceFile
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, title, snippet(hit.Chunk.Content))
	}
	return b.String()
}

func snippet(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= toolSnippetLen {
		return s
	}
	// Back up to a rune boundary so the cut never splits a UTF-8 sequence.
	cut := toolSnippetLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
