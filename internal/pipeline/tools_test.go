package pipeline

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/helixdesk/cortex/internal/store"
	storemock "github.com/helixdesk/cortex/internal/store/mock"
)

func feedAll(s *tagScanner, fragments ...string) (string, []actionTag) {
	var out strings.Builder
	var tags []actionTag
	for _, f := range fragments {
		plain, found := s.Feed(f)
		out.WriteString(plain)
		tags = append(tags, found...)
	}
	out.WriteString(s.Flush())
	return out.String(), tags
}

func TestScannerFindsTagInOneFragment(t *testing.T) {
	plain, tags := feedAll(&tagScanner{}, `before [GREP term="vpn setup"] after`)
	if plain != "before  after" {
		t.Errorf("plain = %q, want tag stripped", plain)
	}
	if len(tags) != 1 || tags[0].Name != "GREP" || tags[0].Args["term"] != "vpn setup" {
		t.Fatalf("tags = %+v, want one GREP", tags)
	}
}

func TestScannerFindsTagSplitAcrossFragments(t *testing.T) {
	plain, tags := feedAll(&tagScanner{}, "check [VEC", `TOR q="ren`, `ewal"] done`)
	if plain != "check  done" {
		t.Errorf("plain = %q", plain)
	}
	if len(tags) != 1 || tags[0].Name != "VECTOR" || tags[0].Args["q"] != "renewal" {
		t.Fatalf("tags = %+v, want one VECTOR", tags)
	}
}

func TestScannerMalformedTagPassesThrough(t *testing.T) {
	raw := `[GREP term=unquoted]`
	plain, tags := feedAll(&tagScanner{}, raw)
	if len(tags) != 0 {
		t.Fatalf("tags = %+v, want none for malformed tag", tags)
	}
	if plain != raw {
		t.Errorf("plain = %q, want malformed tag verbatim", plain)
	}
}

func TestScannerOrdinaryBracketsPassThrough(t *testing.T) {
	raw := "see [section 3] for details"
	plain, tags := feedAll(&tagScanner{}, raw)
	if len(tags) != 0 || plain != raw {
		t.Errorf("plain = %q tags = %v, want untouched text", plain, tags)
	}
}

func TestScannerUnterminatedTagFlushes(t *testing.T) {
	plain, tags := feedAll(&tagScanner{}, `trailing [GREP term="never closed`)
	if len(tags) != 0 {
		t.Fatalf("tags = %+v, want none", tags)
	}
	if plain != `trailing [GREP term="never closed` {
		t.Errorf("plain = %q, want held text released on flush", plain)
	}
}

func TestScannerTagAfterStrayBracket(t *testing.T) {
	plain, tags := feedAll(&tagScanner{}, `[x [EPISODIC q="offsite"]`)
	if len(tags) != 1 || tags[0].Name != "EPISODIC" {
		t.Fatalf("tags = %+v, want EPISODIC found after stray bracket", tags)
	}
	if plain != "[x " {
		t.Errorf("plain = %q", plain)
	}
}

func TestScannerBareTagWithoutArgs(t *testing.T) {
	_, tags := feedAll(&tagScanner{}, "[SQUIRREL]")
	if len(tags) != 1 || tags[0].Name != "SQUIRREL" || len(tags[0].Args) != 0 {
		t.Fatalf("tags = %+v, want bare SQUIRREL", tags)
	}
}

func TestSnippetCutsOnRuneBoundary(t *testing.T) {
	// Fill to one byte short of the cap, then add a 2-byte rune across it.
	long := strings.Repeat("a", toolSnippetLen-1) + "é tail"
	got := snippet(long)
	if !utf8.ValidString(got) {
		t.Errorf("snippet produced invalid UTF-8: %q", got[len(got)-8:])
	}
	if want := strings.Repeat("a", toolSnippetLen-1) + "…"; got != want {
		t.Errorf("snippet cut at %d bytes, want the é dropped whole", len(got))
	}
}

func TestToolboxGrepUsesKeywordSearch(t *testing.T) {
	backend := &storemock.Backend{
		KeywordChunks: []store.ScoredChunk{{
			Chunk: store.DocumentChunk{SectionTitle: "VPN", Content: "install the client"},
			Score: 0.8,
		}},
	}
	tb := &toolbox{backend: backend, resultK: 5, minScore: 0.5}

	out, err := tb.run(context.Background(), actionTag{Name: "GREP", Args: map[string]string{"term": "vpn"}},
		store.DepartmentScope("acme", []string{"it"}), store.UserScope("alice"), "fallback")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(out, "install the client") {
		t.Errorf("out = %q, want chunk content", out)
	}
	if got := backend.Calls[0]; got != "KeywordSearchChunks" {
		t.Errorf("dispatched %s, want KeywordSearchChunks", got)
	}
}

func TestToolboxEpisodicFallsBackToQuery(t *testing.T) {
	backend := &storemock.Backend{}
	tb := &toolbox{backend: backend, embedder: &fixedEmbedder{vec: []float32{1}}, resultK: 5, minScore: 0.5}

	out, err := tb.run(context.Background(), actionTag{Name: "EPISODIC", Args: map[string]string{}},
		store.TenantScope("acme"), store.UserScope("alice"), "what did we decide")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "no results" {
		t.Errorf("out = %q, want empty-result sentinel", out)
	}
	if backend.Calls[0] != "VectorSearchEpisodes" {
		t.Errorf("dispatched %s, want VectorSearchEpisodes", backend.Calls[0])
	}
}
