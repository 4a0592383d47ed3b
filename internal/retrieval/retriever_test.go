package retrieval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/store"
	storemock "github.com/helixdesk/cortex/internal/store/mock"
)

type fixedEmbedder struct {
	vec []float32
	err error
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.vec, f.err
}

func testRequest() Request {
	return Request{
		Query:       "how do I reset my password",
		ChunkScope:  store.DepartmentScope("acme", []string{"it"}),
		MemoryScope: store.UserScope("alice"),
	}
}

func scoredChunk(id string, cos, importance float64) store.ScoredChunk {
	return store.ScoredChunk{
		Chunk: store.DocumentChunk{
			ID: id, TenantID: "acme", DepartmentID: "it",
			Content: "content of " + id, Importance: importance,
			CreatedAt: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		},
		Score: cos,
	}
}

func TestRetrieveRanksAndCaps(t *testing.T) {
	backend := &storemock.Backend{
		ScoredChunks: []store.ScoredChunk{
			scoredChunk("c-low", 0.65, 0),
			scoredChunk("c-high", 0.95, 0),
			scoredChunk("c-mid", 0.80, 0),
		},
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{TopK: 2, PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Degraded {
		t.Error("unexpected degraded result")
	}
	if len(res.Passages) != 2 {
		t.Fatalf("got %d passages, want capped at 2", len(res.Passages))
	}
	if res.Passages[0].Chunk.ID != "c-high" || res.Passages[1].Chunk.ID != "c-mid" {
		t.Errorf("order = [%s %s], want [c-high c-mid]",
			res.Passages[0].Chunk.ID, res.Passages[1].Chunk.ID)
	}
	for i := 1; i < len(res.Passages); i++ {
		if res.Passages[i].Score > res.Passages[i-1].Score {
			t.Error("scores not non-increasing")
		}
	}
}

func TestRetrieveTieBreaksByImportance(t *testing.T) {
	backend := &storemock.Backend{
		ScoredChunks: []store.ScoredChunk{
			scoredChunk("c-plain", 0.8, 0.1),
			scoredChunk("c-important", 0.8, 0.9),
		},
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Passages[0].Chunk.ID != "c-important" {
		t.Errorf("first = %s, want c-important on tie", res.Passages[0].Chunk.ID)
	}
}

func TestQuestionsEmbeddingReweights(t *testing.T) {
	queryVec := []float32{1, 0}
	withQuestions := scoredChunk("c-q", 0.7, 0)
	withQuestions.Chunk.QuestionsEmbedding = []float32{1, 0} // cosine 1.0
	plain := scoredChunk("c-plain", 0.7, 0)

	backend := &storemock.Backend{ScoredChunks: []store.ScoredChunk{plain, withQuestions}}
	r := New(backend, &fixedEmbedder{vec: queryVec}, Config{PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	var qScore, plainScore float64
	for _, p := range res.Passages {
		switch p.Chunk.ID {
		case "c-q":
			qScore = p.Score
		case "c-plain":
			plainScore = p.Score
		}
	}
	// 0.30*0.7 + 0.50*1.0 = 0.71 versus 0.80*0.7 = 0.56.
	if qScore <= plainScore {
		t.Errorf("questions-bearing chunk scored %f <= plain %f", qScore, plainScore)
	}
	if plainScore < 0.55 || plainScore > 0.57 {
		t.Errorf("plain score = %f, want ~0.56 (0.80 reweight)", plainScore)
	}
}

func TestMemoryLaneIncluded(t *testing.T) {
	backend := &storemock.Backend{
		ScoredNodes: []store.ScoredNode{{
			Node:  store.MemoryNode{ID: "n1", UserID: "alice", HumanContent: "hi", AssistantContent: "hello"},
			Score: 0.9,
		}},
		ScoredEpisodes: []store.ScoredEpisode{{
			Episode: store.Episode{ID: "e1", UserID: "alice", Summary: "we set up the laptop"},
			Score:   0.85,
		}},
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	sources := map[string]bool{}
	for _, p := range res.Passages {
		sources[p.Source] = true
	}
	if !sources[SourceMemory] || !sources[SourceEpisode] {
		t.Errorf("sources = %v, want memory and episode lanes", sources)
	}
}

func TestEmbedderFailureDegradesToKeyword(t *testing.T) {
	backend := &storemock.Backend{
		KeywordChunks: []store.ScoredChunk{scoredChunk("c-kw", 0.5, 0)},
	}
	r := New(backend, &fixedEmbedder{err: fault.ErrEmbedderUnavailable}, Config{}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true")
	}
	if len(res.Passages) != 1 || res.Passages[0].Chunk.ID != "c-kw" {
		t.Errorf("passages = %v, want keyword hit", res.Passages)
	}
}

func TestAllLanesFailing(t *testing.T) {
	backend := &storemock.Backend{
		KeywordErr: errors.New("backend down"),
	}
	r := New(backend, &fixedEmbedder{err: fault.ErrEmbedderUnavailable}, Config{}, nil)

	_, err := r.Retrieve(context.Background(), testRequest())
	if !errors.Is(err, fault.ErrRetrievalFailed) {
		t.Errorf("err = %v, want ErrRetrievalFailed", err)
	}
}

func TestMemoryLaneFailureKeepsChunkResults(t *testing.T) {
	backend := &storemock.Backend{
		ScoredChunks:   []store.ScoredChunk{scoredChunk("c-high", 0.95, 0)},
		ScoredNodesErr: errors.New("node index missing"),
		EpisodesErr:    errors.New("episode index missing"),
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true with the memory lane down")
	}
	if len(res.Passages) != 1 || res.Passages[0].Chunk.ID != "c-high" {
		t.Fatalf("passages = %v, want the surviving chunk hit", res.Passages)
	}
}

func TestVectorSearchFailureFallsBackToKeywordHits(t *testing.T) {
	backend := &storemock.Backend{
		ChunksErr:     errors.New("index missing"),
		KeywordChunks: []store.ScoredChunk{scoredChunk("c-kw", 0.5, 0)},
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{PrereqTopN: -1}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if !res.Degraded {
		t.Error("Degraded = false, want true")
	}
	if len(res.Passages) != 1 || res.Passages[0].Chunk.ID != "c-kw" {
		t.Errorf("passages = %v, want keyword hit", res.Passages)
	}
}

func TestBothLanesDownFailsRetrieval(t *testing.T) {
	backend := &storemock.Backend{
		ChunksErr:      errors.New("chunk index down"),
		KeywordErr:     errors.New("fts down"),
		ScoredNodesErr: errors.New("node index down"),
		EpisodesErr:    errors.New("episode index down"),
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{}, nil)

	_, err := r.Retrieve(context.Background(), testRequest())
	if !errors.Is(err, fault.ErrRetrievalFailed) {
		t.Errorf("err = %v, want ErrRetrievalFailed", err)
	}
}

func TestPrerequisiteExpansion(t *testing.T) {
	top := scoredChunk("c-top", 0.9, 0)
	top.Chunk.Prerequisites = []string{"c-pre"}
	pre := store.DocumentChunk{ID: "c-pre", TenantID: "acme", DepartmentID: "it", Content: "read me first"}

	backend := &storemock.Backend{
		ScoredChunks:     []store.ScoredChunk{top},
		ChunksByIDResult: []store.DocumentChunk{pre},
	}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{}, nil)

	res, err := r.Retrieve(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Passages) != 2 {
		t.Fatalf("got %d passages, want ranked hit plus prerequisite", len(res.Passages))
	}
	if res.Passages[1].Chunk.ID != "c-pre" {
		t.Errorf("appended passage = %s, want c-pre", res.Passages[1].Chunk.ID)
	}
}

func TestIntentTagBonus(t *testing.T) {
	tagged := scoredChunk("c-tagged", 0.7, 0)
	tagged.Chunk.IntentTags = []string{"ACTION"}
	plain := scoredChunk("c-plain", 0.7, 0)

	backend := &storemock.Backend{ScoredChunks: []store.ScoredChunk{plain, tagged}}
	r := New(backend, &fixedEmbedder{vec: []float32{1, 0}}, Config{PrereqTopN: -1}, nil)

	req := testRequest()
	req.Intent = "ACTION"
	res, err := r.Retrieve(context.Background(), req)
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Passages[0].Chunk.ID != "c-tagged" {
		t.Errorf("first = %s, want intent-tagged chunk boosted", res.Passages[0].Chunk.ID)
	}
}
