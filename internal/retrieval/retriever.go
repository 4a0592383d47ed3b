// Package retrieval implements the dual retriever: a process lane over
// tenant document chunks and a memory lane over the caller's conversational
// memory, fanned out in parallel and fused into one ranked passage list.
package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/store"
)

// Passage source labels.
const (
	SourceChunk   = "chunk"
	SourceMemory  = "memory"
	SourceEpisode = "episode"
)

// Weights are the score fusion coefficients.
type Weights struct {
	Content     float64
	Questions   float64
	TypeBonus   float64
	EntityBonus float64
}

// DefaultWeights returns the stock fusion weights.
func DefaultWeights() Weights {
	return Weights{Content: 0.30, Questions: 0.50, TypeBonus: 0.10, EntityBonus: 0.10}
}

// contentOnlyWeight replaces Content when a chunk has no synthetic-question
// embedding to score against.
const contentOnlyWeight = 0.80

// Config tunes the retriever. The zero value is completed with defaults.
type Config struct {
	Weights Weights

	// MinScore is the similarity floor; a chunk passes when either its
	// content or its questions cosine reaches it. Default 0.6.
	MinScore float64

	// TopK caps the fused result list. Default 20.
	TopK int

	// LaneK is the per-lane fetch size before fusion. Default 2*TopK.
	LaneK int

	// PrereqTopN is how many top passages get prerequisite expansion.
	// Default 3; zero disables nothing (use -1 to disable).
	PrereqTopN int
}

func (c Config) withDefaults() Config {
	if c.Weights == (Weights{}) {
		c.Weights = DefaultWeights()
	}
	if c.MinScore == 0 {
		c.MinScore = 0.6
	}
	if c.TopK <= 0 {
		c.TopK = 20
	}
	if c.LaneK <= 0 {
		c.LaneK = 2 * c.TopK
	}
	if c.PrereqTopN == 0 {
		c.PrereqTopN = 3
	}
	return c
}

// Embedder is the slice of the embed client the retriever needs.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Request is one retrieval invocation.
type Request struct {
	// Query is the user's text.
	Query string

	// ChunkScope bounds the process lane. Empty scope yields no chunks.
	ChunkScope store.Scope

	// MemoryScope bounds the memory lane. Empty scope yields no memory.
	MemoryScope store.Scope

	// Intent, when set, feeds the type bonus against chunk intent tags.
	Intent string
}

// Passage is one ranked result. Exactly one of Chunk, Node, Episode is set.
type Passage struct {
	Source  string
	Chunk   *store.DocumentChunk
	Node    *store.MemoryNode
	Episode *store.Episode

	// Score is the fused ranking score.
	Score float64
}

// Content returns the passage's text regardless of source.
func (p Passage) Content() string {
	switch {
	case p.Chunk != nil:
		return p.Chunk.Content
	case p.Node != nil:
		return "User: " + p.Node.HumanContent + "\nAssistant: " + p.Node.AssistantContent
	case p.Episode != nil:
		return p.Episode.Summary
	}
	return ""
}

// Result is a ranked passage list. Degraded marks keyword-only retrieval
// after an embedder failure.
type Result struct {
	Passages []Passage
	Degraded bool
}

// Retriever fans out the search lanes and fuses their results.
type Retriever struct {
	backend  store.Backend
	embedder Embedder
	cfg      Config
	log      *slog.Logger
}

// New creates a retriever.
func New(backend store.Backend, embedder Embedder, cfg Config, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{backend: backend, embedder: embedder, cfg: cfg.withDefaults(), log: log}
}

// Retrieve runs the dual retrieval for req. The caller bounds the total
// duration through ctx. Failures degrade, not abort: on embedder failure the
// keyword search alone serves a degraded result, and a broken search drops
// its lane while the survivors still rank. The call errors with
// fault.ErrRetrievalFailed only when both the process lane (chunk vector and
// keyword) and the memory lane (nodes and episodes) are down.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (Result, error) {
	queryVec, embErr := r.embedder.Embed(ctx, req.Query)
	if embErr != nil {
		r.log.Warn("embedder unavailable, keyword-only retrieval", "error", embErr)
		return r.keywordOnly(ctx, req)
	}

	var (
		chunkHits   []store.ScoredChunk
		keywordHits []store.ScoredChunk
		nodeHits    []store.ScoredNode
		episodeHits []store.ScoredEpisode

		chunkErr, keywordErr, nodeErr, episodeErr error
	)

	// The searches fail independently: each goroutine records its own error
	// and returns nil so one broken search cannot cancel the others.
	var g errgroup.Group
	g.Go(func() error {
		chunkHits, chunkErr = r.backend.VectorSearchChunks(ctx, req.ChunkScope, queryVec, r.cfg.LaneK, r.cfg.MinScore)
		return nil
	})
	g.Go(func() error {
		keywordHits, keywordErr = r.backend.KeywordSearchChunks(ctx, req.ChunkScope, req.Query, r.cfg.LaneK)
		return nil
	})
	g.Go(func() error {
		nodeHits, nodeErr = r.backend.VectorSearchNodes(ctx, req.MemoryScope, queryVec, r.cfg.LaneK, r.cfg.MinScore)
		return nil
	})
	g.Go(func() error {
		episodeHits, episodeErr = r.backend.VectorSearchEpisodes(ctx, req.MemoryScope, queryVec, r.cfg.LaneK, r.cfg.MinScore)
		return nil
	})
	g.Wait() //nolint:errcheck // goroutines above never return an error

	processDown := chunkErr != nil && keywordErr != nil
	memoryDown := nodeErr != nil && episodeErr != nil
	if processDown && memoryDown {
		return Result{}, fmt.Errorf("%w: process lane: %v; memory lane: %v",
			fault.ErrRetrievalFailed, chunkErr, nodeErr)
	}

	degraded := false
	for name, err := range map[string]error{
		"chunk_vector": chunkErr, "chunk_keyword": keywordErr,
		"memory_nodes": nodeErr, "memory_episodes": episodeErr,
	} {
		if err != nil {
			degraded = true
			r.log.Warn("retrieval search failed, serving partial results", "search", name, "error", err)
		}
	}

	passages := r.fuse(req, queryVec, chunkHits, keywordHits, nodeHits, episodeHits)
	passages = r.expandPrerequisites(ctx, req.ChunkScope, passages)
	return Result{Passages: passages, Degraded: degraded}, nil
}

// keywordOnly is the degraded path: process lane only, scored by full-text
// rank scaled by the content weight.
func (r *Retriever) keywordOnly(ctx context.Context, req Request) (Result, error) {
	hits, err := r.backend.KeywordSearchChunks(ctx, req.ChunkScope, req.Query, r.cfg.LaneK)
	if err != nil {
		return Result{}, fmt.Errorf("%w: keyword lane: %v", fault.ErrRetrievalFailed, err)
	}

	passages := make([]Passage, 0, len(hits))
	for _, hit := range hits {
		c := hit.Chunk
		passages = append(passages, Passage{
			Source: SourceChunk,
			Chunk:  &c,
			Score:  hit.Score * r.cfg.Weights.Content,
		})
	}
	sortPassages(passages)
	if len(passages) > r.cfg.TopK {
		passages = passages[:r.cfg.TopK]
	}
	return Result{Passages: passages, Degraded: true}, nil
}

// fuse merges the lanes, scores every candidate, applies the similarity
// floor, and returns the top-k in deterministic order.
func (r *Retriever) fuse(req Request, queryVec []float32, chunkHits, keywordHits []store.ScoredChunk, nodeHits []store.ScoredNode, episodeHits []store.ScoredEpisode) []Passage {
	entities := queryEntities(req.Query)

	// Vector-lane chunks carry a content cosine; keyword-only chunks join
	// with a zero cosine and ride on their full-text rank instead.
	type candidate struct {
		chunk      store.DocumentChunk
		contentCos float64
		kwScore    float64
	}
	byID := map[string]*candidate{}
	for _, hit := range chunkHits {
		byID[hit.Chunk.ID] = &candidate{chunk: hit.Chunk, contentCos: hit.Score}
	}
	for _, hit := range keywordHits {
		if existing, ok := byID[hit.Chunk.ID]; ok {
			existing.kwScore = hit.Score
			continue
		}
		byID[hit.Chunk.ID] = &candidate{chunk: hit.Chunk, kwScore: hit.Score}
	}

	var passages []Passage
	for _, cand := range byID {
		questionsCos := 0.0
		hasQuestions := cand.chunk.QuestionsEmbedding != nil
		if hasQuestions {
			questionsCos = cosine(queryVec, cand.chunk.QuestionsEmbedding)
		}

		// Keyword-only candidates are kept as a degradable tail; vector
		// candidates must clear the similarity floor.
		if cand.contentCos < r.cfg.MinScore && questionsCos < r.cfg.MinScore && cand.kwScore == 0 {
			continue
		}

		w := r.cfg.Weights
		var score float64
		if hasQuestions {
			score = w.Content*cand.contentCos + w.Questions*questionsCos
		} else {
			score = contentOnlyWeight * cand.contentCos
		}
		if cand.contentCos == 0 && cand.kwScore > 0 {
			score = w.Content * cand.kwScore
		}
		if req.Intent != "" && slices.Contains(cand.chunk.IntentTags, req.Intent) {
			score += w.TypeBonus
		}
		if matchesEntity(cand.chunk.Content, entities) {
			score += w.EntityBonus
		}

		c := cand.chunk
		passages = append(passages, Passage{Source: SourceChunk, Chunk: &c, Score: score})
	}

	for _, hit := range nodeHits {
		n := hit.Node
		passages = append(passages, Passage{
			Source: SourceMemory,
			Node:   &n,
			Score:  contentOnlyWeight * hit.Score,
		})
	}
	for _, hit := range episodeHits {
		ep := hit.Episode
		passages = append(passages, Passage{
			Source:  SourceEpisode,
			Episode: &ep,
			Score:   contentOnlyWeight * hit.Score,
		})
	}

	sortPassages(passages)
	if len(passages) > r.cfg.TopK {
		passages = passages[:r.cfg.TopK]
	}
	return passages
}

// expandPrerequisites appends the declared prerequisite chunks of the top-N
// passages, deduplicated, after the ranked list.
func (r *Retriever) expandPrerequisites(ctx context.Context, scope store.Scope, passages []Passage) []Passage {
	if r.cfg.PrereqTopN < 0 {
		return passages
	}

	seen := map[string]struct{}{}
	for _, p := range passages {
		if p.Chunk != nil {
			seen[p.Chunk.ID] = struct{}{}
		}
	}

	var wanted []string
	for i, p := range passages {
		if i >= r.cfg.PrereqTopN {
			break
		}
		if p.Chunk == nil {
			continue
		}
		for _, id := range p.Chunk.Prerequisites {
			if _, dup := seen[id]; !dup {
				seen[id] = struct{}{}
				wanted = append(wanted, id)
			}
		}
	}
	if len(wanted) == 0 {
		return passages
	}

	prereqs, err := r.backend.GetChunksByID(ctx, scope, wanted)
	if err != nil {
		r.log.Warn("prerequisite expansion failed", "error", err)
		return passages
	}
	for _, c := range prereqs {
		chunk := c
		passages = append(passages, Passage{Source: SourceChunk, Chunk: &chunk})
	}
	return passages
}

// sortPassages orders by score descending with deterministic tie-breaks:
// chunk importance, then recency, then id.
func sortPassages(passages []Passage) {
	slices.SortFunc(passages, func(a, b Passage) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		ai, bi := passageImportance(a), passageImportance(b)
		if ai != bi {
			if ai > bi {
				return -1
			}
			return 1
		}
		at, bt := passageTime(a), passageTime(b)
		if !at.Equal(bt) {
			return bt.Compare(at)
		}
		return strings.Compare(passageID(a), passageID(b))
	})
}

func passageImportance(p Passage) float64 {
	if p.Chunk != nil {
		return p.Chunk.Importance
	}
	return 0
}

func passageTime(p Passage) time.Time {
	switch {
	case p.Chunk != nil:
		return p.Chunk.CreatedAt
	case p.Node != nil:
		return p.Node.CreatedAt
	case p.Episode != nil:
		return p.Episode.CreatedAt
	}
	return time.Time{}
}

func passageID(p Passage) string {
	switch {
	case p.Chunk != nil:
		return p.Chunk.ID
	case p.Node != nil:
		return p.Node.ID
	case p.Episode != nil:
		return p.Episode.ID
	}
	return ""
}

var entityRe = regexp.MustCompile(`\b([A-Z]{2,}-?\d+|\d{2,})\b`)

// queryEntities extracts codes and significant numbers from the query.
func queryEntities(query string) []string {
	return entityRe.FindAllString(query, -1)
}

func matchesEntity(content string, entities []string) bool {
	for _, e := range entities {
		if strings.Contains(content, e) {
			return true
		}
	}
	return false
}

// cosine computes cosine similarity; mismatched or zero vectors score 0.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
