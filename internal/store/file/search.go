package file

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/helixdesk/cortex/internal/store"
)

// GetNodes implements [store.Backend].
func (b *Backend) GetNodes(ctx context.Context, scope store.Scope, limit, offset int) ([]store.MemoryNode, error) {
	if scope.Empty() {
		return []store.MemoryNode{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []store.MemoryNode
	for _, n := range b.nodes {
		if nodeInScope(n, scope) {
			matched = append(matched, n)
		}
	}
	slices.SortFunc(matched, func(a, c store.MemoryNode) int {
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return c.CreatedAt.Compare(a.CreatedAt)
		}
		if a.SequenceIndex != c.SequenceIndex {
			return c.SequenceIndex - a.SequenceIndex
		}
		return strings.Compare(a.ID, c.ID)
	})

	if offset >= len(matched) {
		return []store.MemoryNode{}, nil
	}
	matched = matched[offset:]
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return slices.Clone(matched), nil
}

// VectorSearchNodes implements [store.Backend].
func (b *Backend) VectorSearchNodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredNode, error) {
	if scope.Empty() {
		return []store.ScoredNode{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var scored []store.ScoredNode
	for _, n := range b.nodes {
		if !nodeInScope(n, scope) || n.Embedding == nil {
			continue
		}
		if s := cosine(queryVec, n.Embedding); s >= minScore {
			scored = append(scored, store.ScoredNode{Node: n, Score: s})
		}
	}
	slices.SortFunc(scored, func(a, c store.ScoredNode) int {
		if a.Score != c.Score {
			return cmpDesc(a.Score, c.Score)
		}
		if !a.Node.CreatedAt.Equal(c.Node.CreatedAt) {
			return c.Node.CreatedAt.Compare(a.Node.CreatedAt)
		}
		return strings.Compare(a.Node.ID, c.Node.ID)
	})
	return topN(scored, k), nil
}

// VectorSearchEpisodes implements [store.Backend].
func (b *Backend) VectorSearchEpisodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredEpisode, error) {
	if scope.Empty() {
		return []store.ScoredEpisode{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var scored []store.ScoredEpisode
	for _, ep := range b.episodes {
		if !episodeInScope(ep, scope) || ep.Embedding == nil {
			continue
		}
		if s := cosine(queryVec, ep.Embedding); s >= minScore {
			scored = append(scored, store.ScoredEpisode{Episode: ep, Score: s})
		}
	}
	slices.SortFunc(scored, func(a, c store.ScoredEpisode) int {
		if a.Score != c.Score {
			return cmpDesc(a.Score, c.Score)
		}
		if !a.Episode.CreatedAt.Equal(c.Episode.CreatedAt) {
			return c.Episode.CreatedAt.Compare(a.Episode.CreatedAt)
		}
		return strings.Compare(a.Episode.ID, c.Episode.ID)
	})
	return topN(scored, k), nil
}

// VectorSearchChunks implements [store.Backend].
func (b *Backend) VectorSearchChunks(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredChunk, error) {
	if scope.Empty() || scope.TenantID == "" {
		return []store.ScoredChunk{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var scored []store.ScoredChunk
	for _, c := range b.chunks {
		if !chunkInScope(c, scope) || c.Embedding == nil {
			continue
		}
		if s := cosine(queryVec, c.Embedding); s >= minScore {
			scored = append(scored, store.ScoredChunk{Chunk: c, Score: s})
		}
	}
	sortScoredChunks(scored)
	return topN(scored, k), nil
}

// KeywordSearchChunks implements [store.Backend]. Scoring is token overlap
// between the query and the chunk's content plus keyword tags, normalised by
// query length. This approximates the full-text rank the PostgreSQL backend
// produces.
func (b *Backend) KeywordSearchChunks(ctx context.Context, scope store.Scope, queryText string, k int) ([]store.ScoredChunk, error) {
	if scope.Empty() || scope.TenantID == "" {
		return []store.ScoredChunk{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTokens := tokenize(queryText)
	if len(queryTokens) == 0 {
		return []store.ScoredChunk{}, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var scored []store.ScoredChunk
	for _, c := range b.chunks {
		if !chunkInScope(c, scope) {
			continue
		}
		content := strings.ToLower(c.Content)
		hits := 0
		for _, tok := range queryTokens {
			if strings.Contains(content, tok) || containsFold(c.Keywords, tok) {
				hits++
			}
		}
		if hits > 0 {
			scored = append(scored, store.ScoredChunk{
				Chunk: c,
				Score: float64(hits) / float64(len(queryTokens)),
			})
		}
	}
	sortScoredChunks(scored)
	return topN(scored, k), nil
}

// GetChunksByID implements [store.Backend].
func (b *Backend) GetChunksByID(ctx context.Context, scope store.Scope, ids []string) ([]store.DocumentChunk, error) {
	if scope.Empty() || scope.TenantID == "" || len(ids) == 0 {
		return []store.DocumentChunk{}, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	byID := make(map[string]store.DocumentChunk, len(b.chunks))
	for _, c := range b.chunks {
		if chunkInScope(c, scope) {
			byID[c.ID] = c
		}
	}
	out := make([]store.DocumentChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// InsertNode implements [store.Backend].
func (b *Backend) InsertNode(ctx context.Context, node store.MemoryNode) error {
	if node.UserID == "" && node.TenantID == "" {
		return fmt.Errorf("file backend: node %s has no scope key", node.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.nodeIDs[node.ID]; dup {
		return nil
	}
	if err := b.appendRecord(segNodes, node); err != nil {
		return err
	}
	b.nodes = append(b.nodes, node)
	b.nodeIDs[node.ID] = struct{}{}
	return nil
}

// InsertEpisode implements [store.Backend].
func (b *Backend) InsertEpisode(ctx context.Context, ep store.Episode) error {
	if ep.UserID == "" && ep.TenantID == "" {
		return fmt.Errorf("file backend: episode %s has no scope key", ep.ID)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.epIDs[ep.ID]; dup {
		return nil
	}
	if err := b.appendRecord(segEpisodes, ep); err != nil {
		return err
	}
	b.episodes = append(b.episodes, ep)
	b.epIDs[ep.ID] = struct{}{}
	return nil
}

// InsertChunks implements [store.Backend].
func (b *Backend) InsertChunks(ctx context.Context, chunks []store.DocumentChunk) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range chunks {
		if c.TenantID == "" || c.DepartmentID == "" {
			return fmt.Errorf("file backend: chunk %s missing tenant or department scope", c.ID)
		}
		key := chunkKey{c.TenantID, c.DepartmentID, c.FileHash, c.ChunkIndex}
		if _, dup := b.chunkKey[key]; dup {
			continue
		}
		if err := b.appendRecord(segChunks, c); err != nil {
			return err
		}
		b.chunks = append(b.chunks, c)
		b.chunkKey[key] = struct{}{}
	}
	return b.segments[segChunks].f.Sync()
}

func nodeInScope(n store.MemoryNode, scope store.Scope) bool {
	if scope.UserID != "" {
		return n.UserID == scope.UserID
	}
	return n.TenantID == scope.TenantID
}

func episodeInScope(ep store.Episode, scope store.Scope) bool {
	if scope.UserID != "" {
		return ep.UserID == scope.UserID
	}
	return ep.TenantID == scope.TenantID
}

func chunkInScope(c store.DocumentChunk, scope store.Scope) bool {
	return c.TenantID == scope.TenantID && scope.AllowsDepartment(c.DepartmentID)
}

func sortScoredChunks(scored []store.ScoredChunk) {
	slices.SortFunc(scored, func(a, c store.ScoredChunk) int {
		if a.Score != c.Score {
			return cmpDesc(a.Score, c.Score)
		}
		if a.Chunk.Importance != c.Chunk.Importance {
			return cmpDesc(a.Chunk.Importance, c.Chunk.Importance)
		}
		if !a.Chunk.CreatedAt.Equal(c.Chunk.CreatedAt) {
			return c.Chunk.CreatedAt.Compare(a.Chunk.CreatedAt)
		}
		return strings.Compare(a.Chunk.ID, c.Chunk.ID)
	})
}

func topN[T any](items []T, n int) []T {
	if items == nil {
		return []T{}
	}
	if n > 0 && len(items) > n {
		items = items[:n]
	}
	return items
}

func cmpDesc(a, b float64) int {
	if a > b {
		return -1
	}
	if a < b {
		return 1
	}
	return 0
}

// cosine computes cosine similarity between two vectors. Mismatched lengths
// and zero vectors score 0.
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

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) >= 3 {
			out = append(out, f)
		}
	}
	return out
}

func containsFold(list []string, tok string) bool {
	for _, item := range list {
		if strings.EqualFold(item, tok) {
			return true
		}
	}
	return false
}
