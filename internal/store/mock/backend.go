// Package mock provides a configurable in-memory test double for
// [store.Backend] that records every call it receives.
package mock

import (
	"context"
	"sync"

	"github.com/helixdesk/cortex/internal/store"
)

// Compile-time interface check.
var _ store.Backend = (*Backend)(nil)

// Backend is a test double. Configure the result fields before use; every
// call is appended to Calls under the mutex. The zero value is usable and
// returns empty results everywhere.
type Backend struct {
	Mu sync.Mutex

	// Calls records method names in invocation order.
	Calls []string

	NodesResult    []store.MemoryNode
	NodesErr       error
	ScoredNodes    []store.ScoredNode
	ScoredNodesErr error
	ScoredChunks   []store.ScoredChunk
	ChunksErr      error
	KeywordChunks  []store.ScoredChunk
	KeywordErr     error
	ScoredEpisodes []store.ScoredEpisode
	EpisodesErr    error

	ChunksByIDResult []store.DocumentChunk
	ChunksByIDErr    error

	InsertNodeErr    error
	InsertEpisodeErr error
	InsertChunksErr  error
	RecordQueryErr   error
	RecordEventErr   error
	RecordAuditErr   error
	PingErr          error

	InsertedNodes    []store.MemoryNode
	InsertedEpisodes []store.Episode
	InsertedChunks   []store.DocumentChunk
	QueryRecords     []store.QueryRecord
	Events           []store.MetricEvent
	AuditEntries     []store.AuditEntry

	RecentResult []store.QueryRecord
	RecentErr    error
	SinceResult  []store.QueryRecord
	SinceErr     error

	AuditResult []store.AuditEntry
	AuditErr    error
}

func (m *Backend) record(name string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Calls = append(m.Calls, name)
}

func (m *Backend) GetNodes(ctx context.Context, scope store.Scope, limit, offset int) ([]store.MemoryNode, error) {
	m.record("GetNodes")
	if scope.Empty() {
		return []store.MemoryNode{}, nil
	}
	return m.NodesResult, m.NodesErr
}

func (m *Backend) VectorSearchNodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredNode, error) {
	m.record("VectorSearchNodes")
	if scope.Empty() {
		return []store.ScoredNode{}, nil
	}
	return m.ScoredNodes, m.ScoredNodesErr
}

func (m *Backend) VectorSearchChunks(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredChunk, error) {
	m.record("VectorSearchChunks")
	if scope.Empty() {
		return []store.ScoredChunk{}, nil
	}
	return m.ScoredChunks, m.ChunksErr
}

func (m *Backend) KeywordSearchChunks(ctx context.Context, scope store.Scope, queryText string, k int) ([]store.ScoredChunk, error) {
	m.record("KeywordSearchChunks")
	if scope.Empty() {
		return []store.ScoredChunk{}, nil
	}
	return m.KeywordChunks, m.KeywordErr
}

func (m *Backend) GetChunksByID(ctx context.Context, scope store.Scope, ids []string) ([]store.DocumentChunk, error) {
	m.record("GetChunksByID")
	if scope.Empty() {
		return []store.DocumentChunk{}, nil
	}
	return m.ChunksByIDResult, m.ChunksByIDErr
}

func (m *Backend) VectorSearchEpisodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredEpisode, error) {
	m.record("VectorSearchEpisodes")
	if scope.Empty() {
		return []store.ScoredEpisode{}, nil
	}
	return m.ScoredEpisodes, m.EpisodesErr
}

func (m *Backend) InsertNode(ctx context.Context, node store.MemoryNode) error {
	m.record("InsertNode")
	if m.InsertNodeErr != nil {
		return m.InsertNodeErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.InsertedNodes = append(m.InsertedNodes, node)
	return nil
}

func (m *Backend) InsertEpisode(ctx context.Context, ep store.Episode) error {
	m.record("InsertEpisode")
	if m.InsertEpisodeErr != nil {
		return m.InsertEpisodeErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.InsertedEpisodes = append(m.InsertedEpisodes, ep)
	return nil
}

func (m *Backend) InsertChunks(ctx context.Context, chunks []store.DocumentChunk) error {
	m.record("InsertChunks")
	if m.InsertChunksErr != nil {
		return m.InsertChunksErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.InsertedChunks = append(m.InsertedChunks, chunks...)
	return nil
}

func (m *Backend) RecordQuery(ctx context.Context, rec store.QueryRecord) error {
	m.record("RecordQuery")
	if m.RecordQueryErr != nil {
		return m.RecordQueryErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.QueryRecords = append(m.QueryRecords, rec)
	return nil
}

func (m *Backend) RecordEvent(ctx context.Context, ev store.MetricEvent) error {
	m.record("RecordEvent")
	if m.RecordEventErr != nil {
		return m.RecordEventErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Events = append(m.Events, ev)
	return nil
}

func (m *Backend) RecordAudit(ctx context.Context, entry store.AuditEntry) error {
	m.record("RecordAudit")
	if m.RecordAuditErr != nil {
		return m.RecordAuditErr
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.AuditEntries = append(m.AuditEntries, entry)
	return nil
}

func (m *Backend) AuditLog(ctx context.Context, tenantID string, limit int) ([]store.AuditEntry, error) {
	m.record("AuditLog")
	return m.AuditResult, m.AuditErr
}

func (m *Backend) RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]store.QueryRecord, error) {
	m.record("RecentQueries")
	return m.RecentResult, m.RecentErr
}

func (m *Backend) QueriesSince(ctx context.Context, tenantID string, sinceHours int) ([]store.QueryRecord, error) {
	m.record("QueriesSince")
	return m.SinceResult, m.SinceErr
}

func (m *Backend) Ping(ctx context.Context) error {
	m.record("Ping")
	return m.PingErr
}

func (m *Backend) Close() error {
	m.record("Close")
	return nil
}
