// Package store defines the storage backend contract shared by the Cortex
// retrieval, analytics, and memory components, together with the entity types
// that cross it.
//
// Two implementations satisfy [Backend]: a PostgreSQL + pgvector backend
// (package postgres) and a file-backed backend for single-node deployments
// and tests (package file). The backend is selected once at startup and never
// switched at runtime.
//
// Every operation takes a [Scope]; empty scopes fail secure (empty results,
// zero I/O). Implementations must bind all values as query parameters — no
// string interpolation — and must be safe for concurrent use.
package store

import "context"

// Backend abstracts storage of document chunks, memory nodes, episodes, and
// the append-only analytics/audit streams.
//
// Error translation: transient infrastructure failures surface as
// fault.ErrBackendUnavailable, constraint violations as
// fault.ErrBackendConflict, and schema problems as fault.ErrBackendMisconfigured.
type Backend interface {
	// GetNodes returns memory nodes under scope ordered by recency, newest
	// first, with limit/offset pagination.
	GetNodes(ctx context.Context, scope Scope, limit, offset int) ([]MemoryNode, error)

	// VectorSearchNodes returns up to k nodes under scope whose embeddings
	// have cosine similarity ≥ minScore to queryVec, most similar first.
	VectorSearchNodes(ctx context.Context, scope Scope, queryVec []float32, k int, minScore float64) ([]ScoredNode, error)

	// VectorSearchChunks returns up to k chunks under scope by cosine
	// similarity against the content embedding.
	VectorSearchChunks(ctx context.Context, scope Scope, queryVec []float32, k int, minScore float64) ([]ScoredChunk, error)

	// KeywordSearchChunks returns up to k chunks under scope ranked by
	// full-text relevance against queryText.
	KeywordSearchChunks(ctx context.Context, scope Scope, queryText string, k int) ([]ScoredChunk, error)

	// GetChunksByID returns the chunks with the given ids that are visible
	// under scope, in the order requested. Unknown or out-of-scope ids are
	// silently omitted. Used for prerequisite expansion.
	GetChunksByID(ctx context.Context, scope Scope, ids []string) ([]DocumentChunk, error)

	// InsertNode upserts a memory node; replaying the same ID is a no-op.
	// Nodes whose scope key is missing (neither UserID nor TenantID) are
	// rejected.
	InsertNode(ctx context.Context, node MemoryNode) error

	// InsertChunks upserts a batch of chunks, idempotent by
	// (tenant_id, department_id, file_hash, chunk_index).
	InsertChunks(ctx context.Context, chunks []DocumentChunk) error

	// InsertEpisode upserts a conversation episode; replaying the same ID is
	// a no-op. Same scope-key rule as InsertNode.
	InsertEpisode(ctx context.Context, ep Episode) error

	// VectorSearchEpisodes returns up to k episodes under scope by cosine
	// similarity, most similar first.
	VectorSearchEpisodes(ctx context.Context, scope Scope, queryVec []float32, k int, minScore float64) ([]ScoredEpisode, error)

	// RecordQuery appends a query record. A duplicate ID returns
	// fault.ErrBackendConflict and writes nothing.
	RecordQuery(ctx context.Context, rec QueryRecord) error

	// RecordEvent appends a metric event. Events are best-effort; callers may
	// drop them under load.
	RecordEvent(ctx context.Context, ev MetricEvent) error

	// RecordAudit appends an audit entry.
	RecordAudit(ctx context.Context, entry AuditEntry) error

	// AuditLog returns a tenant's most recent audit entries, newest first.
	AuditLog(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error)

	// RecentQueries returns the most recent query records for a
	// (user, session) pair, newest first. Used by the session pattern
	// detector and repeat detection.
	RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]QueryRecord, error)

	// QueriesSince returns all query records for a tenant created within the
	// trailing window, for trend aggregation.
	QueriesSince(ctx context.Context, tenantID string, sinceHours int) ([]QueryRecord, error)

	// Ping verifies connectivity. Used by readiness checks.
	Ping(ctx context.Context) error

	// Close releases held resources. The backend must not be used afterwards.
	Close() error
}
