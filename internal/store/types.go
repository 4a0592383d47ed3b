package store

import "time"

// DocumentChunk is an immutable piece of tenant knowledge produced by external
// ingestion tooling. The core treats chunks as read-only apart from the
// idempotent bulk insert used when replaying ingestion batches.
type DocumentChunk struct {
	// ID is the chunk's UUID.
	ID string

	// TenantID scopes the chunk to a tenant. Never empty.
	TenantID string

	// DepartmentID scopes the chunk within the tenant.
	DepartmentID string

	// SourceFile is the ingested file this chunk was cut from.
	SourceFile string

	// FileHash is the SHA-256 of the source file, hex-encoded.
	FileHash string

	// SectionTitle is the heading of the section the chunk belongs to.
	SectionTitle string

	// Content is the chunk text.
	Content string

	// ChunkIndex is the zero-based position within the source document.
	ChunkIndex int

	// ParentDocumentID groups sibling chunks of one document.
	ParentDocumentID string

	// TokenCount is the approximate token length of Content. Always > 0.
	TokenCount int

	// Keywords are extraction-time keyword tags.
	Keywords []string

	Category    string
	Subcategory string

	// Importance is an ingestion-assigned rank signal used for tie-breaking.
	Importance float64

	// Embedding is the content vector. Nil when the chunk has not been
	// embedded yet; when present its length matches the configured dimension.
	Embedding []float32

	// QuestionsEmbedding is the vector of the synthetic questions generated
	// for this chunk during enrichment. Nil when enrichment is disabled.
	QuestionsEmbedding []float32

	// SyntheticQuestions are the enrichment-generated questions this chunk answers.
	SyntheticQuestions []string

	// ComplexityScore is the enrichment-assigned complexity in [0,1].
	ComplexityScore float64

	// IntentTags are enrichment-assigned intent labels.
	IntentTags []string

	// Prerequisites lists chunk IDs that should be read before this one
	// (process-chain links).
	Prerequisites []string

	CreatedAt time.Time
}

// MemoryNode is one human/assistant exchange pair attributable to a user or a
// tenant. Exactly one of UserID and TenantID is the canonical scope key; nodes
// with neither set are never stored or returned.
type MemoryNode struct {
	// ID is the node's UUID.
	ID string

	// UserID is the owning user for consumer-mode memory. Empty for
	// tenant-scoped nodes.
	UserID string

	// TenantID is the owning tenant for enterprise-mode memory. Empty for
	// user-scoped nodes.
	TenantID string

	// ConversationID groups nodes of one conversation.
	ConversationID string

	// SequenceIndex orders nodes within a conversation.
	SequenceIndex int

	// HumanContent is the user's turn.
	HumanContent string

	// AssistantContent is the final assistant reply.
	AssistantContent string

	// Source records how the node was captured (e.g. "chat", "import").
	Source string

	// Embedding is the vector of the concatenated exchange text.
	Embedding []float32

	// Tags carries the heuristic outputs recorded with the exchange.
	Tags map[string]string

	CreatedAt time.Time
}

// Episode is a coarser aggregation of memory nodes representing a
// conversation arc.
type Episode struct {
	ID             string
	UserID         string
	TenantID       string
	ConversationID string

	// Messages is the ordered exchange sequence, serialised as alternating
	// role-prefixed lines by the memory pipeline.
	Messages []string

	Summary   string
	Tags      []string
	Embedding []float32
	CreatedAt time.Time
}

// ScoredChunk pairs a retrieved chunk with its similarity score.
// Score semantics depend on the producing operation: cosine similarity in
// [0,1] for vector search, normalised FTS rank for keyword search.
type ScoredChunk struct {
	Chunk DocumentChunk
	Score float64
}

// ScoredNode pairs a retrieved memory node with its cosine similarity.
type ScoredNode struct {
	Node  MemoryNode
	Score float64
}

// ScoredEpisode pairs a retrieved episode with its cosine similarity.
type ScoredEpisode struct {
	Episode Episode
	Score   float64
}

// QueryStatus records how a query terminated.
type QueryStatus string

const (
	QueryCompleted      QueryStatus = "COMPLETED"
	QueryCanceled       QueryStatus = "CANCELED"
	QueryFailed         QueryStatus = "FAILED"
	QueryFailedMidstream QueryStatus = "FAILED_MIDSTREAM"
)

// QueryRecord is the append-only analytics record written once per user query.
type QueryRecord struct {
	// ID is the query UUID; the backend rejects duplicate IDs with a conflict.
	ID string

	UserEmail    string
	TenantID     string
	DepartmentID string
	SessionID    string

	// QueryText is truncated to the configured analytics maximum; retrieval
	// and the LLM always receive the full text.
	QueryText string

	Status QueryStatus

	ResponseTimeMs int64

	// ResponseLength measures the response in token-equivalents, not bytes,
	// so lengths are comparable across models and encodings.
	ResponseLength int

	InputTokens  int
	OutputTokens int
	ModelID      string

	// Category is the cheap regex classifier's label.
	Category string

	Keywords           []string
	FrustrationSignals int

	// IsRepeat marks queries whose text closely matches an earlier query in
	// the same session; RepeatOf holds the earlier record's ID.
	IsRepeat bool
	RepeatOf string

	// QueryPosition is the 1-based position within the session; strictly
	// increasing per (user, session).
	QueryPosition        int
	TimeSinceLastQueryMs int64

	// Heuristics outputs.
	Complexity      float64
	Intent          string
	Specificity     float64
	Urgency         string
	MultiPart       bool
	InferredDept    string
	DeptScores      map[string]float64
	SessionPattern  string
	RetrievalMs     int64
	LLMFirstTokenMs int64

	CreatedAt time.Time
}

// EventKind enumerates streamed metric events. Events are best-effort and may
// be dropped under load; QueryRecords never are.
type EventKind string

const (
	EventQueryStart       EventKind = "query_start"
	EventQueryFinish      EventKind = "query_finish"
	EventRetrievalLatency EventKind = "retrieval_latency"
	EventLLMLatency       EventKind = "llm_latency"
	EventTokenCounts      EventKind = "token_counts"
	EventError            EventKind = "error"
)

// MetricEvent is a lightweight, droppable telemetry record.
type MetricEvent struct {
	Kind      EventKind
	QueryID   string
	TenantID  string
	Value     float64
	Detail    string
	CreatedAt time.Time
}

// AuditEntry is an append-only record of a privileged admin action.
type AuditEntry struct {
	ID           string
	TenantID     string
	ActorID      string
	TargetID     string
	Action       string
	DepartmentID string
	Before       string
	After        string
	Reason       string
	CreatedAt    time.Time
}
