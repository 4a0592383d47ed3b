// Package postgres provides the PostgreSQL + pgvector implementation of the
// Cortex storage backend.
//
// All operations share a single [pgxpool.Pool]. The pgvector extension must be
// available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Two table groups exist: tenant data (users, document chunks, query log,
// audit log) and per-user data (memory nodes, episodes) — all vector columns
// share one configured dimension.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Tenant schema — users, audit log, query log
// ─────────────────────────────────────────────────────────────────────────────

const ddlUsers = `
CREATE TABLE IF NOT EXISTS users (
    id                   UUID         PRIMARY KEY,
    tenant_id            TEXT         NOT NULL,
    email                TEXT         NOT NULL,
    display_name         TEXT         NOT NULL DEFAULT '',
    external_subject_id  TEXT         NOT NULL DEFAULT '',
    department_access    TEXT[]       NOT NULL DEFAULT '{}',
    dept_head_for        TEXT[]       NOT NULL DEFAULT '{}',
    is_super_user        BOOLEAN      NOT NULL DEFAULT FALSE,
    is_active            BOOLEAN      NOT NULL DEFAULT TRUE,
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    last_login_at        TIMESTAMPTZ,
    UNIQUE (tenant_id, email)
);

CREATE INDEX IF NOT EXISTS idx_users_tenant_subject
    ON users (tenant_id, external_subject_id)
    WHERE external_subject_id <> '';
`

const ddlAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    id             UUID         PRIMARY KEY,
    tenant_id      TEXT         NOT NULL DEFAULT '',
    actor_id       TEXT         NOT NULL,
    target_id      TEXT         NOT NULL DEFAULT '',
    action         TEXT         NOT NULL,
    department_id  TEXT         NOT NULL DEFAULT '',
    before_value   TEXT         NOT NULL DEFAULT '',
    after_value    TEXT         NOT NULL DEFAULT '',
    reason         TEXT         NOT NULL DEFAULT '',
    created_at     TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_audit_actor  ON audit_log (actor_id);
CREATE INDEX IF NOT EXISTS idx_audit_tenant ON audit_log (tenant_id, created_at);
`

const ddlQueryLog = `
CREATE TABLE IF NOT EXISTS query_log (
    id                       UUID         PRIMARY KEY,
    user_email               TEXT         NOT NULL,
    tenant_id                TEXT         NOT NULL,
    department_id            TEXT         NOT NULL DEFAULT '',
    session_id               TEXT         NOT NULL,
    query_text               TEXT         NOT NULL,
    status                   TEXT         NOT NULL DEFAULT 'COMPLETED',
    response_time_ms         BIGINT       NOT NULL DEFAULT 0,
    response_length          INT          NOT NULL DEFAULT 0,
    input_tokens             INT          NOT NULL DEFAULT 0,
    output_tokens            INT          NOT NULL DEFAULT 0,
    model_id                 TEXT         NOT NULL DEFAULT '',
    category                 TEXT         NOT NULL DEFAULT '',
    keywords                 TEXT[]       NOT NULL DEFAULT '{}',
    frustration_signals      INT          NOT NULL DEFAULT 0,
    is_repeat                BOOLEAN      NOT NULL DEFAULT FALSE,
    repeat_of                TEXT         NOT NULL DEFAULT '',
    query_position           INT          NOT NULL DEFAULT 0,
    time_since_last_query_ms BIGINT       NOT NULL DEFAULT 0,
    complexity               REAL         NOT NULL DEFAULT 0,
    intent                   TEXT         NOT NULL DEFAULT '',
    specificity              REAL         NOT NULL DEFAULT 0,
    urgency                  TEXT         NOT NULL DEFAULT '',
    multi_part               BOOLEAN      NOT NULL DEFAULT FALSE,
    inferred_dept            TEXT         NOT NULL DEFAULT '',
    dept_scores              JSONB        NOT NULL DEFAULT '{}',
    session_pattern          TEXT         NOT NULL DEFAULT '',
    retrieval_ms             BIGINT       NOT NULL DEFAULT 0,
    llm_first_token_ms       BIGINT       NOT NULL DEFAULT 0,
    created_at               TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_query_log_session ON query_log (user_email, session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_query_log_tenant  ON query_log (tenant_id, created_at);
`

const ddlMetricEvents = `
CREATE TABLE IF NOT EXISTS metric_events (
    id         BIGSERIAL    PRIMARY KEY,
    kind       TEXT         NOT NULL,
    query_id   TEXT         NOT NULL DEFAULT '',
    tenant_id  TEXT         NOT NULL DEFAULT '',
    value      DOUBLE PRECISION NOT NULL DEFAULT 0,
    detail     TEXT         NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_metric_events_kind ON metric_events (kind, created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Vector schemas — document chunks, memory nodes, episodes
// ─────────────────────────────────────────────────────────────────────────────

// ddlChunks returns the document chunk DDL with the embedding dimension
// substituted. The vector dimension is baked into the column type at schema
// creation time.
func ddlChunks(dim int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS document_chunks (
    id                   UUID         PRIMARY KEY,
    tenant_id            TEXT         NOT NULL,
    department_id        TEXT         NOT NULL,
    source_file          TEXT         NOT NULL DEFAULT '',
    file_hash            TEXT         NOT NULL,
    section_title        TEXT         NOT NULL DEFAULT '',
    content              TEXT         NOT NULL,
    chunk_index          INT          NOT NULL CHECK (chunk_index >= 0),
    parent_document_id   TEXT         NOT NULL DEFAULT '',
    token_count          INT          NOT NULL CHECK (token_count > 0),
    keywords             TEXT[]       NOT NULL DEFAULT '{}',
    category             TEXT         NOT NULL DEFAULT '',
    subcategory          TEXT         NOT NULL DEFAULT '',
    importance           REAL         NOT NULL DEFAULT 0,
    embedding            vector(%[1]d),
    questions_embedding  vector(%[1]d),
    synthetic_questions  TEXT[]       NOT NULL DEFAULT '{}',
    complexity_score     REAL         NOT NULL DEFAULT 0,
    intent_tags          TEXT[]       NOT NULL DEFAULT '{}',
    prerequisites        TEXT[]       NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ  NOT NULL DEFAULT now(),
    UNIQUE (tenant_id, department_id, file_hash, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_tenant_dept
    ON document_chunks (tenant_id, department_id);

CREATE INDEX IF NOT EXISTS idx_chunks_embedding
    ON document_chunks USING hnsw (embedding vector_cosine_ops);

CREATE INDEX IF NOT EXISTS idx_chunks_fts
    ON document_chunks USING GIN (to_tsvector('english', content));
`, dim)
}

// ddlNodes returns the memory node + episode DDL with the embedding dimension
// substituted.
func ddlNodes(dim int) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS memory_nodes (
    id                 UUID         PRIMARY KEY,
    user_id            TEXT         NOT NULL DEFAULT '',
    tenant_id          TEXT         NOT NULL DEFAULT '',
    conversation_id    TEXT         NOT NULL DEFAULT '',
    sequence_index     INT          NOT NULL DEFAULT 0,
    human_content      TEXT         NOT NULL,
    assistant_content  TEXT         NOT NULL,
    source             TEXT         NOT NULL DEFAULT 'chat',
    embedding          vector(%[1]d),
    tags               JSONB        NOT NULL DEFAULT '{}',
    created_at         TIMESTAMPTZ  NOT NULL DEFAULT now(),
    CHECK (user_id <> '' OR tenant_id <> '')
);

CREATE INDEX IF NOT EXISTS idx_nodes_user   ON memory_nodes (user_id)   WHERE user_id <> '';
CREATE INDEX IF NOT EXISTS idx_nodes_tenant ON memory_nodes (tenant_id) WHERE tenant_id <> '';

CREATE INDEX IF NOT EXISTS idx_nodes_embedding
    ON memory_nodes USING hnsw (embedding vector_cosine_ops);

CREATE TABLE IF NOT EXISTS episodes (
    id               UUID         PRIMARY KEY,
    user_id          TEXT         NOT NULL DEFAULT '',
    tenant_id        TEXT         NOT NULL DEFAULT '',
    conversation_id  TEXT         NOT NULL DEFAULT '',
    messages         TEXT[]       NOT NULL DEFAULT '{}',
    summary          TEXT         NOT NULL DEFAULT '',
    tags             TEXT[]       NOT NULL DEFAULT '{}',
    embedding        vector(%[1]d),
    created_at       TIMESTAMPTZ  NOT NULL DEFAULT now(),
    CHECK (user_id <> '' OR tenant_id <> '')
);

CREATE INDEX IF NOT EXISTS idx_episodes_embedding
    ON episodes USING hnsw (embedding vector_cosine_ops);
`, dim)
}

// Migrate creates or ensures all required tables, indexes, and extensions
// exist. It is idempotent and safe to call on every application start.
//
// dim must match the embedding model configured for the deployment (commonly
// 1024). Changing it after the first migration requires a manual schema change.
func Migrate(ctx context.Context, pool *pgxpool.Pool, dim int) error {
	statements := []string{
		ddlUsers,
		ddlAuditLog,
		ddlQueryLog,
		ddlMetricEvents,
		ddlChunks(dim),
		ddlNodes(dim),
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}
