package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/helixdesk/cortex/internal/store"
)

// chunkColumns is the select list shared by all chunk queries.
const chunkColumns = `
	id, tenant_id, department_id, source_file, file_hash, section_title,
	content, chunk_index, parent_document_id, token_count, keywords,
	category, subcategory, importance, embedding, questions_embedding,
	synthetic_questions, complexity_score, intent_tags, prerequisites,
	created_at`

// VectorSearchChunks implements [store.Backend]. It finds the top-k chunks
// under scope whose content embeddings are closest (cosine) to queryVec and
// whose similarity is at least minScore.
func (b *Backend) VectorSearchChunks(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredChunk, error) {
	if scope.Empty() || scope.TenantID == "" {
		return []store.ScoredChunk{}, nil
	}

	args := argList{}
	vecPh := args.next(pgvector.NewVector(queryVec))

	conditions := []string{
		"tenant_id = " + args.next(scope.TenantID),
		"embedding IS NOT NULL",
	}
	if len(scope.DepartmentIDs) > 0 {
		conditions = append(conditions, "department_id = ANY("+args.next(scope.DepartmentIDs)+")")
	}
	// 1 - distance = cosine similarity.
	conditions = append(conditions,
		fmt.Sprintf("1 - (embedding <=> %s) >= %s", vecPh, args.next(minScore)))

	limitPh := args.next(k)

	q := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> %s) AS score
		FROM   document_chunks
		WHERE  %s
		ORDER  BY score DESC, importance DESC, created_at DESC, id
		LIMIT  %s`, chunkColumns, vecPh, strings.Join(conditions, "\n  AND "), limitPh)

	return b.queryScoredChunks(ctx, q, args)
}

// KeywordSearchChunks implements [store.Backend]. It ranks chunks under scope
// by PostgreSQL full-text relevance (ts_rank over plainto_tsquery).
func (b *Backend) KeywordSearchChunks(ctx context.Context, scope store.Scope, queryText string, k int) ([]store.ScoredChunk, error) {
	if scope.Empty() || scope.TenantID == "" || strings.TrimSpace(queryText) == "" {
		return []store.ScoredChunk{}, nil
	}

	args := argList{}
	queryPh := args.next(queryText)

	conditions := []string{
		"tenant_id = " + args.next(scope.TenantID),
		fmt.Sprintf("to_tsvector('english', content) @@ plainto_tsquery('english', %s)", queryPh),
	}
	if len(scope.DepartmentIDs) > 0 {
		conditions = append(conditions, "department_id = ANY("+args.next(scope.DepartmentIDs)+")")
	}

	limitPh := args.next(k)

	q := fmt.Sprintf(`
		SELECT %s,
		       ts_rank(to_tsvector('english', content), plainto_tsquery('english', %s)) AS score
		FROM   document_chunks
		WHERE  %s
		ORDER  BY score DESC, importance DESC, created_at DESC, id
		LIMIT  %s`, chunkColumns, queryPh, strings.Join(conditions, "\n  AND "), limitPh)

	return b.queryScoredChunks(ctx, q, args)
}

// GetChunksByID implements [store.Backend]. Scope filtering happens in SQL;
// ids the scope cannot see simply do not come back.
func (b *Backend) GetChunksByID(ctx context.Context, scope store.Scope, ids []string) ([]store.DocumentChunk, error) {
	if scope.Empty() || scope.TenantID == "" || len(ids) == 0 {
		return []store.DocumentChunk{}, nil
	}

	args := argList{}
	conditions := []string{
		"id = ANY(" + args.next(ids) + "::uuid[])",
		"tenant_id = " + args.next(scope.TenantID),
	}
	if len(scope.DepartmentIDs) > 0 {
		conditions = append(conditions, "department_id = ANY("+args.next(scope.DepartmentIDs)+")")
	}

	q := fmt.Sprintf(`
		SELECT %s, 0::float8 AS score
		FROM   document_chunks
		WHERE  %s`, chunkColumns, strings.Join(conditions, "\n  AND "))

	scored, err := b.queryScoredChunks(ctx, q, args)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]store.DocumentChunk, len(scored))
	for _, sc := range scored {
		byID[sc.Chunk.ID] = sc.Chunk
	}
	out := make([]store.DocumentChunk, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// InsertChunks implements [store.Backend]. The upsert key is
// (tenant_id, department_id, file_hash, chunk_index); replaying a batch is a
// no-op on row counts.
func (b *Backend) InsertChunks(ctx context.Context, chunks []store.DocumentChunk) error {
	const q = `
		INSERT INTO document_chunks
		    (id, tenant_id, department_id, source_file, file_hash, section_title,
		     content, chunk_index, parent_document_id, token_count, keywords,
		     category, subcategory, importance, embedding, questions_embedding,
		     synthetic_questions, complexity_score, intent_tags, prerequisites, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
		ON CONFLICT (tenant_id, department_id, file_hash, chunk_index) DO NOTHING`

	batch := &pgx.Batch{}
	for _, c := range chunks {
		if c.TenantID == "" || c.DepartmentID == "" {
			return fmt.Errorf("postgres backend: chunk %s missing tenant or department scope", c.ID)
		}
		batch.Queue(q,
			c.ID, c.TenantID, c.DepartmentID, c.SourceFile, c.FileHash, c.SectionTitle,
			c.Content, c.ChunkIndex, c.ParentDocumentID, c.TokenCount, c.Keywords,
			c.Category, c.Subcategory, c.Importance,
			nullableVector(c.Embedding), nullableVector(c.QuestionsEmbedding),
			c.SyntheticQuestions, c.ComplexityScore, c.IntentTags, c.Prerequisites,
			c.CreatedAt,
		)
	}

	results := b.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("postgres backend: insert chunks: %w", translateErr(err))
		}
	}
	return nil
}

// queryScoredChunks runs q and scans rows into scored chunks.
func (b *Backend) queryScoredChunks(ctx context.Context, q string, args argList) ([]store.ScoredChunk, error) {
	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: search chunks: %w", translateErr(err))
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ScoredChunk, error) {
		var (
			sc           store.ScoredChunk
			contentVec   *pgvector.Vector
			questionsVec *pgvector.Vector
		)
		if err := row.Scan(
			&sc.Chunk.ID,
			&sc.Chunk.TenantID,
			&sc.Chunk.DepartmentID,
			&sc.Chunk.SourceFile,
			&sc.Chunk.FileHash,
			&sc.Chunk.SectionTitle,
			&sc.Chunk.Content,
			&sc.Chunk.ChunkIndex,
			&sc.Chunk.ParentDocumentID,
			&sc.Chunk.TokenCount,
			&sc.Chunk.Keywords,
			&sc.Chunk.Category,
			&sc.Chunk.Subcategory,
			&sc.Chunk.Importance,
			&contentVec,
			&questionsVec,
			&sc.Chunk.SyntheticQuestions,
			&sc.Chunk.ComplexityScore,
			&sc.Chunk.IntentTags,
			&sc.Chunk.Prerequisites,
			&sc.Chunk.CreatedAt,
			&sc.Score,
		); err != nil {
			return store.ScoredChunk{}, err
		}
		if contentVec != nil {
			sc.Chunk.Embedding = contentVec.Slice()
		}
		if questionsVec != nil {
			sc.Chunk.QuestionsEmbedding = questionsVec.Slice()
		}
		return sc, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan chunks: %w", translateErr(err))
	}
	if results == nil {
		results = []store.ScoredChunk{}
	}
	return results, nil
}

// nullableVector converts a possibly-nil float32 slice to a value pgx can
// bind as either a vector or SQL NULL.
func nullableVector(v []float32) any {
	if v == nil {
		return nil
	}
	return pgvector.NewVector(v)
}
