package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/helixdesk/cortex/internal/store"
)

const nodeColumns = `
	id, user_id, tenant_id, conversation_id, sequence_index,
	human_content, assistant_content, source, embedding, tags, created_at`

// nodeScopeConditions builds the WHERE fragment selecting nodes owned by
// scope. User scopes match user_id; tenant scopes match tenant_id.
func nodeScopeConditions(scope store.Scope, args *argList) []string {
	if scope.UserID != "" {
		return []string{"user_id = " + args.next(scope.UserID)}
	}
	return []string{"tenant_id = " + args.next(scope.TenantID)}
}

// GetNodes implements [store.Backend].
func (b *Backend) GetNodes(ctx context.Context, scope store.Scope, limit, offset int) ([]store.MemoryNode, error) {
	if scope.Empty() {
		return []store.MemoryNode{}, nil
	}

	args := argList{}
	conditions := nodeScopeConditions(scope, &args)

	q := fmt.Sprintf(`
		SELECT %s
		FROM   memory_nodes
		WHERE  %s
		ORDER  BY created_at DESC, sequence_index DESC, id
		LIMIT  %s OFFSET %s`,
		nodeColumns, strings.Join(conditions, " AND "), args.next(limit), args.next(offset))

	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: get nodes: %w", translateErr(err))
	}

	nodes, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.MemoryNode, error) {
		n, _, err := scanNode(row, false)
		return n, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan nodes: %w", translateErr(err))
	}
	if nodes == nil {
		nodes = []store.MemoryNode{}
	}
	return nodes, nil
}

// VectorSearchNodes implements [store.Backend].
func (b *Backend) VectorSearchNodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredNode, error) {
	if scope.Empty() {
		return []store.ScoredNode{}, nil
	}

	args := argList{}
	vecPh := args.next(pgvector.NewVector(queryVec))
	conditions := nodeScopeConditions(scope, &args)
	conditions = append(conditions,
		"embedding IS NOT NULL",
		fmt.Sprintf("1 - (embedding <=> %s) >= %s", vecPh, args.next(minScore)))

	q := fmt.Sprintf(`
		SELECT %s, 1 - (embedding <=> %s) AS score
		FROM   memory_nodes
		WHERE  %s
		ORDER  BY score DESC, created_at DESC, id
		LIMIT  %s`,
		nodeColumns, vecPh, strings.Join(conditions, "\n  AND "), args.next(k))

	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: search nodes: %w", translateErr(err))
	}

	scored, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ScoredNode, error) {
		n, score, err := scanNode(row, true)
		return store.ScoredNode{Node: n, Score: score}, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan nodes: %w", translateErr(err))
	}
	if scored == nil {
		scored = []store.ScoredNode{}
	}
	return scored, nil
}

// InsertNode implements [store.Backend].
func (b *Backend) InsertNode(ctx context.Context, node store.MemoryNode) error {
	if node.UserID == "" && node.TenantID == "" {
		return fmt.Errorf("postgres backend: node %s has no scope key", node.ID)
	}

	const q = `
		INSERT INTO memory_nodes
		    (id, user_id, tenant_id, conversation_id, sequence_index,
		     human_content, assistant_content, source, embedding, tags, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`

	tags := node.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	_, err := b.pool.Exec(ctx, q,
		node.ID, node.UserID, node.TenantID, node.ConversationID, node.SequenceIndex,
		node.HumanContent, node.AssistantContent, node.Source,
		nullableVector(node.Embedding), tags, node.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres backend: insert node: %w", translateErr(err))
	}
	return nil
}

// InsertEpisode implements [store.Backend].
func (b *Backend) InsertEpisode(ctx context.Context, ep store.Episode) error {
	if ep.UserID == "" && ep.TenantID == "" {
		return fmt.Errorf("postgres backend: episode %s has no scope key", ep.ID)
	}

	const q = `
		INSERT INTO episodes
		    (id, user_id, tenant_id, conversation_id, messages, summary, tags, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING`

	_, err := b.pool.Exec(ctx, q,
		ep.ID, ep.UserID, ep.TenantID, ep.ConversationID,
		ep.Messages, ep.Summary, ep.Tags, nullableVector(ep.Embedding), ep.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres backend: insert episode: %w", translateErr(err))
	}
	return nil
}

// VectorSearchEpisodes implements [store.Backend].
func (b *Backend) VectorSearchEpisodes(ctx context.Context, scope store.Scope, queryVec []float32, k int, minScore float64) ([]store.ScoredEpisode, error) {
	if scope.Empty() {
		return []store.ScoredEpisode{}, nil
	}

	args := argList{}
	vecPh := args.next(pgvector.NewVector(queryVec))
	conditions := nodeScopeConditions(scope, &args)
	conditions = append(conditions,
		"embedding IS NOT NULL",
		fmt.Sprintf("1 - (embedding <=> %s) >= %s", vecPh, args.next(minScore)))

	q := fmt.Sprintf(`
		SELECT id, user_id, tenant_id, conversation_id, messages, summary, tags,
		       embedding, created_at, 1 - (embedding <=> %s) AS score
		FROM   episodes
		WHERE  %s
		ORDER  BY score DESC, created_at DESC, id
		LIMIT  %s`,
		vecPh, strings.Join(conditions, "\n  AND "), args.next(k))

	rows, err := b.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: search episodes: %w", translateErr(err))
	}

	scored, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ScoredEpisode, error) {
		var (
			se  store.ScoredEpisode
			vec *pgvector.Vector
		)
		err := row.Scan(
			&se.Episode.ID, &se.Episode.UserID, &se.Episode.TenantID,
			&se.Episode.ConversationID, &se.Episode.Messages, &se.Episode.Summary,
			&se.Episode.Tags, &vec, &se.Episode.CreatedAt, &se.Score,
		)
		if vec != nil {
			se.Episode.Embedding = vec.Slice()
		}
		return se, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan episodes: %w", translateErr(err))
	}
	if scored == nil {
		scored = []store.ScoredEpisode{}
	}
	return scored, nil
}

// scanNode scans one memory node row, optionally with a trailing score column.
func scanNode(row pgx.CollectableRow, withScore bool) (store.MemoryNode, float64, error) {
	var (
		n     store.MemoryNode
		vec   *pgvector.Vector
		score float64
	)
	dest := []any{
		&n.ID, &n.UserID, &n.TenantID, &n.ConversationID, &n.SequenceIndex,
		&n.HumanContent, &n.AssistantContent, &n.Source, &vec, &n.Tags, &n.CreatedAt,
	}
	if withScore {
		dest = append(dest, &score)
	}
	if err := row.Scan(dest...); err != nil {
		return store.MemoryNode{}, 0, err
	}
	if vec != nil {
		n.Embedding = vec.Slice()
	}
	return n, score, nil
}
