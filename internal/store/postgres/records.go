package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/helixdesk/cortex/internal/store"
)

const queryColumns = `
	id, user_email, tenant_id, department_id, session_id, query_text, status,
	response_time_ms, response_length, input_tokens, output_tokens, model_id,
	category, keywords, frustration_signals, is_repeat, repeat_of,
	query_position, time_since_last_query_ms, complexity, intent, specificity,
	urgency, multi_part, inferred_dept, dept_scores, session_pattern,
	retrieval_ms, llm_first_token_ms, created_at`

// RecordQuery implements [store.Backend]. Duplicate IDs violate the primary
// key and surface as fault.ErrBackendConflict.
func (b *Backend) RecordQuery(ctx context.Context, rec store.QueryRecord) error {
	const q = `
		INSERT INTO query_log (` + queryColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		        $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29, $30)`

	deptScores := rec.DeptScores
	if deptScores == nil {
		deptScores = map[string]float64{}
	}
	_, err := b.pool.Exec(ctx, q,
		rec.ID, rec.UserEmail, rec.TenantID, rec.DepartmentID, rec.SessionID,
		rec.QueryText, string(rec.Status),
		rec.ResponseTimeMs, rec.ResponseLength, rec.InputTokens, rec.OutputTokens, rec.ModelID,
		rec.Category, rec.Keywords, rec.FrustrationSignals, rec.IsRepeat, rec.RepeatOf,
		rec.QueryPosition, rec.TimeSinceLastQueryMs, rec.Complexity, rec.Intent,
		rec.Specificity, rec.Urgency, rec.MultiPart, rec.InferredDept, deptScores,
		rec.SessionPattern, rec.RetrievalMs, rec.LLMFirstTokenMs, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres backend: record query: %w", translateErr(err))
	}
	return nil
}

// RecordEvent implements [store.Backend].
func (b *Backend) RecordEvent(ctx context.Context, ev store.MetricEvent) error {
	const q = `
		INSERT INTO metric_events (kind, query_id, tenant_id, value, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := b.pool.Exec(ctx, q,
		string(ev.Kind), ev.QueryID, ev.TenantID, ev.Value, ev.Detail, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres backend: record event: %w", translateErr(err))
	}
	return nil
}

// RecordAudit implements [store.Backend].
func (b *Backend) RecordAudit(ctx context.Context, entry store.AuditEntry) error {
	const q = `
		INSERT INTO audit_log
		    (id, tenant_id, actor_id, target_id, action, department_id, before_value, after_value, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

	_, err := b.pool.Exec(ctx, q,
		entry.ID, entry.TenantID, entry.ActorID, entry.TargetID, entry.Action, entry.DepartmentID,
		entry.Before, entry.After, entry.Reason, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres backend: record audit: %w", translateErr(err))
	}
	return nil
}

// AuditLog implements [store.Backend].
func (b *Backend) AuditLog(ctx context.Context, tenantID string, limit int) ([]store.AuditEntry, error) {
	const q = `
		SELECT id, tenant_id, actor_id, target_id, action, department_id,
		       before_value, after_value, reason, created_at
		FROM   audit_log
		WHERE  tenant_id = $1
		ORDER  BY created_at DESC
		LIMIT  $2`

	rows, err := b.pool.Query(ctx, q, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: audit log: %w", translateErr(err))
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.AuditEntry, error) {
		var e store.AuditEntry
		err := row.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.TargetID, &e.Action,
			&e.DepartmentID, &e.Before, &e.After, &e.Reason, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan audit log: %w", translateErr(err))
	}
	if entries == nil {
		entries = []store.AuditEntry{}
	}
	return entries, nil
}

// RecentQueries implements [store.Backend].
func (b *Backend) RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]store.QueryRecord, error) {
	const q = `
		SELECT ` + queryColumns + `
		FROM   query_log
		WHERE  user_email = $1 AND session_id = $2
		ORDER  BY created_at DESC, query_position DESC
		LIMIT  $3`

	rows, err := b.pool.Query(ctx, q, userEmail, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: recent queries: %w", translateErr(err))
	}
	return collectQueryRecords(rows)
}

// QueriesSince implements [store.Backend].
func (b *Backend) QueriesSince(ctx context.Context, tenantID string, sinceHours int) ([]store.QueryRecord, error) {
	const q = `
		SELECT ` + queryColumns + `
		FROM   query_log
		WHERE  tenant_id = $1
		  AND  created_at >= now() - make_interval(hours => $2)
		ORDER  BY created_at`

	rows, err := b.pool.Query(ctx, q, tenantID, sinceHours)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: queries since: %w", translateErr(err))
	}
	return collectQueryRecords(rows)
}

func collectQueryRecords(rows pgx.Rows) ([]store.QueryRecord, error) {
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.QueryRecord, error) {
		var (
			rec    store.QueryRecord
			status string
		)
		err := row.Scan(
			&rec.ID, &rec.UserEmail, &rec.TenantID, &rec.DepartmentID, &rec.SessionID,
			&rec.QueryText, &status,
			&rec.ResponseTimeMs, &rec.ResponseLength, &rec.InputTokens, &rec.OutputTokens, &rec.ModelID,
			&rec.Category, &rec.Keywords, &rec.FrustrationSignals, &rec.IsRepeat, &rec.RepeatOf,
			&rec.QueryPosition, &rec.TimeSinceLastQueryMs, &rec.Complexity, &rec.Intent,
			&rec.Specificity, &rec.Urgency, &rec.MultiPart, &rec.InferredDept, &rec.DeptScores,
			&rec.SessionPattern, &rec.RetrievalMs, &rec.LLMFirstTokenMs, &rec.CreatedAt,
		)
		rec.Status = store.QueryStatus(status)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres backend: scan query records: %w", translateErr(err))
	}
	if records == nil {
		records = []store.QueryRecord{}
	}
	return records, nil
}
