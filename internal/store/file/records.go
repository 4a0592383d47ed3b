package file

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/store"
)

// RecordQuery implements [store.Backend].
func (b *Backend) RecordQuery(ctx context.Context, rec store.QueryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.queryIDs[rec.ID]; dup {
		return fmt.Errorf("%w: duplicate query id %s", fault.ErrBackendConflict, rec.ID)
	}
	if err := b.appendRecord(segQueries, rec); err != nil {
		return err
	}
	b.queries = append(b.queries, rec)
	b.queryIDs[rec.ID] = struct{}{}
	return nil
}

// RecordEvent implements [store.Backend]. Events are write-only on this
// backend; nothing reads them back.
func (b *Backend) RecordEvent(ctx context.Context, ev store.MetricEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.appendRecord(segEvents, ev)
}

// RecordAudit implements [store.Backend].
func (b *Backend) RecordAudit(ctx context.Context, entry store.AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.appendRecord(segAudit, entry); err != nil {
		return err
	}
	b.audit = append(b.audit, entry)
	return nil
}

// AuditLog implements [store.Backend].
func (b *Backend) AuditLog(ctx context.Context, tenantID string, limit int) ([]store.AuditEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := []store.AuditEntry{}
	for _, entry := range b.audit {
		if entry.TenantID == tenantID {
			matched = append(matched, entry)
		}
	}
	slices.SortFunc(matched, func(a, c store.AuditEntry) int {
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return c.CreatedAt.Compare(a.CreatedAt)
		}
		return strings.Compare(a.ID, c.ID)
	})
	return topN(matched, limit), nil
}

// RecentQueries implements [store.Backend].
func (b *Backend) RecentQueries(ctx context.Context, userEmail, sessionID string, limit int) ([]store.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []store.QueryRecord
	for _, rec := range b.queries {
		if rec.UserEmail == userEmail && rec.SessionID == sessionID {
			matched = append(matched, rec)
		}
	}
	slices.SortFunc(matched, func(a, c store.QueryRecord) int {
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return c.CreatedAt.Compare(a.CreatedAt)
		}
		if a.QueryPosition != c.QueryPosition {
			return c.QueryPosition - a.QueryPosition
		}
		return strings.Compare(a.ID, c.ID)
	})
	return topN(matched, limit), nil
}

// QueriesSince implements [store.Backend].
func (b *Backend) QueriesSince(ctx context.Context, tenantID string, sinceHours int) ([]store.QueryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cutoff := time.Now().Add(-time.Duration(sinceHours) * time.Hour)

	b.mu.RLock()
	defer b.mu.RUnlock()

	var matched []store.QueryRecord
	for _, rec := range b.queries {
		if rec.TenantID == tenantID && !rec.CreatedAt.Before(cutoff) {
			matched = append(matched, rec)
		}
	}
	slices.SortFunc(matched, func(a, c store.QueryRecord) int {
		return a.CreatedAt.Compare(c.CreatedAt)
	})
	if matched == nil {
		matched = []store.QueryRecord{}
	}
	return matched, nil
}
