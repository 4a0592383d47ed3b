package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/store"
)

// Compile-time interface check.
var _ store.Backend = (*Backend)(nil)

// Backend is the PostgreSQL + pgvector implementation of [store.Backend].
// It holds a single [pgxpool.Pool]; every operation acquires, uses, and
// releases a connection — no long holds. All methods are safe for concurrent
// use.
type Backend struct {
	pool *pgxpool.Pool
	dim  int
}

// New establishes a connection pool to the PostgreSQL database at dsn,
// registers pgvector types on every connection, and runs [Migrate].
//
// dim must match the output dimension of the configured embedding model.
func New(ctx context.Context, dsn string, dim int) (*Backend, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: parse dsn: %w", err)
	}

	// Register pgvector types on every new connection so that vector columns
	// can be scanned into and inserted from pgvector.Vector values.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: ping: %w", translateErr(err))
	}

	if err := Migrate(ctx, pool, dim); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %v", fault.ErrBackendMisconfigured, err)
	}

	return &Backend{pool: pool, dim: dim}, nil
}

// Ping implements [store.Backend].
func (b *Backend) Ping(ctx context.Context) error {
	if err := b.pool.Ping(ctx); err != nil {
		return translateErr(err)
	}
	return nil
}

// Close implements [store.Backend].
func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// translateErr maps pgx/pgconn errors onto the fault taxonomy. Raw driver
// error text never crosses the store boundary.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		// Class 23 — integrity constraint violation.
		case pgErr.Code == "23505", pgErr.Code == "23503", pgErr.Code == "23514":
			return fmt.Errorf("%w: constraint %s", fault.ErrBackendConflict, pgErr.ConstraintName)
		// Class 42 — undefined table/column means schema drift.
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42":
			return fmt.Errorf("%w: %s", fault.ErrBackendMisconfigured, pgErr.Code)
		}
	}
	return fmt.Errorf("%w: %v", fault.ErrBackendUnavailable, err)
}

// argList builds positional query arguments. Parameter binding is mandatory
// everywhere in this package; no value is ever interpolated into SQL text.
type argList []any

// next appends v and returns its placeholder (e.g. "$3").
func (a *argList) next(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}
