package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/identity"
)

// Compile-time interface check.
var _ identity.UserStore = (*UserStore)(nil)

// UserStore is the PostgreSQL implementation of [identity.UserStore]. It
// shares the backend's connection pool.
type UserStore struct {
	pool *pgxpool.Pool
}

// Users returns the user store bound to the backend's pool.
func (b *Backend) Users() *UserStore {
	return &UserStore{pool: b.pool}
}

const userColumns = `
	id, tenant_id, email, display_name, external_subject_id,
	department_access, dept_head_for, is_super_user, is_active,
	created_at, updated_at, COALESCE(last_login_at, 'epoch'::timestamptz)`

// Get implements [identity.UserStore].
func (s *UserStore) Get(ctx context.Context, id string) (identity.User, error) {
	return s.queryOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

// GetBySubject implements [identity.UserStore].
func (s *UserStore) GetBySubject(ctx context.Context, tenantID, subject string) (identity.User, error) {
	if subject == "" {
		return identity.User{}, fault.ErrNotFound
	}
	return s.queryOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND external_subject_id = $2`,
		tenantID, subject)
}

// GetByEmail implements [identity.UserStore].
func (s *UserStore) GetByEmail(ctx context.Context, tenantID, email string) (identity.User, error) {
	return s.queryOne(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 AND email = $2`,
		tenantID, email)
}

// List implements [identity.UserStore].
func (s *UserStore) List(ctx context.Context, tenantID string) ([]identity.User, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+userColumns+` FROM users WHERE tenant_id = $1 ORDER BY email`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("postgres users: list: %w", translateErr(err))
	}

	users, err := pgx.CollectRows(rows, scanUser)
	if err != nil {
		return nil, fmt.Errorf("postgres users: scan: %w", translateErr(err))
	}
	if users == nil {
		users = []identity.User{}
	}
	return users, nil
}

// Create implements [identity.UserStore].
func (s *UserStore) Create(ctx context.Context, u identity.User) error {
	const q = `
		INSERT INTO users
		    (id, tenant_id, email, display_name, external_subject_id,
		     department_access, dept_head_for, is_super_user, is_active,
		     created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`

	_, err := s.pool.Exec(ctx, q,
		u.ID, u.TenantID, u.Email, u.DisplayName, u.ExternalSubjectID,
		u.DepartmentAccess, u.DeptHeadFor, u.IsSuperUser, u.IsActive, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres users: create: %w", translateErr(err))
	}
	return nil
}

// Update implements [identity.UserStore].
func (s *UserStore) Update(ctx context.Context, u identity.User) error {
	const q = `
		UPDATE users SET
		    display_name        = $2,
		    external_subject_id = $3,
		    department_access   = $4,
		    dept_head_for       = $5,
		    is_super_user       = $6,
		    is_active           = $7,
		    updated_at          = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q,
		u.ID, u.DisplayName, u.ExternalSubjectID,
		u.DepartmentAccess, u.DeptHeadFor, u.IsSuperUser, u.IsActive)
	if err != nil {
		return fmt.Errorf("postgres users: update: %w", translateErr(err))
	}
	if tag.RowsAffected() == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// TouchLogin implements [identity.UserStore].
func (s *UserStore) TouchLogin(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("postgres users: touch login: %w", translateErr(err))
	}
	return nil
}

func (s *UserStore) queryOne(ctx context.Context, q string, args ...any) (identity.User, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return identity.User{}, fmt.Errorf("postgres users: query: %w", translateErr(err))
	}

	u, err := pgx.CollectExactlyOneRow(rows, scanUser)
	if errors.Is(err, pgx.ErrNoRows) {
		return identity.User{}, fault.ErrNotFound
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("postgres users: scan: %w", translateErr(err))
	}
	return u, nil
}

func scanUser(row pgx.CollectableRow) (identity.User, error) {
	var u identity.User
	err := row.Scan(
		&u.ID, &u.TenantID, &u.Email, &u.DisplayName, &u.ExternalSubjectID,
		&u.DepartmentAccess, &u.DeptHeadFor, &u.IsSuperUser, &u.IsActive,
		&u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt,
	)
	return u, err
}
