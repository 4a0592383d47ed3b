package identity

import (
	"context"
	"time"
)

// UserStore persists user rows. The PostgreSQL backend provides the production
// implementation; tests use the in-memory one from this package.
//
// Lookups that find nothing return fault.ErrNotFound.
type UserStore interface {
	// Get returns the user with the given ID.
	Get(ctx context.Context, id string) (User, error)

	// GetBySubject returns the user with the given external IdP subject
	// within a tenant.
	GetBySubject(ctx context.Context, tenantID, subject string) (User, error)

	// GetByEmail returns the user with the given email within a tenant.
	// Emails are unique per tenant.
	GetByEmail(ctx context.Context, tenantID, email string) (User, error)

	// List returns all users of a tenant ordered by email.
	List(ctx context.Context, tenantID string) ([]User, error)

	// Create inserts a new user. A duplicate (tenant, email) pair returns
	// fault.ErrBackendConflict.
	Create(ctx context.Context, u User) error

	// Update overwrites the mutable fields (display name, subject binding,
	// department grants, flags) of an existing user.
	Update(ctx context.Context, u User) error

	// TouchLogin sets last_login_at without bumping updated_at.
	TouchLogin(ctx context.Context, id string, at time.Time) error
}
