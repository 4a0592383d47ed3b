// Package identity authenticates bearer tokens against the tenant's identity
// provider and produces the Principal every downstream component authorizes
// against.
//
// Token verification itself is pluggable ([TokenVerifier]); this package owns
// user lookup, auto-provisioning, the short-TTL user cache, and the pure
// authorization predicates.
package identity

import (
	"slices"
	"time"
)

// Principal is the authenticated caller of one request. It is immutable once
// produced; downstream components authorize against it with the predicate
// functions below and the storage backend re-enforces the same rules when it
// builds query scopes.
type Principal struct {
	UserID   string
	TenantID string
	Email    string

	// Departments the principal may read.
	Departments []string

	// DeptHeadFor lists departments the principal administers.
	DeptHeadFor []string

	IsSuperUser bool
}

// CanReadDepartment reports whether p may read content of dept.
func CanReadDepartment(p Principal, dept string) bool {
	return p.IsSuperUser || slices.Contains(p.Departments, dept)
}

// CanWriteDepartment reports whether p may modify content of dept.
func CanWriteDepartment(p Principal, dept string) bool {
	return p.IsSuperUser || slices.Contains(p.DeptHeadFor, dept)
}

// CanManageUser reports whether actor may administer target within dept.
// Department heads may manage other users of their department but never
// themselves; super users may manage anyone but themselves (self-deactivation
// is always denied at the service layer).
func CanManageUser(actor Principal, targetUserID, dept string) bool {
	if actor.IsSuperUser {
		return true
	}
	return slices.Contains(actor.DeptHeadFor, dept) && targetUserID != actor.UserID
}

// User is the persisted account row behind a Principal.
type User struct {
	ID                string
	TenantID          string
	Email             string
	DisplayName       string
	ExternalSubjectID string

	DepartmentAccess []string
	DeptHeadFor      []string

	IsSuperUser bool
	IsActive    bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastLoginAt time.Time
}

// Principal converts a user row into its request principal.
func (u User) Principal() Principal {
	return Principal{
		UserID:      u.ID,
		TenantID:    u.TenantID,
		Email:       u.Email,
		Departments: slices.Clone(u.DepartmentAccess),
		DeptHeadFor: slices.Clone(u.DeptHeadFor),
		IsSuperUser: u.IsSuperUser,
	}
}
