package store

import "slices"

// Scope is the authorization envelope under which every storage operation
// executes. A scope names either a user, a tenant, or a tenant restricted to
// a department set. The zero value is empty.
//
// FAIL-SECURE: an empty scope makes every read return an empty result and
// every write a no-op, without touching the backend. Both implementations
// check [Scope.Empty] before constructing any query.
type Scope struct {
	// UserID scopes to a single user's memory (consumer mode).
	UserID string

	// TenantID scopes to a tenant (enterprise mode).
	TenantID string

	// DepartmentIDs, when non-empty alongside TenantID, further restricts
	// chunk reads to the listed departments. Ignored for user scopes.
	DepartmentIDs []string
}

// UserScope returns a scope covering a single user's memory.
func UserScope(userID string) Scope {
	return Scope{UserID: userID}
}

// TenantScope returns a scope covering all of a tenant's data.
func TenantScope(tenantID string) Scope {
	return Scope{TenantID: tenantID}
}

// DepartmentScope returns a tenant scope restricted to the given departments.
// An empty department list yields an empty (fail-secure) scope: a tenant
// principal with no readable departments must see nothing, not everything.
func DepartmentScope(tenantID string, departmentIDs []string) Scope {
	if len(departmentIDs) == 0 {
		return Scope{}
	}
	return Scope{TenantID: tenantID, DepartmentIDs: slices.Clone(departmentIDs)}
}

// Empty reports whether s carries no authorization data. Empty scopes yield
// empty results everywhere.
func (s Scope) Empty() bool {
	return s.UserID == "" && s.TenantID == ""
}

// AllowsDepartment reports whether dept is readable under s. User scopes have
// no department dimension and always return false; tenant scopes without an
// explicit department list allow every department of the tenant.
func (s Scope) AllowsDepartment(dept string) bool {
	if s.TenantID == "" {
		return false
	}
	if len(s.DepartmentIDs) == 0 {
		return true
	}
	return slices.Contains(s.DepartmentIDs, dept)
}
