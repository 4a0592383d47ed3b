package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/heuristics"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/store"
)

// userView is the admin-facing shape of a user row. Credentials and the IdP
// subject binding stay server-side.
type userView struct {
	ID               string    `json:"id"`
	Email            string    `json:"email"`
	DisplayName      string    `json:"display_name"`
	DepartmentAccess []string  `json:"department_access"`
	DeptHeadFor      []string  `json:"dept_head_for"`
	IsSuperUser      bool      `json:"is_super_user"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	LastLoginAt      time.Time `json:"last_login_at"`
}

func viewOf(u identity.User) userView {
	return userView{
		ID:               u.ID,
		Email:            u.Email,
		DisplayName:      u.DisplayName,
		DepartmentAccess: u.DepartmentAccess,
		DeptHeadFor:      u.DeptHeadFor,
		IsSuperUser:      u.IsSuperUser,
		IsActive:         u.IsActive,
		CreatedAt:        u.CreatedAt,
		LastLoginAt:      u.LastLoginAt,
	}
}

// isAdmin reports whether p may reach the admin surface at all.
func isAdmin(p identity.Principal) bool {
	return p.IsSuperUser || len(p.DeptHeadFor) > 0
}

// canAdminister reports whether actor may administer target: super users may
// administer anyone, department heads only users of a department they head.
func canAdminister(actor identity.Principal, target identity.User) bool {
	if actor.IsSuperUser {
		return true
	}
	if target.ID == actor.UserID {
		return false
	}
	for _, dept := range target.DepartmentAccess {
		if slices.Contains(actor.DeptHeadFor, dept) {
			return true
		}
	}
	return false
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !isAdmin(principal) {
		s.writeFault(w, fmt.Errorf("%w: list users", fault.ErrForbidden))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	users, err := s.users.List(ctx, principal.TenantID)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	dept := r.URL.Query().Get("department")
	search := strings.ToLower(r.URL.Query().Get("search"))

	views := []userView{}
	for _, u := range users {
		if !principal.IsSuperUser && !canAdminister(principal, u) && u.ID != principal.UserID {
			continue
		}
		if dept != "" && !slices.Contains(u.DepartmentAccess, dept) {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(u.Email), search) &&
			!strings.Contains(strings.ToLower(u.DisplayName), search) {
			continue
		}
		views = append(views, viewOf(u))
	}
	writeJSON(w, http.StatusOK, views)
}

// updateUserRequest carries the mutable fields of PUT /api/admin/users/{id}.
// Nil pointers leave a field unchanged.
type updateUserRequest struct {
	DisplayName      *string   `json:"display_name"`
	DepartmentAccess *[]string `json:"department_access"`
	DeptHeadFor      *[]string `json:"dept_head_for"`
	IsSuperUser      *bool     `json:"is_super_user"`
	Reason           string    `json:"reason"`
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	var body updateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "bad_request"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	target, err := s.lookupTarget(ctx, principal, r.PathValue("id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !canAdminister(principal, target) {
		s.writeFault(w, fmt.Errorf("%w: update user", fault.ErrForbidden))
		return
	}

	// Role and headship changes stay with super users; department heads may
	// only move grants within the departments they head.
	if !principal.IsSuperUser {
		if body.DeptHeadFor != nil || body.IsSuperUser != nil {
			s.writeFault(w, fmt.Errorf("%w: role changes require super user", fault.ErrForbidden))
			return
		}
		if body.DepartmentAccess != nil {
			for _, dept := range changedDepts(target.DepartmentAccess, *body.DepartmentAccess) {
				if !identity.CanManageUser(principal, target.ID, dept) {
					s.writeFault(w, fmt.Errorf("%w: department %s", fault.ErrForbidden, dept))
					return
				}
			}
		}
	}

	before := viewOf(target)
	if body.DisplayName != nil {
		target.DisplayName = *body.DisplayName
	}
	if body.DepartmentAccess != nil {
		target.DepartmentAccess = *body.DepartmentAccess
	}
	if body.DeptHeadFor != nil {
		target.DeptHeadFor = *body.DeptHeadFor
	}
	if body.IsSuperUser != nil {
		target.IsSuperUser = *body.IsSuperUser
	}
	target.UpdatedAt = time.Now()

	if err := s.users.Update(ctx, target); err != nil {
		s.writeFault(w, err)
		return
	}
	s.auth.Evict(principal.TenantID, target)
	s.writeAudit(ctx, principal, target, "user.update", before, viewOf(target), body.Reason)

	writeJSON(w, http.StatusOK, viewOf(target))
}

func (s *Server) handleDeactivateUser(w http.ResponseWriter, r *http.Request) {
	s.setUserActive(w, r, false, "user.deactivate")
}

func (s *Server) handleReactivateUser(w http.ResponseWriter, r *http.Request) {
	s.setUserActive(w, r, true, "user.reactivate")
}

func (s *Server) setUserActive(w http.ResponseWriter, r *http.Request, active bool, action string) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	target, err := s.lookupTarget(ctx, principal, r.PathValue("id"))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	// Authorization first: a caller without admin rights over the target
	// gets 403 even when the target is themselves.
	if !canAdminister(principal, target) {
		s.writeFault(w, fmt.Errorf("%w: %s", fault.ErrForbidden, action))
		return
	}
	if !active && target.ID == principal.UserID {
		// Self-deactivation is always denied, super users included.
		s.writeFault(w, fmt.Errorf("%w: cannot deactivate yourself", fault.ErrBackendConflict))
		return
	}

	before := viewOf(target)
	target.IsActive = active
	target.UpdatedAt = time.Now()

	if err := s.users.Update(ctx, target); err != nil {
		s.writeFault(w, err)
		return
	}
	s.auth.Evict(principal.TenantID, target)
	s.writeAudit(ctx, principal, target, action, before, viewOf(target), "")

	writeJSON(w, http.StatusOK, viewOf(target))
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !principal.IsSuperUser {
		s.writeFault(w, fmt.Errorf("%w: audit log", fault.ErrForbidden))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	entries, err := s.backend.AuditLog(ctx, principal.TenantID, intParam(r, "limit", 100))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !isAdmin(principal) {
		s.writeFault(w, fmt.Errorf("%w: analytics", fault.ErrForbidden))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	report, err := s.reports.Aggregate(ctx, principal.TenantID, intParam(r, "hours", 24))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAnalyticsTrends(w http.ResponseWriter, r *http.Request) {
	_, principal, err := s.authenticate(r)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	if !isAdmin(principal) {
		s.writeFault(w, fmt.Errorf("%w: analytics", fault.ErrForbidden))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.AdminTimeout)
	defer cancel()

	records, err := s.reports.Records(ctx, principal.TenantID, intParam(r, "hours", 48))
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, heuristics.AnalyzeTrends(records))
}

// lookupTarget fetches an admin mutation's target user. Users of other
// tenants are indistinguishable from missing ones.
func (s *Server) lookupTarget(ctx context.Context, principal identity.Principal, id string) (identity.User, error) {
	target, err := s.users.Get(ctx, id)
	if err != nil {
		return identity.User{}, err
	}
	if target.TenantID != principal.TenantID {
		return identity.User{}, fmt.Errorf("%w: user %s", fault.ErrNotFound, id)
	}
	return target, nil
}

// writeAudit appends the audit trail entry for one admin mutation.
// Best-effort: a failed audit write is logged, not surfaced.
func (s *Server) writeAudit(ctx context.Context, actor identity.Principal, target identity.User, action string, before, after userView, reason string) {
	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)

	err := s.backend.RecordAudit(ctx, store.AuditEntry{
		ID:        uuid.NewString(),
		TenantID:  actor.TenantID,
		ActorID:   actor.UserID,
		TargetID:  target.ID,
		Action:    action,
		Before:    string(beforeJSON),
		After:     string(afterJSON),
		Reason:    reason,
		CreatedAt: time.Now(),
	})
	if err != nil {
		s.log.Error("audit write failed", "action", action, "target", target.ID, "error", err)
	}
}

// changedDepts returns the symmetric difference of two grant lists.
func changedDepts(before, after []string) []string {
	var changed []string
	for _, d := range after {
		if !slices.Contains(before, d) {
			changed = append(changed, d)
		}
	}
	for _, d := range before {
		if !slices.Contains(after, d) {
			changed = append(changed, d)
		}
	}
	return changed
}

func intParam(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
