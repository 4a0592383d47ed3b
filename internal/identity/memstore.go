package identity

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/helixdesk/cortex/internal/fault"
)

// MemStore is an in-memory [UserStore] for tests and file-backed deployments.
type MemStore struct {
	mu    sync.RWMutex
	users map[string]User
}

var _ UserStore = (*MemStore)(nil)

// NewMemStore creates an empty store.
func NewMemStore() *MemStore {
	return &MemStore{users: map[string]User{}}
}

// Get implements [UserStore].
func (m *MemStore) Get(_ context.Context, id string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, fault.ErrNotFound
	}
	return u, nil
}

// GetBySubject implements [UserStore].
func (m *MemStore) GetBySubject(_ context.Context, tenantID, subject string) (User, error) {
	if subject == "" {
		return User{}, fault.ErrNotFound
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && u.ExternalSubjectID == subject {
			return u, nil
		}
	}
	return User{}, fault.ErrNotFound
}

// GetByEmail implements [UserStore].
func (m *MemStore) GetByEmail(_ context.Context, tenantID, email string) (User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Email, email) {
			return u, nil
		}
	}
	return User{}, fault.ErrNotFound
}

// List implements [UserStore].
func (m *MemStore) List(_ context.Context, tenantID string) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []User
	for _, u := range m.users {
		if u.TenantID == tenantID {
			out = append(out, u)
		}
	}
	slices.SortFunc(out, func(a, b User) int { return strings.Compare(a.Email, b.Email) })
	if out == nil {
		out = []User{}
	}
	return out, nil
}

// Create implements [UserStore].
func (m *MemStore) Create(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.users[u.ID]; dup {
		return fmt.Errorf("%w: user id %s", fault.ErrBackendConflict, u.ID)
	}
	for _, existing := range m.users {
		if existing.TenantID == u.TenantID && strings.EqualFold(existing.Email, u.Email) {
			return fmt.Errorf("%w: email %s", fault.ErrBackendConflict, u.Email)
		}
	}
	m.users[u.ID] = u
	return nil
}

// Update implements [UserStore].
func (m *MemStore) Update(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.users[u.ID]
	if !ok {
		return fault.ErrNotFound
	}
	u.TenantID = existing.TenantID
	u.Email = existing.Email
	u.CreatedAt = existing.CreatedAt
	u.UpdatedAt = time.Now()
	m.users[u.ID] = u
	return nil
}

// TouchLogin implements [UserStore].
func (m *MemStore) TouchLogin(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return fault.ErrNotFound
	}
	u.LastLoginAt = at
	m.users[id] = u
	return nil
}
