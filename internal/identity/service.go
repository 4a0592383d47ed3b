package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/tenant"
)

const defaultCacheTTL = 30 * time.Second

// VerifierFor selects the token verifier for a tenant profile. Returning an
// error means the tenant has no usable auth method.
type VerifierFor func(p tenant.Profile) (TokenVerifier, error)

// Service authenticates bearer tokens and resolves them to principals. It
// caches user rows briefly so a chatty websocket session does not hit the
// user store on every frame; admin mutations must call [Service.Evict].
type Service struct {
	users       UserStore
	verifierFor VerifierFor
	log         *slog.Logger
	now         func() time.Time
	cacheTTL    time.Duration

	mu    sync.Mutex
	cache map[string]cachedUser
}

type cachedUser struct {
	user    User
	expires time.Time
}

// ServiceOption configures the service.
type ServiceOption func(*Service)

// WithCacheTTL overrides the user cache TTL.
func WithCacheTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) {
		if ttl > 0 {
			s.cacheTTL = ttl
		}
	}
}

// WithServiceLogger sets the structured logger.
func WithServiceLogger(log *slog.Logger) ServiceOption {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// NewService creates an identity service over users, selecting verifiers with
// verifierFor.
func NewService(users UserStore, verifierFor VerifierFor, opts ...ServiceOption) *Service {
	s := &Service{
		users:       users,
		verifierFor: verifierFor,
		log:         slog.Default(),
		now:         time.Now,
		cacheTTL:    defaultCacheTTL,
		cache:       map[string]cachedUser{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate validates bearer against the profile's IdP and returns the
// caller's principal.
//
// Lookup order: (tenant, subject), then (tenant, email) with the subject
// attached on match. When both miss and the tenant permits auto-provisioning,
// a new user is created with no department access. Inactive users are
// indistinguishable from invalid tokens.
func (s *Service) Authenticate(ctx context.Context, p tenant.Profile, bearer string) (Principal, error) {
	bearer = strings.TrimSpace(strings.TrimPrefix(bearer, "Bearer "))
	if bearer == "" {
		return Principal{}, fmt.Errorf("%w: missing bearer token", fault.ErrUnauthenticated)
	}

	verifier, err := s.verifierFor(p)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: no verifier for tenant %s", fault.ErrUnauthenticated, p.Slug)
	}
	claims, err := verifier.Verify(ctx, bearer)
	if err != nil {
		if errors.Is(err, fault.ErrUnauthenticated) {
			return Principal{}, err
		}
		return Principal{}, fmt.Errorf("%w: %v", fault.ErrUnauthenticated, err)
	}

	tenantID := p.UUID
	if cached, ok := s.cacheGet(tenantID, claims.Subject, claims.Email); ok {
		if !cached.IsActive {
			return Principal{}, fmt.Errorf("%w: account deactivated", fault.ErrUnauthenticated)
		}
		return cached.Principal(), nil
	}

	user, err := s.lookupOrProvision(ctx, p, claims)
	if err != nil {
		return Principal{}, err
	}
	if !user.IsActive {
		return Principal{}, fmt.Errorf("%w: account deactivated", fault.ErrUnauthenticated)
	}

	if err := s.users.TouchLogin(ctx, user.ID, s.now()); err != nil {
		// Login bookkeeping must not block the request.
		s.log.Warn("touch login failed", "user", user.ID, "error", err)
	}

	s.cachePut(tenantID, user)
	return user.Principal(), nil
}

func (s *Service) lookupOrProvision(ctx context.Context, p tenant.Profile, claims Claims) (User, error) {
	tenantID := p.UUID

	user, err := s.users.GetBySubject(ctx, tenantID, claims.Subject)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return User{}, fmt.Errorf("identity: lookup by subject: %w", err)
	}

	user, err = s.users.GetByEmail(ctx, tenantID, claims.Email)
	if err == nil {
		if claims.Subject != "" && user.ExternalSubjectID == "" {
			user.ExternalSubjectID = claims.Subject
			if updErr := s.users.Update(ctx, user); updErr != nil {
				s.log.Warn("attach subject failed", "user", user.ID, "error", updErr)
			}
		}
		return user, nil
	}
	if !errors.Is(err, fault.ErrNotFound) {
		return User{}, fmt.Errorf("identity: lookup by email: %w", err)
	}

	if !p.AutoProvision {
		return User{}, fmt.Errorf("%w: unknown user", fault.ErrUnauthenticated)
	}
	if claims.Email == "" {
		return User{}, fmt.Errorf("%w: cannot provision without email", fault.ErrUnauthenticated)
	}

	// First login: provision with no grants. Department access is handed out
	// by an admin afterwards.
	user = User{
		ID:                uuid.NewString(),
		TenantID:          tenantID,
		Email:             claims.Email,
		DisplayName:       claims.DisplayName,
		ExternalSubjectID: claims.Subject,
		IsActive:          true,
		CreatedAt:         s.now(),
		UpdatedAt:         s.now(),
	}
	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, fault.ErrBackendConflict) {
			// Concurrent first login; take the winner's row.
			return s.users.GetByEmail(ctx, tenantID, claims.Email)
		}
		return User{}, fmt.Errorf("identity: provision user: %w", err)
	}
	s.log.Info("user auto-provisioned", "tenant", p.Slug, "email", claims.Email)
	return user, nil
}

// Evict removes a user from the cache. Admin mutations call this so grant
// changes take effect within one request, not one TTL.
func (s *Service) Evict(tenantID string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, cacheKey(tenantID, "sub", u.ExternalSubjectID))
	delete(s.cache, cacheKey(tenantID, "email", u.Email))
}

func (s *Service) cacheGet(tenantID, subject, email string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range []string{cacheKey(tenantID, "sub", subject), cacheKey(tenantID, "email", email)} {
		if entry, ok := s.cache[key]; ok {
			if s.now().Before(entry.expires) {
				return entry.user, true
			}
			delete(s.cache, key)
		}
	}
	return User{}, false
}

func (s *Service) cachePut(tenantID string, u User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := cachedUser{user: u, expires: s.now().Add(s.cacheTTL)}
	if u.ExternalSubjectID != "" {
		s.cache[cacheKey(tenantID, "sub", u.ExternalSubjectID)] = entry
	}
	s.cache[cacheKey(tenantID, "email", u.Email)] = entry
}

func cacheKey(tenantID, kind, value string) string {
	return tenantID + "\x00" + kind + "\x00" + value
}
