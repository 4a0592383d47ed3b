// Package gateway exposes the HTTP and websocket surface: the streaming chat
// endpoint, tenant configuration, the auth callback, and the admin API.
//
// Every request first resolves its tenant from the Host header and then
// authenticates against that tenant's identity provider. Error taxonomy kinds
// map onto HTTP status codes through the fault package; raw backend error text
// never reaches a client.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/helixdesk/cortex/internal/analytics"
	"github.com/helixdesk/cortex/internal/fault"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/pipeline"
	"github.com/helixdesk/cortex/internal/store"
	"github.com/helixdesk/cortex/internal/tenant"
)

// Authenticator is the slice of the identity service the gateway needs.
type Authenticator interface {
	Authenticate(ctx context.Context, p tenant.Profile, bearer string) (identity.Principal, error)
	Evict(tenantID string, u identity.User)
}

// QueryRunner executes one chat query, streaming into the sink.
type QueryRunner interface {
	HandleQuery(ctx context.Context, q pipeline.Query, sink pipeline.Sink) (pipeline.Outcome, error)
}

// ReportReader serves the admin analytics aggregates.
type ReportReader interface {
	Aggregate(ctx context.Context, tenantID string, sinceHours int) (analytics.Report, error)
	Records(ctx context.Context, tenantID string, sinceHours int) ([]store.QueryRecord, error)
}

// Config tunes the gateway. The zero value is completed with defaults.
type Config struct {
	// UserRate/UserBurst bound queries per (tenant, user). Default 1/s, burst 5.
	UserRate  rate.Limit
	UserBurst int

	// IPRate/IPBurst bound requests per source IP. Default 10/s, burst 30.
	IPRate  rate.Limit
	IPBurst int

	// AdminTimeout caps one admin request. Default 10s.
	AdminTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.UserRate == 0 {
		c.UserRate = 1
	}
	if c.UserBurst == 0 {
		c.UserBurst = 5
	}
	if c.IPRate == 0 {
		c.IPRate = 10
	}
	if c.IPBurst == 0 {
		c.IPBurst = 30
	}
	if c.AdminTimeout <= 0 {
		c.AdminTimeout = 10 * time.Second
	}
	return c
}

// Server is the gateway. Create with [NewServer] and mount [Server.Handler].
type Server struct {
	resolver *tenant.Resolver
	auth     Authenticator
	users    identity.UserStore
	backend  store.Backend
	reports  ReportReader
	runner   QueryRunner
	log      *slog.Logger
	cfg      Config

	userLimits *limiterPool
	ipLimits   *limiterPool

	// extra carries operator-mounted handlers (metrics, health).
	extra map[string]http.Handler
}

// NewServer assembles the gateway.
func NewServer(resolver *tenant.Resolver, auth Authenticator, users identity.UserStore,
	backend store.Backend, reports ReportReader, runner QueryRunner, cfg Config, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Server{
		resolver:   resolver,
		auth:       auth,
		users:      users,
		backend:    backend,
		reports:    reports,
		runner:     runner,
		log:        log,
		cfg:        cfg,
		userLimits: newLimiterPool(cfg.UserRate, cfg.UserBurst),
		ipLimits:   newLimiterPool(cfg.IPRate, cfg.IPBurst),
		extra:      map[string]http.Handler{},
	}
}

// Mount attaches an additional handler (e.g. /metrics, /healthz) to the
// gateway mux. Call before Handler.
func (s *Server) Mount(pattern string, h http.Handler) {
	s.extra[pattern] = h
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/tenant/config", s.handleTenantConfig)
	mux.HandleFunc("POST /api/auth/callback", s.handleAuthCallback)
	mux.HandleFunc("GET /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/admin/users", s.handleListUsers)
	mux.HandleFunc("PUT /api/admin/users/{id}", s.handleUpdateUser)
	mux.HandleFunc("DELETE /api/admin/users/{id}", s.handleDeactivateUser)
	mux.HandleFunc("POST /api/admin/users/{id}/reactivate", s.handleReactivateUser)
	mux.HandleFunc("GET /api/admin/audit", s.handleAuditLog)
	mux.HandleFunc("GET /api/admin/analytics/overview", s.handleAnalyticsOverview)
	mux.HandleFunc("GET /api/admin/analytics/trends", s.handleAnalyticsTrends)

	for pattern, h := range s.extra {
		mux.Handle(pattern, h)
	}
	return s.withIPLimit(mux)
}

// withIPLimit enforces the per-IP token bucket before any routing.
func (s *Server) withIPLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.ipLimits.Allow(clientIP(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"code": "rate_limited", "message": "too many requests",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleTenantConfig serves the sanitized tenant profile for the request host.
func (s *Server) handleTenantConfig(w http.ResponseWriter, r *http.Request) {
	profile := s.resolver.Resolve(r.Host)
	writeJSON(w, http.StatusOK, profile.Sanitized())
}

// authCallbackRequest is the body of POST /api/auth/callback.
type authCallbackRequest struct {
	Token string `json:"token"`
}

// handleAuthCallback validates the IdP-issued token for the request host's
// tenant and returns the authenticated principal.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	profile := s.resolver.Resolve(r.Host)

	var body authCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Token == "" {
		s.writeFault(w, fmt.Errorf("%w: missing token", fault.ErrUnauthenticated))
		return
	}

	principal, err := s.auth.Authenticate(r.Context(), profile, body.Token)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":     principal.UserID,
		"email":       principal.Email,
		"departments": principal.Departments,
		"super_user":  principal.IsSuperUser,
	})
}

// authenticate resolves the tenant for r and validates its bearer token.
func (s *Server) authenticate(r *http.Request) (tenant.Profile, identity.Principal, error) {
	profile := s.resolver.Resolve(r.Host)

	bearer := r.Header.Get("Authorization")
	if bearer == "" {
		bearer = r.URL.Query().Get("token")
	}
	principal, err := s.auth.Authenticate(r.Context(), profile, bearer)
	if err != nil {
		return tenant.Profile{}, identity.Principal{}, err
	}
	return profile, principal, nil
}

// writeFault maps an error's taxonomy kind to its HTTP response. Internal
// detail is logged, not sent.
func (s *Server) writeFault(w http.ResponseWriter, err error) {
	status := fault.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"code": fault.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// clientIP extracts the bucket key for per-IP limiting. X-Forwarded-For is
// trusted because the gateway always sits behind the operator's proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
