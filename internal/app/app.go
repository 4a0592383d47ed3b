// Package app wires the Cortex subsystems together: storage, embeddings,
// tenant resolution, identity, analytics, the cognitive pipeline, and the
// HTTP gateway. It owns startup order and graceful shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/helixdesk/cortex/internal/analytics"
	"github.com/helixdesk/cortex/internal/config"
	"github.com/helixdesk/cortex/internal/embed"
	"github.com/helixdesk/cortex/internal/gateway"
	"github.com/helixdesk/cortex/internal/health"
	"github.com/helixdesk/cortex/internal/heuristics"
	"github.com/helixdesk/cortex/internal/identity"
	"github.com/helixdesk/cortex/internal/memory"
	"github.com/helixdesk/cortex/internal/observe"
	"github.com/helixdesk/cortex/internal/pipeline"
	"github.com/helixdesk/cortex/internal/resilience"
	"github.com/helixdesk/cortex/internal/retrieval"
	"github.com/helixdesk/cortex/internal/store"
	filestore "github.com/helixdesk/cortex/internal/store/file"
	pgstore "github.com/helixdesk/cortex/internal/store/postgres"
	"github.com/helixdesk/cortex/internal/tenant"
	"github.com/helixdesk/cortex/pkg/provider/embeddings"
	"github.com/helixdesk/cortex/pkg/provider/llm"
)

// Providers holds the externally constructed provider implementations the
// application consumes. main populates it from the provider registry; tests
// populate it with mocks.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// App is the assembled server. Create with [New], drive with [App.Run], and
// stop with [App.Shutdown].
type App struct {
	cfg       *config.Config
	providers *Providers
	log       *slog.Logger

	backend  store.Backend
	users    identity.UserStore
	embedder *embed.Client
	catalog  *config.Watcher[*tenant.Catalog]
	resolver *tenant.Resolver
	identity *identity.Service
	recorder *analytics.Recorder
	memory   *memory.Pipeline
	pipeline *pipeline.Pipeline
	gateway  *gateway.Server
	httpSrv  *http.Server

	// closers run during Shutdown in reverse append order: queue flushes
	// first, the storage backend last.
	closers []func() error

	stopOnce sync.Once
	stopErr  error
}

// Option overrides one wired subsystem, for tests.
type Option func(*App)

// WithBackend injects a storage backend, skipping the configured one.
func WithBackend(b store.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithUserStore injects a user store, skipping the backend-derived one.
func WithUserStore(us identity.UserStore) Option {
	return func(a *App) { a.users = us }
}

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) {
		if log != nil {
			a.log = log
		}
	}
}

// New assembles the application from cfg and providers. On error, anything
// already started is closed before returning.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an llm provider is required")
	}
	if providers.Embeddings == nil {
		return nil, errors.New("app: an embeddings provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	steps := []func(context.Context) error{
		a.initStorage,   // ── 1. storage backend + user store ──
		a.initEmbedder,  // ── 2. embedding client + vector cache ──
		a.initTenants,   // ── 3. tenant catalog + hot reload ──
		a.initIdentity,  // ── 4. identity service ──
		a.initAnalytics, // ── 5. analytics recorder ──
		a.initPipeline,  // ── 6. memory, retrieval, cognitive pipeline ──
		a.initGateway,   // ── 7. gateway + http server ──
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			a.closeAll()
			return nil, err
		}
	}
	return a, nil
}

// ── 1. storage ────────────────────────────────────────────────────────────────

func (a *App) initStorage(ctx context.Context) error {
	if a.backend != nil {
		if a.users == nil {
			a.users = identity.NewMemStore()
		}
		return nil
	}

	dim := a.cfg.Storage.EmbeddingDimensions
	if dim <= 0 {
		dim = a.providers.Embeddings.Dimensions()
	}

	switch a.cfg.Storage.Kind {
	case config.StoragePostgres:
		pg, err := pgstore.New(ctx, a.cfg.Storage.PostgresDSN, dim)
		if err != nil {
			return fmt.Errorf("app: postgres backend: %w", err)
		}
		a.backend = pg
		if a.users == nil {
			a.users = pg.Users()
		}
	case config.StorageFile:
		fb, err := filestore.New(a.cfg.Storage.FileRoot, dim)
		if err != nil {
			return fmt.Errorf("app: file backend: %w", err)
		}
		a.backend = fb
		if a.users == nil {
			a.users = identity.NewMemStore()
		}
	default:
		return fmt.Errorf("app: unknown storage kind %q", a.cfg.Storage.Kind)
	}

	a.closers = append(a.closers, a.backend.Close)
	a.log.Info("storage ready", "kind", a.cfg.Storage.Kind, "dimensions", dim)
	return nil
}

// ── 2. embeddings ─────────────────────────────────────────────────────────────

func (a *App) initEmbedder(context.Context) error {
	cacheDir := a.cfg.Storage.EmbedCacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(os.TempDir(), "cortex-embed")
	}

	client, err := embed.New(a.providers.Embeddings, cacheDir, embed.WithLogger(a.log))
	if err != nil {
		return fmt.Errorf("app: embed client: %w", err)
	}
	a.embedder = client
	a.closers = append(a.closers, func() error {
		client.Close()
		return nil
	})
	return nil
}

// ── 3. tenant catalog ─────────────────────────────────────────────────────────

func (a *App) initTenants(context.Context) error {
	var watcherOpts []config.WatcherOption
	if a.cfg.Tenants.ReloadInterval > 0 {
		watcherOpts = append(watcherOpts, config.WithInterval(a.cfg.Tenants.ReloadInterval))
	}

	// The watcher's first poll cannot fire before a.resolver is assigned
	// below: the shortest configurable interval still leaves New time to
	// finish.
	w, err := config.NewWatcher(a.cfg.Tenants.CatalogPath, tenant.ParseCatalog,
		func(_, next *tenant.Catalog) { a.resolver.Invalidate(next) },
		watcherOpts...)
	if err != nil {
		return fmt.Errorf("app: tenant catalog: %w", err)
	}
	a.catalog = w
	a.resolver = tenant.NewResolver(w.Current(), a.log)
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})

	a.log.Info("tenant catalog loaded",
		"path", a.cfg.Tenants.CatalogPath,
		"tenants", len(w.Current().Tenants),
	)
	return nil
}

// ── 4. identity ───────────────────────────────────────────────────────────────

func (a *App) initIdentity(context.Context) error {
	// Every tenant validates the signed session token minted at login. For
	// enterprise tenants the IdP exchange happens in the login flow, before
	// the auth callback ever sees a token.
	session := identity.NewHMACVerifier([]byte(a.cfg.Auth.SessionKey))
	verifierFor := func(p tenant.Profile) (identity.TokenVerifier, error) {
		if len(p.AuthMethods) == 0 {
			return nil, fmt.Errorf("tenant %s has no auth methods", p.Slug)
		}
		return session, nil
	}

	var opts []identity.ServiceOption
	opts = append(opts, identity.WithServiceLogger(a.log))
	if a.cfg.Auth.CacheTTL > 0 {
		opts = append(opts, identity.WithCacheTTL(a.cfg.Auth.CacheTTL))
	}
	a.identity = identity.NewService(a.users, verifierFor, opts...)
	return nil
}

// ── 5. analytics ──────────────────────────────────────────────────────────────

func (a *App) initAnalytics(context.Context) error {
	opts := []analytics.RecorderOption{
		analytics.WithRecorderLogger(a.log),
		analytics.WithMetricsSink(observe.NewEventSink(observe.DefaultMetrics())),
	}
	if a.cfg.Analytics.QueueCapacity > 0 {
		opts = append(opts, analytics.WithQueueCapacity(a.cfg.Analytics.QueueCapacity))
	}
	if a.cfg.Analytics.MaxQueryText > 0 {
		opts = append(opts, analytics.WithMaxQueryText(a.cfg.Analytics.MaxQueryText))
	}
	a.recorder = analytics.NewRecorder(a.backend, opts...)
	a.closers = append(a.closers, func() error {
		a.recorder.Close()
		return nil
	})
	return nil
}

// ── 6. pipeline ───────────────────────────────────────────────────────────────

func (a *App) initPipeline(context.Context) error {
	var memOpts []memory.Option
	memOpts = append(memOpts, memory.WithLogger(a.log))
	if a.cfg.Memory.FlushInterval > 0 {
		memOpts = append(memOpts, memory.WithFlushInterval(a.cfg.Memory.FlushInterval))
	}
	if a.cfg.Memory.MaxBatch > 0 {
		memOpts = append(memOpts, memory.WithMaxBatch(a.cfg.Memory.MaxBatch))
	}
	a.memory = memory.New(a.backend, a.embedder, memOpts...)
	a.closers = append(a.closers, func() error {
		a.memory.Close()
		return nil
	})

	retriever := retrieval.New(a.backend, a.embedder, retrieval.Config{
		TopK:     a.cfg.Retrieval.TopK,
		MinScore: a.cfg.Retrieval.MinScore,
	}, a.log)

	patterns := heuristics.NewPatternDetector(a.backend)

	// A single provider still benefits from the failover wrapper: its circuit
	// breaker sheds load from a struggling backend instead of queueing on it.
	provider := resilience.NewFailover(a.providers.LLM, a.cfg.Providers.LLM.Name,
		resilience.FailoverConfig{Logger: a.log})

	a.pipeline = pipeline.New(provider, retriever, a.backend, a.embedder,
		a.recorder, a.memory, patterns, pipeline.Config{
			ModelID:            a.cfg.Pipeline.Model,
			Temperature:        a.cfg.Pipeline.Temperature,
			MaxTokens:          a.cfg.Pipeline.MaxTokens,
			MaxToolCalls:       a.cfg.Pipeline.MaxToolCalls,
			PassageTokenBudget: a.cfg.Pipeline.PassageTokenBudget,
		}, a.log)
	return nil
}

// ── 7. gateway ────────────────────────────────────────────────────────────────

func (a *App) initGateway(context.Context) error {
	reader := analytics.NewReader(a.backend)

	a.gateway = gateway.NewServer(a.resolver, a.identity, a.users, a.backend,
		reader, a.pipeline, gateway.Config{}, a.log)

	checks := health.New(health.Backend(a.backend))
	a.gateway.Mount("GET /healthz", http.HandlerFunc(checks.Healthz))
	a.gateway.Mount("GET /readyz", http.HandlerFunc(checks.Readyz))
	a.gateway.Mount("GET /metrics", promhttp.Handler())

	handler := observe.Middleware(observe.DefaultMetrics())(a.gateway.Handler())

	a.httpSrv = &http.Server{
		Addr:    a.cfg.Server.ListenAddr,
		Handler: handler,
	}
	return nil
}

// Handler returns the fully assembled HTTP handler. Exposed for tests that
// drive the app through httptest instead of a real listener.
func (a *App) Handler() http.Handler {
	return a.httpSrv.Handler
}

// Run serves HTTP until ctx is cancelled or the listener fails. It does not
// shut anything down; call [App.Shutdown] afterwards.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.httpSrv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.log.Info("gateway listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	}
}

// Shutdown stops the HTTP server, flushes the write queues, and closes the
// storage backend, in that order. Safe to call more than once; later calls
// return the first result.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		var errs []error

		// Stop accepting requests and drain in-flight ones within the
		// caller's deadline.
		if err := a.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}

		errs = append(errs, a.closeAll()...)
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// closeAll runs the closers in reverse append order so that consumers stop
// before the stores they write to.
func (a *App) closeAll() []error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errs
}
