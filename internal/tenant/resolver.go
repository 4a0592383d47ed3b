package tenant

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/helixdesk/cortex/internal/fault"
)

// Resolver answers hostname and slug lookups against the current catalog.
//
// The hot path is lock-free: resolved profiles are memoized in a
// copy-on-write map that is swapped atomically, so request handlers never
// block on a writer. Invalidate replaces the catalog and drops the memo.
type Resolver struct {
	log *slog.Logger

	// state holds the catalog plus its host memo; replaced wholesale on
	// Invalidate.
	state atomic.Pointer[resolverState]

	// fillMu serialises memo fills so a burst of misses on one host does one
	// copy, not many.
	fillMu sync.Mutex
}

type resolverState struct {
	catalog *Catalog
	byHost  map[string]Profile
}

// NewResolver creates a resolver over cat.
func NewResolver(cat *Catalog, log *slog.Logger) *Resolver {
	if log == nil {
		log = slog.Default()
	}
	r := &Resolver{log: log}
	r.state.Store(&resolverState{catalog: cat, byHost: map[string]Profile{}})
	return r
}

// Resolve maps a request hostname to its tenant profile. It never fails: an
// unknown host resolves to the consumer profile.
func (r *Resolver) Resolve(host string) Profile {
	key := normalizeHost(host)
	st := r.state.Load()
	if p, ok := st.byHost[key]; ok {
		return p
	}

	p := st.catalog.resolve(key)

	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	cur := r.state.Load()
	if cur.catalog != st.catalog {
		// Catalog swapped while resolving; serve the answer but skip the memo.
		return cur.catalog.resolve(key)
	}
	if _, ok := cur.byHost[key]; !ok {
		next := make(map[string]Profile, len(cur.byHost)+1)
		for k, v := range cur.byHost {
			next[k] = v
		}
		next[key] = p
		r.state.Store(&resolverState{catalog: cur.catalog, byHost: next})
	}
	return p
}

// BySlug returns the profile with the given slug, or fault.ErrTenantUnknown.
func (r *Resolver) BySlug(slug string) (Profile, error) {
	p, ok := r.state.Load().catalog.BySlug(slug)
	if !ok {
		return Profile{}, fmt.Errorf("%w: %s", fault.ErrTenantUnknown, slug)
	}
	return p, nil
}

// Consumer returns the consumer-mode profile.
func (r *Resolver) Consumer() Profile {
	return r.state.Load().catalog.Consumer
}

// Tenants returns all enterprise tenant profiles.
func (r *Resolver) Tenants() []Profile {
	return r.state.Load().catalog.Tenants
}

// Invalidate swaps in a freshly loaded catalog and drops the host memo.
func (r *Resolver) Invalidate(cat *Catalog) {
	r.fillMu.Lock()
	defer r.fillMu.Unlock()
	r.state.Store(&resolverState{catalog: cat, byHost: map[string]Profile{}})
	r.log.Info("tenant catalog refreshed", "tenants", len(cat.Tenants))
}
