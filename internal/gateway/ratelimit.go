package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPool hands out token buckets keyed by string (a user key or a source
// IP). Buckets idle past the eviction window are dropped on the next sweep so
// the map does not grow with every visitor ever seen.
type limiterPool struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	buckets  map[string]*bucketEntry
	lastSweep time.Time
}

type bucketEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	bucketIdleEviction = 10 * time.Minute
	sweepInterval      = time.Minute
)

func newLimiterPool(limit rate.Limit, burst int) *limiterPool {
	return &limiterPool{
		limit:     limit,
		burst:     burst,
		buckets:   map[string]*bucketEntry{},
		lastSweep: time.Now(),
	}
}

// Allow reports whether one more request under key fits the bucket.
func (p *limiterPool) Allow(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if now.Sub(p.lastSweep) > sweepInterval {
		for k, e := range p.buckets {
			if now.Sub(e.lastSeen) > bucketIdleEviction {
				delete(p.buckets, k)
			}
		}
		p.lastSweep = now
	}

	e, ok := p.buckets[key]
	if !ok {
		e = &bucketEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.buckets[key] = e
	}
	e.lastSeen = now
	return e.limiter.Allow()
}
