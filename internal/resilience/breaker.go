// Package resilience keeps the gateway answering while model backends
// misbehave. It provides [Breaker], a circuit breaker guarding a single
// backend, [Failover], a breaker-aware chain of LLM providers, and [Retry],
// a jittered exponential backoff used by the embedding client.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by [Breaker.Do] while the breaker is tripped
// and its cooldown has not elapsed.
var ErrBreakerOpen = errors.New("breaker open")

// BreakerConfig tunes a [Breaker]. Zero fields take defaults.
type BreakerConfig struct {
	// Name labels the guarded backend in log lines.
	Name string

	// Threshold is how many consecutive failures trip the breaker. Default 5.
	Threshold int

	// Cooldown is how long a tripped breaker rejects calls before probing
	// the backend again. Default 30s.
	Cooldown time.Duration

	// ProbeSuccesses is how many calls must succeed after the cooldown
	// before the breaker trusts the backend again. Default 3.
	ProbeSuccesses int

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.ProbeSuccesses <= 0 {
		c.ProbeSuccesses = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Breaker is a three-state circuit breaker. Closed, it forwards every call
// and counts consecutive failures; at the threshold it trips and rejects
// calls until the cooldown passes; then it probes, closing again only after
// enough consecutive successes. A failed probe re-trips immediately.
type Breaker struct {
	cfg BreakerConfig

	mu       sync.Mutex
	failures int       // consecutive failures while closed
	openedAt time.Time // zero unless tripped
	probing  bool
	probeOK  int // consecutive probe successes
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults()}
}

// Breaker states as reported by [Breaker.State].
const (
	BreakerClosed   = "closed"
	BreakerOpen     = "open"
	BreakerHalfOpen = "half-open"
)

// Do runs fn unless the breaker is rejecting calls, and folds fn's outcome
// into the breaker state. The error from fn passes through unchanged.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if !b.openedAt.IsZero() {
		if time.Since(b.openedAt) < b.cfg.Cooldown {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
		// Cooldown over; let this call probe the backend.
		b.openedAt = time.Time{}
		b.probing = true
		b.probeOK = 0
		b.cfg.Logger.Info("breaker probing backend", "backend", b.cfg.Name)
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.onFailure()
	} else {
		b.onSuccess()
	}
	return err
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	if b.probing {
		// The backend is still sick; back to the full cooldown.
		b.trip()
		return
	}
	b.failures++
	if b.failures >= b.cfg.Threshold {
		b.trip()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	if b.probing {
		b.probeOK++
		if b.probeOK >= b.cfg.ProbeSuccesses {
			b.probing = false
			b.failures = 0
			b.cfg.Logger.Info("breaker closed", "backend", b.cfg.Name)
		}
		return
	}
	b.failures = 0
}

// trip must be called with b.mu held.
func (b *Breaker) trip() {
	b.openedAt = time.Now()
	b.probing = false
	b.probeOK = 0
	b.cfg.Logger.Warn("breaker tripped",
		"backend", b.cfg.Name, "consecutive_failures", max(b.failures, b.cfg.Threshold))
}

// State reports the breaker's current state. A tripped breaker whose
// cooldown has elapsed reports half-open; the transition itself happens on
// the next [Breaker.Do].
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case !b.openedAt.IsZero() && time.Since(b.openedAt) < b.cfg.Cooldown:
		return BreakerOpen
	case !b.openedAt.IsZero() || b.probing:
		return BreakerHalfOpen
	default:
		return BreakerClosed
	}
}

// Reset forces the breaker closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.openedAt = time.Time{}
	b.probing = false
	b.probeOK = 0
	b.failures = 0
}
