package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/helixdesk/cortex/pkg/provider/llm"
	"github.com/helixdesk/cortex/pkg/types"
)

// ErrAllBackendsFailed is returned when every backend in a [Failover] chain
// errored or had a tripped breaker.
var ErrAllBackendsFailed = errors.New("all model backends failed")

// FailoverConfig configures a [Failover] chain and the breaker guarding
// each backend in it.
type FailoverConfig struct {
	Breaker BreakerConfig

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Failover is an [llm.Provider] that chains several backends: each call goes
// to the first backend whose breaker admits it, moving down the chain on
// failure. Add registers fallbacks in preference order after the primary.
//
// Only the initial attempt fails over; once a stream is established,
// mid-stream errors belong to the caller.
type Failover struct {
	cfg      FailoverConfig
	log      *slog.Logger
	backends []failoverBackend
}

type failoverBackend struct {
	name     string
	provider llm.Provider
	breaker  *Breaker
}

var _ llm.Provider = (*Failover)(nil)

// NewFailover creates a chain with primary as its only backend.
func NewFailover(primary llm.Provider, name string, cfg FailoverConfig) *Failover {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &Failover{cfg: cfg, log: cfg.Logger}
	f.Add(name, primary)
	return f
}

// Add appends a fallback backend. Not safe to call concurrently with use.
func (f *Failover) Add(name string, p llm.Provider) {
	bcfg := f.cfg.Breaker
	bcfg.Name = name
	if bcfg.Logger == nil {
		bcfg.Logger = f.log
	}
	f.backends = append(f.backends, failoverBackend{
		name:     name,
		provider: p,
		breaker:  NewBreaker(bcfg),
	})
}

// Complete answers from the first healthy backend.
func (f *Failover) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return attempt(f, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens a stream on the first healthy backend.
func (f *Failover) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return attempt(f, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens uses the first healthy backend's tokenizer.
func (f *Failover) CountTokens(messages []types.Message) (int, error) {
	return attempt(f, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities are the primary's; static metadata does not fail over.
func (f *Failover) Capabilities() types.ModelCapabilities {
	if len(f.backends) == 0 {
		return types.ModelCapabilities{}
	}
	return f.backends[0].provider.Capabilities()
}

// attempt walks the chain until fn succeeds. A package function because Go
// methods cannot carry their own type parameters.
func attempt[R any](f *Failover, fn func(llm.Provider) (R, error)) (R, error) {
	var lastErr error
	for _, b := range f.backends {
		var out R
		err := b.breaker.Do(func() error {
			var err error
			out, err = fn(b.provider)
			return err
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
		if errors.Is(err, ErrBreakerOpen) {
			f.log.Debug("skipping backend, breaker open", "backend", b.name)
		} else {
			f.log.Warn("backend failed, trying next", "backend", b.name, "error", err)
		}
	}
	var zero R
	return zero, fmt.Errorf("%w: %v", ErrAllBackendsFailed, lastErr)
}
