package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields are replaced with defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the first retry; subsequent delays double.
	// Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the per-retry delay after exponential growth.
	// Default: 5s.
	MaxDelay time.Duration

	// Jitter is the fraction of the computed delay added or subtracted at
	// random, in [0, 1]. Default: 0.2.
	Jitter float64
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 5 * time.Second
	}
	if c.Jitter <= 0 || c.Jitter > 1 {
		c.Jitter = 0.2
	}
	return c
}

// Permanent wraps err to signal [Retry] that further attempts are pointless
// (e.g., a constraint violation rather than a transient infrastructure error).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err}
}

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Retry runs fn up to cfg.MaxAttempts times with exponential backoff and
// jitter between attempts. It stops early when fn succeeds, when fn returns an
// error wrapped by [Permanent], or when ctx is cancelled. The last error is
// returned on exhaustion.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var perm permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		// Spread retries with ±Jitter randomisation to avoid thundering herds.
		jittered := delay + time.Duration((rand.Float64()*2-1)*cfg.Jitter*float64(delay))
		select {
		case <-time.After(jittered):
		case <-ctx.Done():
			return fmt.Errorf("retry aborted: %w", context.Cause(ctx))
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return lastErr
}
