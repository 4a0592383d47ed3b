package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBackendDown = errors.New("backend down")

func trippedBreaker(t *testing.T, cfg BreakerConfig) *Breaker {
	t.Helper()
	b := NewBreaker(cfg)
	for i := 0; i < b.cfg.Threshold; i++ {
		_ = b.Do(func() error { return errBackendDown })
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open after %d failures", b.State(), b.cfg.Threshold)
	}
	return b
}

func TestBreakerClosedForwardsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})
	called := false
	if err := b.Do(func() error { called = true; return nil }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !called {
		t.Fatal("fn not called through a closed breaker")
	}
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b := trippedBreaker(t, BreakerConfig{Name: "test", Threshold: 3, Cooldown: time.Hour})

	err := b.Do(func() error { t.Fatal("call admitted through open breaker"); return nil })
	if !errors.Is(err, ErrBreakerOpen) {
		t.Fatalf("err = %v, want ErrBreakerOpen", err)
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", Threshold: 3})

	_ = b.Do(func() error { return errBackendDown })
	_ = b.Do(func() error { return errBackendDown })
	_ = b.Do(func() error { return nil })

	_ = b.Do(func() error { return errBackendDown })
	_ = b.Do(func() error { return errBackendDown })
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed: success must clear the streak", b.State())
	}
}

func TestBreakerHalfOpenAfterCooldown(t *testing.T) {
	b := trippedBreaker(t, BreakerConfig{Name: "test", Threshold: 2, Cooldown: 10 * time.Millisecond})

	time.Sleep(15 * time.Millisecond)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("state = %s, want half-open after the cooldown", b.State())
	}
}

func TestBreakerClosesAfterProbeSuccesses(t *testing.T) {
	b := trippedBreaker(t, BreakerConfig{
		Name: "test", Threshold: 2, Cooldown: 10 * time.Millisecond, ProbeSuccesses: 2,
	})

	time.Sleep(15 * time.Millisecond)
	for i := 0; i < 2; i++ {
		if err := b.Do(func() error { return nil }); err != nil {
			t.Fatalf("probe %d: %v", i, err)
		}
	}
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after successful probes", b.State())
	}
}

func TestBreakerFailedProbeReTrips(t *testing.T) {
	b := trippedBreaker(t, BreakerConfig{
		Name: "test", Threshold: 2, Cooldown: 10 * time.Millisecond, ProbeSuccesses: 3,
	})

	time.Sleep(15 * time.Millisecond)
	if err := b.Do(func() error { return errBackendDown }); !errors.Is(err, errBackendDown) {
		t.Fatalf("probe err = %v, want the backend error through", err)
	}
	if b.State() != BreakerOpen {
		t.Fatalf("state = %s, want open again after a failed probe", b.State())
	}
}

func TestBreakerReset(t *testing.T) {
	b := trippedBreaker(t, BreakerConfig{Name: "test", Threshold: 2, Cooldown: time.Hour})

	b.Reset()
	if b.State() != BreakerClosed {
		t.Fatalf("state = %s, want closed after Reset", b.State())
	}
	if err := b.Do(func() error { return nil }); err != nil {
		t.Fatalf("Do after reset: %v", err)
	}
}
