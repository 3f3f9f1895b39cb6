package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type quotaErr struct{}

func (quotaErr) Error() string       { return "insufficient_quota" }
func (quotaErr) QuotaExceeded() bool { return true }

func newTestGuard(clock *fakeClock) *Guard {
	return New(Config{
		Name:             "test",
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		MaxPerWindow:     4,
		Window:           time.Minute,
	}, WithClock(clock.Now))
}

func TestGuard_CircuitOpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock)

	for i := 0; i < 2; i++ {
		g.RecordFailure(errors.New("boom"), "")
		if d := g.CanProceed(""); !d.Allowed {
			t.Fatalf("failure %d: expected allowed, got %s", i+1, d.Reason)
		}
	}

	g.RecordFailure(errors.New("boom"), "")
	d := g.CanProceed("")
	if d.Allowed || d.Reason != ReasonCircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", d)
	}
	if d.RetryAfterMinutes() != 5 {
		t.Errorf("expected retry after 5 minutes, got %d", d.RetryAfterMinutes())
	}

	// Still blocked right up to the end of the cooldown
	clock.Advance(5*time.Minute - time.Second)
	if d := g.CanProceed(""); d.Reason != ReasonCircuitOpen {
		t.Fatalf("expected still open, got %+v", d)
	}

	clock.Advance(2 * time.Second)
	if d := g.CanProceed(""); !d.Allowed {
		t.Fatalf("expected allowed after cooldown, got %+v", d)
	}
	if st := g.Snapshot(); st.CircuitOpen || st.FailureCount != 0 {
		t.Errorf("expected closed circuit with reset counter, got %+v", st)
	}
}

func TestGuard_SuccessResetsFailureCount(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock)

	g.RecordFailure(errors.New("boom"), "")
	g.RecordFailure(errors.New("boom"), "")
	g.RecordSuccess("")
	g.RecordFailure(errors.New("boom"), "")

	if d := g.CanProceed(""); !d.Allowed {
		t.Fatalf("non-consecutive failures should not open the circuit: %+v", d)
	}
}

func TestGuard_QuotaExceededOpensImmediately(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock)

	g.RecordFailure(fmt.Errorf("call failed: %w", quotaErr{}), "k1")

	if d := g.CanProceed(""); d.Reason != ReasonCircuitOpen {
		t.Fatalf("expected circuit_open after quota signal, got %+v", d)
	}

	// A late in-flight success must not close the circuit
	g.RecordSuccess("k2")
	clock.Advance(4 * time.Minute)
	if d := g.CanProceed(""); d.Reason != ReasonCircuitOpen {
		t.Fatalf("expected circuit to stay open for the full cooldown, got %+v", d)
	}

	clock.Advance(time.Minute + time.Millisecond)
	if d := g.CanProceed(""); !d.Allowed {
		t.Fatalf("expected allowed after cooldown, got %+v", d)
	}
}

func TestGuard_QuotaSentinel(t *testing.T) {
	g := newTestGuard(newFakeClock())
	g.RecordFailure(ErrQuotaExceeded, "")
	if d := g.CanProceed(""); d.Reason != ReasonCircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", d)
	}
}

func TestGuard_RateLimitSlidingWindow(t *testing.T) {
	clock := newFakeClock()
	g := newTestGuard(clock)

	for i := 0; i < 4; i++ {
		d := g.CanProceed("")
		if !d.Allowed {
			t.Fatalf("request %d should be allowed: %+v", i+1, d)
		}
		g.RegisterRequest("")
		g.RecordSuccess("")
		clock.Advance(10 * time.Second)
	}

	d := g.CanProceed("search")
	if d.Allowed || d.Reason != ReasonRateLimited {
		t.Fatalf("expected rate_limit_exceeded, got %+v", d)
	}
	// Oldest request was 40s ago, so it leaves the window in 20s
	if d.RetryAfter != 20*time.Second {
		t.Errorf("expected retry after 20s, got %v", d.RetryAfter)
	}
	if d.RetryAfterMinutes() != 1 {
		t.Errorf("expected 1 minute, got %d", d.RetryAfterMinutes())
	}

	clock.Advance(20 * time.Second)
	if d := g.CanProceed("search"); !d.Allowed {
		t.Fatalf("expected allowed once the oldest request left the window, got %+v", d)
	}
}

func TestGuard_DuplicateInFlight(t *testing.T) {
	g := newTestGuard(newFakeClock())

	release, d := g.Acquire("doc-1")
	if !d.Allowed {
		t.Fatalf("first acquire should be allowed: %+v", d)
	}

	if d := g.CanProceed("doc-1"); d.Reason != ReasonDuplicate {
		t.Fatalf("expected duplicate_request, got %+v", d)
	}
	if d := g.CanProceed("doc-2"); !d.Allowed {
		t.Fatalf("other keys should pass: %+v", d)
	}

	release(nil)
	release(nil)

	if d := g.CanProceed("doc-1"); !d.Allowed {
		t.Fatalf("expected key released, got %+v", d)
	}
}

func TestGuard_DoReleasesKeyOnEveryExit(t *testing.T) {
	ctx := context.Background()

	t.Run("error", func(t *testing.T) {
		g := newTestGuard(newFakeClock())
		err := g.Do(ctx, "k", func(ctx context.Context) error {
			return errors.New("upstream 500")
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if err := g.Do(ctx, "k", func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("same key right after a failure should succeed, got %v", err)
		}
	})

	t.Run("panic", func(t *testing.T) {
		g := newTestGuard(newFakeClock())
		func() {
			defer func() {
				if recover() == nil {
					t.Fatal("expected panic to propagate")
				}
			}()
			_ = g.Do(ctx, "k", func(ctx context.Context) error {
				panic("handler bug")
			})
		}()

		if st := g.Snapshot(); len(st.PendingKeys) != 0 {
			t.Fatalf("expected no pending keys after panic, got %v", st.PendingKeys)
		}
		if st := g.Snapshot(); st.FailureCount != 1 {
			t.Errorf("expected panic counted as failure, got %d", st.FailureCount)
		}
	})

	t.Run("canceled", func(t *testing.T) {
		g := newTestGuard(newFakeClock())
		_ = g.Do(ctx, "k", func(ctx context.Context) error { return context.Canceled })
		st := g.Snapshot()
		if len(st.PendingKeys) != 0 || st.FailureCount != 0 {
			t.Fatalf("cancellation should release without counting: %+v", st)
		}
	})
}

func TestGuard_DoReturnsBlockedError(t *testing.T) {
	g := newTestGuard(newFakeClock())
	g.RecordFailure(ErrQuotaExceeded, "")

	called := false
	err := g.Do(context.Background(), "k", func(ctx context.Context) error {
		called = true
		return nil
	})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if blocked.Decision.Reason != ReasonCircuitOpen {
		t.Errorf("expected circuit_open, got %s", blocked.Decision.Reason)
	}
	if called {
		t.Error("blocked call must not run")
	}
}

func TestGuard_Reset(t *testing.T) {
	g := newTestGuard(newFakeClock())
	g.RecordFailure(ErrQuotaExceeded, "")
	g.RegisterRequest("stuck")

	g.Reset()

	st := g.Snapshot()
	if st.CircuitOpen || st.FailureCount != 0 || st.RequestsInWindow != 0 || len(st.PendingKeys) != 0 {
		t.Fatalf("expected clean state, got %+v", st)
	}
}

func TestGuard_ConcurrentAcquireIsAtomic(t *testing.T) {
	g := New(Config{Name: "test", MaxPerWindow: 1000, Window: time.Minute}, WithClock(newFakeClock().Now))

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, d := g.Acquire("same"); d.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 1 {
		t.Fatalf("expected exactly one in-flight acquisition, got %d", allowed)
	}
}
