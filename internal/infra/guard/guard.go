// Package guard protects outbound calls to a quota-limited dependency.
//
// A Guard combines three checks, evaluated in order on every call:
//   - circuit breaker: two states only, Closed and Open. The circuit opens after
//     FailureThreshold consecutive failures, or at once on a quota-exceeded signal,
//     and closes by itself once the cooldown has passed.
//   - sliding-window rate limiter over request timestamps.
//   - in-flight dedup: a key may have at most one pending call.
//
// Blocked calls are reported as a Decision (or *BlockedError from Do), never a panic.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/payguard/internal/processing/metrics"
)

// BlockReason is the machine-readable reason a call was refused.
type BlockReason string

const (
	ReasonCircuitOpen BlockReason = "circuit_open"
	ReasonRateLimited BlockReason = "rate_limit_exceeded"
	ReasonDuplicate   BlockReason = "duplicate_request"
)

// duplicateRetryHint is the retry-after reported for a key that is still in flight.
const duplicateRetryHint = time.Minute

// ErrQuotaExceeded can be returned (or wrapped) by a guarded call to open the circuit immediately.
var ErrQuotaExceeded = errors.New("quota exceeded")

// Config holds guard thresholds.
type Config struct {
	Name             string        `yaml:"name"`
	FailureThreshold int           `yaml:"circuit_threshold"`
	Cooldown         time.Duration `yaml:"circuit_cooldown"`
	MaxPerWindow     int           `yaml:"rate_limit_max_per_window"`
	Window           time.Duration `yaml:"rate_limit_window"`
}

// DefaultConfig returns the defaults used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Name:             "default",
		FailureThreshold: 3,
		Cooldown:         5 * time.Minute,
		MaxPerWindow:     4,
		Window:           60 * time.Second,
	}
}

// Decision is the result of a CanProceed check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Reason     BlockReason   `json:"reason,omitempty"`
	RetryAfter time.Duration `json:"-"`
}

// RetryAfterMinutes rounds RetryAfter up to whole minutes; blocked decisions report at least 1.
func (d Decision) RetryAfterMinutes() int {
	if d.Allowed {
		return 0
	}
	m := int(math.Ceil(d.RetryAfter.Minutes()))
	if m < 1 {
		return 1
	}
	return m
}

// BlockedError is returned by Do when the guard refuses a call.
type BlockedError struct {
	Decision Decision
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("guard blocked: %s (retry after %d minutes)", e.Decision.Reason, e.Decision.RetryAfterMinutes())
}

// State is a point-in-time snapshot of the guard.
type State struct {
	Name             string     `json:"name"`
	CircuitOpen      bool       `json:"circuit_open"`
	CircuitOpenUntil *time.Time `json:"circuit_open_until,omitempty"`
	FailureCount     int        `json:"failure_count"`
	RequestsInWindow int        `json:"requests_in_window"`
	PendingKeys      []string   `json:"pending_keys"`
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

// Guard owns the protection state for one dependency.
type Guard struct {
	mu  sync.Mutex
	cfg Config
	now func() time.Time

	failureCount      int
	circuitOpenUntil  time.Time // zero while closed
	requestTimestamps []time.Time
	pendingKeys       map[string]struct{}
}

// New creates a guard. Zero config fields fall back to DefaultConfig.
func New(cfg Config, opts ...Option) *Guard {
	def := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = def.MaxPerWindow
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}

	g := &Guard{
		cfg:         cfg,
		now:         time.Now,
		pendingKeys: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	metrics.GuardCircuitOpen.WithLabelValues(cfg.Name).Set(0)
	return g
}

// CanProceed reports whether a call with key may start now. An empty key skips dedup.
func (g *Guard) CanProceed(key string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.checkUnsafe(key, g.now())
}

// RegisterRequest records a call start in the rate window and marks key pending.
func (g *Guard) RegisterRequest(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.registerUnsafe(key, g.now())
}

// RecordSuccess resets the failure counter and releases key.
func (g *Guard) RecordSuccess(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureCount = 0
	g.releaseUnsafe(key)
}

// RecordFailure counts a failure, opening the circuit if needed, and releases key.
func (g *Guard) RecordFailure(err error, key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseUnsafe(key)
	g.failureCount++

	now := g.now()
	if IsQuotaExceeded(err) {
		g.openUnsafe(now, "quota_exceeded", err)
		return
	}
	if g.failureCount >= g.cfg.FailureThreshold && g.circuitOpenUntil.IsZero() {
		g.openUnsafe(now, "failure_threshold", err)
	}
}

// Release frees key without touching the failure counter. Used for caller cancellations.
func (g *Guard) Release(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.releaseUnsafe(key)
}

// Acquire checks and registers in one critical section. When allowed, the returned
// release must be called exactly once with the call's outcome; extra calls are no-ops.
func (g *Guard) Acquire(key string) (release func(err error), d Decision) {
	g.mu.Lock()
	now := g.now()
	d = g.checkUnsafe(key, now)
	if !d.Allowed {
		g.mu.Unlock()
		return func(error) {}, d
	}
	g.registerUnsafe(key, now)
	g.mu.Unlock()

	var once sync.Once
	return func(err error) {
		once.Do(func() {
			switch {
			case err == nil:
				g.RecordSuccess(key)
			case errors.Is(err, context.Canceled):
				g.Release(key)
			default:
				g.RecordFailure(err, key)
			}
		})
	}, d
}

// Do runs fn under the guard. The key is released on every exit path, panics included.
func (g *Guard) Do(ctx context.Context, key string, fn func(ctx context.Context) error) (err error) {
	release, d := g.Acquire(key)
	if !d.Allowed {
		return &BlockedError{Decision: d}
	}

	completed := false
	defer func() {
		if !completed {
			release(fmt.Errorf("guarded call panicked"))
		}
	}()

	err = fn(ctx)
	completed = true
	release(err)
	return err
}

// Snapshot returns the current state.
func (g *Guard) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneUnsafe(now)

	st := State{
		Name:             g.cfg.Name,
		FailureCount:     g.failureCount,
		RequestsInWindow: len(g.requestTimestamps),
		PendingKeys:      make([]string, 0, len(g.pendingKeys)),
	}
	if !g.circuitOpenUntil.IsZero() && !now.After(g.circuitOpenUntil) {
		until := g.circuitOpenUntil
		st.CircuitOpen = true
		st.CircuitOpenUntil = &until
	}
	for k := range g.pendingKeys {
		st.PendingKeys = append(st.PendingKeys, k)
	}
	sort.Strings(st.PendingKeys)
	return st
}

// Reset clears all protection state. This is the only way to close the circuit early.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failureCount = 0
	g.circuitOpenUntil = time.Time{}
	g.requestTimestamps = nil
	g.pendingKeys = make(map[string]struct{})
	metrics.GuardCircuitOpen.WithLabelValues(g.cfg.Name).Set(0)
	slog.Info("Protection guard reset", "guard", g.cfg.Name)
}

func (g *Guard) checkUnsafe(key string, now time.Time) Decision {
	if !g.circuitOpenUntil.IsZero() {
		if now.After(g.circuitOpenUntil) {
			g.circuitOpenUntil = time.Time{}
			g.failureCount = 0
			metrics.GuardCircuitOpen.WithLabelValues(g.cfg.Name).Set(0)
			slog.Info("Circuit closed", "guard", g.cfg.Name)
		} else {
			return g.blocked(ReasonCircuitOpen, g.circuitOpenUntil.Sub(now))
		}
	}

	g.pruneUnsafe(now)
	if len(g.requestTimestamps) >= g.cfg.MaxPerWindow {
		return g.blocked(ReasonRateLimited, g.requestTimestamps[0].Add(g.cfg.Window).Sub(now))
	}

	if key != "" {
		if _, pending := g.pendingKeys[key]; pending {
			return g.blocked(ReasonDuplicate, duplicateRetryHint)
		}
	}

	metrics.GuardDecisions.WithLabelValues(g.cfg.Name, "allowed").Inc()
	return Decision{Allowed: true}
}

func (g *Guard) blocked(reason BlockReason, retryAfter time.Duration) Decision {
	metrics.GuardDecisions.WithLabelValues(g.cfg.Name, string(reason)).Inc()
	return Decision{Reason: reason, RetryAfter: retryAfter}
}

func (g *Guard) registerUnsafe(key string, now time.Time) {
	g.requestTimestamps = append(g.requestTimestamps, now)
	if key != "" {
		g.pendingKeys[key] = struct{}{}
	}
}

func (g *Guard) releaseUnsafe(key string) {
	if key != "" {
		delete(g.pendingKeys, key)
	}
}

// pruneUnsafe drops timestamps that fell out of the window. Timestamps are appended in order.
func (g *Guard) pruneUnsafe(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.requestTimestamps) && !g.requestTimestamps[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.requestTimestamps = append(g.requestTimestamps[:0], g.requestTimestamps[i:]...)
	}
}

func (g *Guard) openUnsafe(now time.Time, trigger string, err error) {
	g.circuitOpenUntil = now.Add(g.cfg.Cooldown)
	metrics.GuardCircuitOpen.WithLabelValues(g.cfg.Name).Set(1)
	slog.Warn("Circuit opened",
		"guard", g.cfg.Name,
		"trigger", trigger,
		"failures", g.failureCount,
		"until", g.circuitOpenUntil,
		"error", err,
	)
}

// IsQuotaExceeded reports whether err signals an exhausted quota.
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrQuotaExceeded) {
		return true
	}
	var q interface{ QuotaExceeded() bool }
	return errors.As(err, &q) && q.QuotaExceeded()
}
