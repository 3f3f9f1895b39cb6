package retry

import (
	"math"
	"time"
)

// Backoff computes the wait between attempts for one event.
type Backoff interface {
	// Delay returns the wait after the given failed attempt (1-indexed).
	Delay(attempt int) time.Duration
}

// ExponentialBackoff waits BaseDelay * 2^(attempt-1), capped at MaxDelay when set.
type ExponentialBackoff struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (b ExponentialBackoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt-1))
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}
