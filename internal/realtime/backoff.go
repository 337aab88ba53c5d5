package realtime

import (
	"math"
	"time"
)

// Backoff controls reconnection after an abnormal closure.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultBackoff returns a Backoff with the standard settings:
// 5 attempts, 1s base delay, 30s max delay.
func DefaultBackoff() Backoff {
	return Backoff{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Delay returns the wait before reconnect attempt k (1-indexed):
// BaseDelay * 2^k, capped at MaxDelay.
func (b Backoff) Delay(attempt int) time.Duration {
	delay := float64(b.BaseDelay) * math.Pow(2, float64(attempt))
	if delay > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempt exceeds the allowed number of reconnects.
func (b Backoff) Exhausted(attempt int) bool {
	return attempt > b.MaxAttempts
}
