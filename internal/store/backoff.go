package store

import (
	"math"
	"time"
)

// CalculateBackoff returns the delay before retry number attempt (1-based).
// A nil backoff retries immediately.
func CalculateBackoff(b *Backoff, attempt int) time.Duration {
	if b == nil || b.DelayMs <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}

	var delayMs float64
	switch b.Type {
	case BackoffFixed:
		delayMs = float64(b.DelayMs)
	default:
		delayMs = float64(b.DelayMs) * math.Pow(2, float64(attempt-1))
	}

	if b.MaxMs > 0 && delayMs > float64(b.MaxMs) {
		delayMs = float64(b.MaxMs)
	}
	if delayMs > float64(MaxDelayMs) {
		delayMs = float64(MaxDelayMs)
	}
	return time.Duration(int64(delayMs)) * time.Millisecond
}

// ReadyAt returns now+delay with delay clamped to [0, MaxDelayMs].
func ReadyAt(now time.Time, delay time.Duration) time.Time {
	if delay < 0 {
		delay = 0
	}
	if limit := time.Duration(MaxDelayMs) * time.Millisecond; delay > limit {
		delay = limit
	}
	return now.Add(delay)
}
