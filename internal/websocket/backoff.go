package websocket

import (
	"math"
	"time"
)

// Backoff describes the reconnection delay policy.
type Backoff struct {
	// Initial is the delay before the first reconnection attempt.
	Initial time.Duration
	// Max caps every computed delay.
	Max time.Duration
	// Factor is the multiplicative growth per failed attempt.
	Factor float64
	// Jitter randomizes each delay by up to ±Jitter of its value.
	Jitter float64
	// MaxAttempts is the number of reconnection attempts before giving up.
	// Zero means unlimited.
	MaxAttempts int
}

// DefaultBackoff mirrors the defaults of the Socket.IO client.
func DefaultBackoff() Backoff {
	return Backoff{
		Initial:     time.Second,
		Max:         5 * time.Second,
		Factor:      2,
		Jitter:      0.5,
		MaxAttempts: 5,
	}
}

func (b Backoff) normalized() Backoff {
	if b.Initial <= 0 {
		b.Initial = time.Second
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = 1
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.MaxAttempts < 0 {
		b.MaxAttempts = 0
	}
	return b
}

// Delay returns the wait before the given 1-based reconnection attempt.
//
// r must be in [0, 1) and selects the jitter; r below 0.5 shortens the delay,
// r at or above 0.5 lengthens it. The result is always within [Initial, Max].
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	b = b.normalized()
	if attempt < 1 {
		attempt = 1
	}

	base := float64(b.Initial) * math.Pow(b.Factor, float64(attempt-1))
	if b.Jitter > 0 {
		// Map r onto [-1, 1) and scale by the jitter fraction.
		base += base * b.Jitter * (2*r - 1)
	}

	if math.IsInf(base, 0) || math.IsNaN(base) || base > float64(b.Max) {
		return b.Max
	}
	if base < float64(b.Initial) {
		return b.Initial
	}
	return time.Duration(base)
}

// Exhausted reports whether attempt exceeds the attempt cap.
func (b Backoff) Exhausted(attempt int) bool {
	b = b.normalized()
	return b.MaxAttempts > 0 && attempt > b.MaxAttempts
}
