package terminal

import (
	"sync"
	"time"
)

// Limits applied to browser-originated terminal traffic.
const (
	// MaxInputMessageSize is the largest WebSocket message accepted from a client.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols = 500
	MaxTermRows = 200

	DefaultCols = 80
	DefaultRows = 24

	// MessageRateLimit is the sustained number of client messages per second.
	MessageRateLimit = 100
	// MessageRateBurst is the burst allowance on top of MessageRateLimit.
	MessageRateBurst = 200
)

// ClampSize bounds a requested window size. Non-positive values fall back to
// the defaults.
func ClampSize(cols, rows int) (int, int) {
	if cols <= 0 {
		cols = DefaultCols
	}
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	return cols, rows
}

// RateLimiter is a token bucket for client messages.
type RateLimiter struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter allows rate messages per second with the given burst.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// Allow consumes one token and reports whether the message may proceed.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	elapsed := now.Sub(rl.lastRefill).Seconds()
	rl.lastRefill = now

	rl.tokens += elapsed * rl.refillRate
	if rl.tokens > rl.maxTokens {
		rl.tokens = rl.maxTokens
	}
	if rl.tokens < 1 {
		return false
	}
	rl.tokens--
	return true
}
