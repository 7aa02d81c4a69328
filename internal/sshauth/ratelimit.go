package sshauth

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/dirkpetersen/web-term/internal/logutil"
)

// Login attempts per username are limited two ways: a sliding window of
// attempts per minute, and an escalating block after consecutive failures
// (30s, doubling, capped at 5m). A successful login clears the block.
const (
	rateLimitWindow           = 1 * time.Minute
	rateLimitMaxAttempts      = 10
	rateLimitFailureThreshold = 5
	rateLimitInitialBlock     = 30 * time.Second
	rateLimitMaxBlock         = 5 * time.Minute
)

// ErrRateLimited is returned when a login attempt is rejected before any
// connection is made.
type ErrRateLimited struct {
	Username   string
	Reason     string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("too many login attempts for %s: %s (retry after %s)", e.Username, e.Reason, e.RetryAfter.Round(time.Second))
}

type userRateState struct {
	attempts            []time.Time
	consecutiveFailures int
	blockedUntil        time.Time
	blockDuration       time.Duration
	lastFailure         time.Time
}

// lastSeen is the newest attempt or failure recorded for the username.
func (s *userRateState) lastSeen() time.Time {
	last := s.lastFailure
	if n := len(s.attempts); n > 0 && s.attempts[n-1].After(last) {
		last = s.attempts[n-1]
	}
	return last
}

type RateLimiter struct {
	mu     sync.Mutex
	states map[string]*userRateState

	nowFunc func() time.Time
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		states:  make(map[string]*userRateState),
		nowFunc: time.Now,
	}
}

// getOrCreate must be called with rl.mu held.
func (rl *RateLimiter) getOrCreate(username string) *userRateState {
	state, ok := rl.states[username]
	if !ok {
		state = &userRateState{}
		rl.states[username] = state
	}
	return state
}

// Allow records an attempt for username, or returns *ErrRateLimited.
func (rl *RateLimiter) Allow(username string) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(username)

	if !state.blockedUntil.IsZero() && now.Before(state.blockedUntil) {
		return &ErrRateLimited{
			Username:   username,
			Reason:     fmt.Sprintf("blocked after %d consecutive failures", state.consecutiveFailures),
			RetryAfter: state.blockedUntil.Sub(now),
		}
	}

	cutoff := now.Add(-rateLimitWindow)
	recent := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	state.attempts = recent

	if len(state.attempts) >= rateLimitMaxAttempts {
		retryAfter := state.attempts[0].Add(rateLimitWindow).Sub(now)
		if retryAfter < 0 {
			retryAfter = 0
		}
		log.Printf("[auth] %s exceeded %d attempts in %s", logutil.SanitizeForLog(username), rateLimitMaxAttempts, rateLimitWindow)
		return &ErrRateLimited{
			Username:   username,
			Reason:     fmt.Sprintf("exceeded %d attempts in %s", rateLimitMaxAttempts, rateLimitWindow),
			RetryAfter: retryAfter,
		}
	}

	state.attempts = append(state.attempts, now)
	return nil
}

// RecordSuccess clears the failure counter and any block for username.
func (rl *RateLimiter) RecordSuccess(username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	state, ok := rl.states[username]
	if !ok {
		return
	}
	state.consecutiveFailures = 0
	state.blockedUntil = time.Time{}
	state.blockDuration = 0
}

// RecordFailure counts a failed login and blocks username once the
// threshold is reached.
func (rl *RateLimiter) RecordFailure(username string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	state := rl.getOrCreate(username)
	state.consecutiveFailures++
	state.lastFailure = now

	if state.consecutiveFailures >= rateLimitFailureThreshold {
		if state.blockDuration == 0 {
			state.blockDuration = rateLimitInitialBlock
		} else {
			state.blockDuration *= 2
			if state.blockDuration > rateLimitMaxBlock {
				state.blockDuration = rateLimitMaxBlock
			}
		}
		state.blockedUntil = now.Add(state.blockDuration)
		log.Printf("[auth] %s blocked for %s after %d consecutive failures",
			logutil.SanitizeForLog(username), state.blockDuration, state.consecutiveFailures)
	}
}

// Prune drops state for usernames with no active block and no recent
// activity. Failure counters are kept for rateLimitMaxBlock after the last
// failure so the block keeps escalating, then dropped with the rest: the map
// is keyed by client-supplied names and must not grow without bound.
func (rl *RateLimiter) Prune() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.nowFunc()
	removed := 0
	for name, state := range rl.states {
		if now.Before(state.blockedUntil) {
			continue
		}
		idle := rateLimitWindow
		if state.consecutiveFailures > 0 {
			idle = rateLimitMaxBlock
		}
		if state.lastSeen().After(now.Add(-idle)) {
			continue
		}
		delete(rl.states, name)
		removed++
	}
	return removed
}
