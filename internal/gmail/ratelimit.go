package gmail

import (
	"context"
	"sync"
	"time"
)

// Clock abstracts time operations for testability.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Operation is a Gmail API call kind, used to charge its quota cost.
type Operation int

const (
	OpProfile Operation = iota
	OpMessagesList
	OpMessagesGetRaw
	OpMessagesModify
	OpMessagesTrash
	OpMessagesUntrash
)

// Cost returns the per-user quota units the call consumes.
func (o Operation) Cost() int {
	switch o {
	case OpMessagesList, OpMessagesGetRaw, OpMessagesModify, OpMessagesTrash, OpMessagesUntrash:
		return 5
	default:
		return 1
	}
}

const (
	// DefaultCapacity is Gmail's per-user burst quota in units.
	DefaultCapacity = 250
	// DefaultRefillRate is units per second at defaultQPS.
	DefaultRefillRate = 250.0
	// MinQPS keeps the refill rate positive.
	MinQPS = 0.1

	defaultQPS             = 5.0
	throttleRecoveryFactor = 0.5
	minWait                = 10 * time.Millisecond
)

// RateLimiter is a token bucket charged by operation cost. When the API
// reports quota exhaustion, Throttle empties the bucket and blocks refills
// until the window expires.
type RateLimiter struct {
	mu             sync.Mutex
	clock          Clock
	tokens         float64
	capacity       float64
	refillRate     float64
	baseRefillRate float64
	lastRefill     time.Time
	throttledUntil time.Time
}

// NewRateLimiter creates a limiter for the given queries per second; 5 is a
// safe default for one user.
func NewRateLimiter(qps float64) *RateLimiter {
	return newRateLimiter(realClock{}, qps)
}

func newRateLimiter(clk Clock, qps float64) *RateLimiter {
	if clk == nil {
		panic("gmail: RateLimiter requires a non-nil Clock")
	}
	qps = max(qps, MinQPS)
	rate := DefaultRefillRate * min(qps/defaultQPS, 1.0)
	return &RateLimiter{
		clock:          clk,
		tokens:         DefaultCapacity,
		capacity:       DefaultCapacity,
		refillRate:     rate,
		baseRefillRate: rate,
		lastRefill:     clk.Now(),
	}
}

// reserve takes the tokens for op if available and returns 0, or returns
// how long to wait before trying again.
func (r *RateLimiter) reserve(op Operation) time.Duration {
	cost := float64(op.Cost())

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if now.Before(r.throttledUntil) {
		return r.throttledUntil.Sub(now)
	}
	r.refill(now)
	if r.tokens >= cost {
		r.tokens -= cost
		return 0
	}
	wait := time.Duration((cost - r.tokens) / r.refillRate * float64(time.Second))
	return max(wait, minWait)
}

// Acquire blocks until op can be charged or ctx is done.
func (r *RateLimiter) Acquire(ctx context.Context, op Operation) error {
	for {
		wait := r.reserve(op)
		if wait == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(wait):
		}
	}
}

// refill credits elapsed time. Callers hold mu.
func (r *RateLimiter) refill(now time.Time) {
	if now.Before(r.throttledUntil) {
		r.lastRefill = now
		return
	}
	if !r.throttledUntil.IsZero() && r.refillRate < r.baseRefillRate {
		r.refillRate = r.baseRefillRate
	}
	r.tokens = min(r.tokens+now.Sub(r.lastRefill).Seconds()*r.refillRate, r.capacity)
	r.lastRefill = now
}

// Available returns the tokens currently in the bucket.
func (r *RateLimiter) Available() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill(r.clock.Now())
	return r.tokens
}

// Throttle backs off for d after a 429 or quota 403. An existing longer
// window is never shortened.
func (r *RateLimiter) Throttle(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if end := r.clock.Now().Add(d); end.After(r.throttledUntil) {
		r.throttledUntil = end
	}
	r.lastRefill = r.throttledUntil
	r.tokens = 0
	r.refillRate = r.baseRefillRate * throttleRecoveryFactor
}
