package collab

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window event budget for one connection.
// An event is admitted while fewer than limit events happened within the
// trailing window.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		stamps: make([]time.Time, 0, limit),
	}
}

// Allow records an event at time now when the budget permits and reports
// whether it was admitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	if len(r.stamps) >= r.limit {
		return false
	}
	r.stamps = append(r.stamps, now)
	return true
}

// Remaining reports the unused budget at time now without consuming it.
func (r *RateLimiter) Remaining(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.prune(now)
	return r.limit - len(r.stamps)
}

// prune drops stamps that fell out of the trailing window. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cut := now.Add(-r.window)
	kept := r.stamps[:0]
	for _, ts := range r.stamps {
		if ts.After(cut) {
			kept = append(kept, ts)
		}
	}
	r.stamps = kept
}
