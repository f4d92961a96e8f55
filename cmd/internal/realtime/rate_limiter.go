package realtime

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window limiter over inbound events.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter falls back to package defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now is permitted and records it if so.
func (r *RateLimiter) Allow(now time.Time) bool {
	ok, _ := r.Reserve(now)
	return ok
}

// Reserve is Allow that also reports how long until the next event would fit.
func (r *RateLimiter) Reserve(now time.Time) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	dst := r.events[:0]
	for _, t := range r.events {
		if t.After(cut) {
			dst = append(dst, t)
		}
	}
	r.events = dst

	if len(r.events) >= r.limit {
		return false, r.events[0].Add(r.window).Sub(now)
	}
	r.events = append(r.events, now)
	return true, 0
}
