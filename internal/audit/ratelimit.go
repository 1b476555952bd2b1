// Package audit implements component K: the per-user sliding-window
// rate limiter that gates sandbox executions. outbound.go also defines
// OutboundLimiter, a token-bucket throttle for outbound HTTP calls that
// no other package calls.
package audit

import (
	"sync"
	"time"
)

// window and limit are the spec's fixed 30-per-60s rolling contract.
const (
	limit  = 30
	window = 60 * time.Second
)

// SlidingWindowLimiter enforces an exact rolling-window cap per key.
// golang.org/x/time/rate's token bucket can burst above the nominal
// rate right after idle periods, which doesn't give the "never more
// than 30 in any 60s window" guarantee this component needs, so it
// keeps its own per-user timestamp deque instead.
type SlidingWindowLimiter struct {
	mu      sync.Mutex
	history map[string][]time.Time
}

// NewSlidingWindowLimiter constructs an empty limiter.
func NewSlidingWindowLimiter() *SlidingWindowLimiter {
	return &SlidingWindowLimiter{history: map[string][]time.Time{}}
}

// Allow reports whether key may execute now, recording the attempt if
// so. Denied attempts are not recorded, so they don't themselves
// contribute to future window occupancy.
func (l *SlidingWindowLimiter) Allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	entries := l.prune(key, now)
	if len(entries) >= limit {
		l.history[key] = entries
		return false
	}
	l.history[key] = append(entries, now)
	return true
}

// prune drops entries older than window, returning the surviving slice.
// Caller must hold l.mu.
func (l *SlidingWindowLimiter) prune(key string, now time.Time) []time.Time {
	entries := l.history[key]
	cutoff := now.Add(-window)
	i := 0
	for i < len(entries) && entries[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	remaining := make([]time.Time, len(entries)-i)
	copy(remaining, entries[i:])
	return remaining
}

// Count reports the number of recorded attempts for key still inside
// the window as of now, without recording a new attempt.
func (l *SlidingWindowLimiter) Count(key string, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	entries := l.prune(key, now)
	l.history[key] = entries
	return len(entries)
}
