// Package ratelimit provides a per-user sliding-window limiter, injected
// into the orchestrator rather than kept as ambient global state.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows up to max requests per key within the window.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	history map[string][]time.Time

	now func() time.Time
}

// New creates a Limiter. max <= 0 disables limiting.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records an attempt for key and reports whether it is within limits.
func (l *Limiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	kept := l.history[key][:0]
	for _, t := range l.history[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= l.max {
		l.history[key] = kept
		return false
	}

	l.history[key] = append(kept, now)
	return true
}
