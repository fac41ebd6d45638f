// Package ratelimit implements the per-key sliding-window limiter used on
// the API surface. Each (key, limiter) pair owns a bucket holding a request
// count and the start of the current window; once the window elapses the
// bucket resets.
package ratelimit

import (
	"sync"
	"time"
)

type bucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// Limiter is a named sliding-window rate limiter.
type Limiter struct {
	name   string
	limit  int
	window time.Duration

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// Decision is the outcome of a single Allow call, carrying the values the
// HTTP layer needs for the X-RateLimit-* headers.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// Reset is when the current window ends.
	Reset time.Time
}

// New creates a limiter allowing limit requests per window.
func New(name string, limit int, window time.Duration) *Limiter {
	return &Limiter{
		name:    name,
		limit:   limit,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Name returns the limiter's name.
func (l *Limiter) Name() string { return l.name }

// Allow records a request for key at time now. Check and increment happen
// under the bucket's lock, so two concurrent requests can never both pass at
// count == limit-1.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	b := l.bucketFor(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	if now.Sub(b.windowStart) > l.window {
		b.count = 0
		b.windowStart = now
	}

	reset := b.windowStart.Add(l.window)
	if b.count >= l.limit {
		return Decision{Allowed: false, Limit: l.limit, Remaining: 0, Reset: reset}
	}

	b.count++
	return Decision{
		Allowed:   true,
		Limit:     l.limit,
		Remaining: l.limit - b.count,
		Reset:     reset,
	}
}

func (l *Limiter) bucketFor(key string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{windowStart: now}
	l.buckets[key] = b
	return b
}

// Evict removes buckets whose window expired before now. Called from the
// periodic cleanup task.
func (l *Limiter) Evict(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		expired := now.Sub(b.windowStart) > l.window
		b.mu.Unlock()
		if expired {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Size returns the current number of tracked buckets.
func (l *Limiter) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
