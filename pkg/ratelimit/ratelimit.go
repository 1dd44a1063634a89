package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a sliding-window per-key rate limiter.
type Limiter struct {
	mu      sync.RWMutex
	limits  map[string][]time.Time
	window  time.Duration
	maxHits int
}

func NewLimiter(window time.Duration, maxHits int) *Limiter {
	return &Limiter{
		limits:  make(map[string][]time.Time),
		window:  window,
		maxHits: maxHits,
	}
}

func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(key, now)

	if len(l.limits[key]) >= l.maxHits {
		return false
	}

	l.limits[key] = append(l.limits[key], now)
	return true
}

// RetryAfter reports how long until the key's oldest hit leaves the window.
// Zero means the key is not currently limited.
func (l *Limiter) RetryAfter(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.pruneLocked(key, now)

	hits := l.limits[key]
	if len(hits) < l.maxHits {
		return 0
	}
	return hits[0].Add(l.window).Sub(now)
}

// Reset forgets the key's history.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limits, key)
}

func (l *Limiter) pruneLocked(key string, now time.Time) {
	windowStart := now.Add(-l.window)
	hits, exists := l.limits[key]
	if !exists {
		return
	}
	valid := hits[:0]
	for _, hit := range hits {
		if hit.After(windowStart) {
			valid = append(valid, hit)
		}
	}
	l.limits[key] = valid
}
