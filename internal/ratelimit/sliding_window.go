package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// SlidingWindowLimiter bounds actions per key over a rolling window, kept
// in-process for the websocket send path where the check sits on the hot
// loop. Expired timestamps are evicted lazily on each check, and a sweep
// drops idle keys so the map does not grow with the number of distinct
// identities seen over the process lifetime.
type SlidingWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu         sync.Mutex
	hits       map[string][]time.Time
	sweepEvery int
	checks     int
}

// NewSlidingWindowLimiter creates an in-memory rolling-window limiter.
func NewSlidingWindowLimiter(limit int, window time.Duration) (*SlidingWindowLimiter, error) {
	if limit <= 0 || window <= 0 {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &SlidingWindowLimiter{
		limit:      limit,
		window:     window,
		now:        time.Now,
		hits:       make(map[string][]time.Time),
		sweepEvery: 1024,
	}, nil
}

// Allow records an action for key and reports whether it is within quota.
// A rejected action is not recorded, so rejections do not extend the window.
func (l *SlidingWindowLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := l.now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := evictBefore(l.hits[key], cutoff)
	if len(recent) >= l.limit {
		l.hits[key] = recent
		return false
	}
	l.hits[key] = append(recent, now)

	l.checks++
	if l.checks >= l.sweepEvery {
		l.checks = 0
		l.sweep(cutoff)
	}
	return true
}

// sweep drops keys whose every timestamp has expired. Called with l.mu held.
func (l *SlidingWindowLimiter) sweep(cutoff time.Time) {
	for key, stamps := range l.hits {
		recent := evictBefore(stamps, cutoff)
		if len(recent) == 0 {
			delete(l.hits, key)
			continue
		}
		l.hits[key] = recent
	}
}

func evictBefore(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(stamps) && !stamps[i].After(cutoff) {
		i++
	}
	return stamps[i:]
}
