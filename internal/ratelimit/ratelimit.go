// Package ratelimit provides a per-key cooldown gate used to drop duplicate
// rapid triggers and throttle message floods per chat.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter tracks the last execution time per key. State lives only for the
// process lifetime.
type Limiter struct {
	mu       sync.Mutex
	last     map[int64]time.Time
	cooldown time.Duration
	now      func() time.Time
}

// New creates a Limiter with the given cooldown window.
func New(cooldown time.Duration) *Limiter {
	return &Limiter{
		last:     make(map[int64]time.Time),
		cooldown: cooldown,
		now:      time.Now,
	}
}

// CanExecute reports whether key may run now. Inside the cooldown window it
// returns false and leaves state untouched; otherwise it records now as the
// last execution and returns true.
func (l *Limiter) CanExecute(key int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.cooldown {
		return false
	}
	l.last[key] = now
	return true
}

// Cleanup removes entries older than maxAge to bound memory on long uptimes.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, last := range l.last {
		if now.Sub(last) > maxAge {
			delete(l.last, key)
		}
	}
}
