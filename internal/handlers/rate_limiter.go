package handlers

import (
	"strings"
	"sync"
	"time"
)

// windowLimiter counts requests per key in fixed windows. Keys whose window has
// elapsed are dropped whenever a new window opens.
type windowLimiter struct {
	limit  int
	window time.Duration
	clock  func() time.Time

	mu      sync.Mutex
	windows map[string]limitWindow
}

type limitWindow struct {
	count int
	ends  time.Time
}

func newWindowLimiter(limit int, window time.Duration, clock func() time.Time) *windowLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &windowLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]limitWindow),
	}
}

// Allow records one request for key. When the key is over its limit it reports how
// long until the current window closes.
func (l *windowLimiter) Allow(key string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	current, ok := l.windows[key]
	if !ok || !now.Before(current.ends) {
		l.prune(now)
		l.windows[key] = limitWindow{count: 1, ends: now.Add(l.window)}
		return true, 0
	}
	if current.count >= l.limit {
		return false, current.ends.Sub(now)
	}
	current.count++
	l.windows[key] = current
	return true, 0
}

func (l *windowLimiter) prune(now time.Time) {
	for key, w := range l.windows {
		if !now.Before(w.ends) {
			delete(l.windows, key)
		}
	}
}
