package hub

import (
	"sync"
	"time"
)

// RateLimiter bounds inbound control messages per authenticated user with a
// fixed window: the limit-th message inside a window is allowed, the
// (limit+1)-th is not, and the counter resets once the window elapses.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	clock  func() time.Time
	wins   map[string]*rateWindow
}

type rateWindow struct {
	count int
	start time.Time
}

func NewRateLimiter(limit int, window time.Duration, clock func() time.Time) *RateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	if clock == nil {
		clock = time.Now
	}
	return &RateLimiter{
		limit:  limit,
		window: window,
		clock:  clock,
		wins:   make(map[string]*rateWindow),
	}
}

func (l *RateLimiter) Allow(userID string) bool {
	now := l.clock()
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.wins[userID]
	if !ok || now.Sub(w.start) > l.window {
		l.wins[userID] = &rateWindow{count: 1, start: now}
		return true
	}
	w.count++
	return w.count <= l.limit
}

// Forget drops a user's window. Called when their last connection goes away.
func (l *RateLimiter) Forget(userID string) {
	l.mu.Lock()
	delete(l.wins, userID)
	l.mu.Unlock()
}

// Tracked reports whether a window exists for the user (teardown tests).
func (l *RateLimiter) Tracked(userID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.wins[userID]
	return ok
}
