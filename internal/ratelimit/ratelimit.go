package ratelimit

import (
	"sync"
	"time"
)

// entry holds the replenishment state for one key. Credit is measured
// in time rather than tokens: one request costs window/rate of credit,
// and credit accrues in real time up to a full window.
type entry struct {
	credit  time.Duration
	touched time.Time
}

// Limiter is a keyed rate limiter allowing rate requests per window,
// with smooth replenishment between requests.
type Limiter struct {
	mu          sync.Mutex
	entries     map[string]*entry
	defaultRate int
	window      time.Duration
	now         func() time.Time // injectable clock for testing
}

// New creates a Limiter that allows defaultRate requests per window.
func New(defaultRate int, window time.Duration) *Limiter {
	return &Limiter{
		entries:     make(map[string]*entry),
		defaultRate: defaultRate,
		window:      window,
		now:         time.Now,
	}
}

// advance returns the entry for key with its credit brought up to the
// current clock. A new key starts with a full window of credit.
// Must be called with l.mu held.
func (l *Limiter) advance(key string) *entry {
	now := l.now()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{credit: l.window, touched: now}
		l.entries[key] = e
		return e
	}
	e.credit += now.Sub(e.touched)
	if e.credit > l.window {
		e.credit = l.window
	}
	e.touched = now
	return e
}

// costFor returns the credit cost of one request at the given rate.
// A positive customRate overrides the limiter default.
func (l *Limiter) costFor(customRate int) (rate int, cost time.Duration) {
	rate = l.defaultRate
	if customRate > 0 {
		rate = customRate
	}
	return rate, l.window / time.Duration(rate)
}

// Allow reports whether a request identified by key is permitted, and
// consumes capacity when it is. A positive customRate overrides the
// default rate for this key.
func (l *Limiter) Allow(key string, customRate int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, cost := l.costFor(customRate)
	e := l.advance(key)
	if e.credit < cost {
		return false
	}
	e.credit -= cost
	return true
}

// Status returns the current rate-limit state for key: the request
// limit, how many requests remain right now, and when the key will be
// back at full capacity.
func (l *Limiter) Status(key string, customRate int) (limit int, remaining int, resetAt time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rate, cost := l.costFor(customRate)
	e := l.advance(key)

	limit = rate
	remaining = int(e.credit / cost)
	resetAt = e.touched.Add(l.window - e.credit)
	return
}
