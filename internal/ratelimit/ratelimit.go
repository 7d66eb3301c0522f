// Package ratelimit throttles sign-in attempts per client address.
package ratelimit

import (
	"net"
	"net/http"
	"sync"
	"time"
)

type Limiter interface {
	Allow(key string) bool
	Reset(key string)
}

type window struct {
	count int
	start time.Time
}

// FixedWindowLimiter allows at most maxAttempts per key inside each window.
type FixedWindowLimiter struct {
	maxAttempts int
	window      time.Duration
	now         func() time.Time

	mu      sync.Mutex
	windows map[string]*window
	checks  int
}

func New(maxAttempts int, interval time.Duration) *FixedWindowLimiter {
	return &FixedWindowLimiter{
		maxAttempts: maxAttempts,
		window:      interval,
		now:         time.Now,
		windows:     make(map[string]*window),
	}
}

// WithClock replaces the time source. Tests only.
func (l *FixedWindowLimiter) WithClock(now func() time.Time) *FixedWindowLimiter {
	l.now = now
	return l
}

func (l *FixedWindowLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.checks++
	if l.checks%256 == 0 {
		l.pruneLocked(now)
	}

	w := l.windows[key]
	if w == nil || now.Sub(w.start) > l.window {
		if l.maxAttempts <= 0 {
			return false
		}
		l.windows[key] = &window{count: 1, start: now}
		return true
	}

	if w.count >= l.maxAttempts {
		return false
	}
	w.count++
	return true
}

// Reset forgets the attempts of key, used after a successful sign-in.
func (l *FixedWindowLimiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, key)
}

func (l *FixedWindowLimiter) pruneLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) > l.window {
			delete(l.windows, key)
		}
	}
}

func (l *FixedWindowLimiter) tracked() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// ClientKey returns the address a request is throttled by.
func ClientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
