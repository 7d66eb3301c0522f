package reconcile

import (
	"sync"
	"time"
)

// Scope owns the timers and goroutines of one view. Once Close returns,
// none of the callbacks it scheduled run anymore.
//
// Callbacks must not call Close themselves.
type Scope struct {
	run sync.RWMutex

	mu     sync.Mutex
	closed bool
	timers []*time.Timer
}

// After runs fn once d has elapsed unless the scope is closed first.
func (s *Scope) After(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.timers = append(s.timers, time.AfterFunc(d, func() { s.guard(fn) }))
}

// Go runs fn on its own goroutine unless the scope is closed.
func (s *Scope) Go(fn func()) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}
	go s.guard(fn)
}

func (s *Scope) guard(fn func()) {
	s.run.RLock()
	defer s.run.RUnlock()
	if s.Closed() {
		return
	}
	fn()
}

func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops every pending timer and waits for callbacks already running.
func (s *Scope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	timers := s.timers
	s.timers = nil
	s.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}

	// wait for in-flight callbacks
	s.run.Lock()
	s.run.Unlock()
}
