package timeutil

import "sync"

// Scheduler defers a function to run after the current unit of work,
// decoupled from the caller's stack.
type Scheduler interface {
	// Defer arranges for fn to run later. Implementations must not run fn
	// inline on the calling goroutine.
	Defer(fn func())
}

// GoScheduler runs deferred functions on fresh goroutines.
type GoScheduler struct{}

// Defer runs fn on its own goroutine.
func (GoScheduler) Defer(fn func()) {
	go fn()
}

// MockScheduler collects deferred functions for manual execution in tests.
type MockScheduler struct {
	mu      sync.Mutex
	pending []func()
}

// Defer queues fn without running it.
func (s *MockScheduler) Defer(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, fn)
}

// Pending returns the number of queued functions.
func (s *MockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Run executes all queued functions in order and returns how many ran.
// Functions queued during Run are not executed until the next call.
func (s *MockScheduler) Run() int {
	s.mu.Lock()
	fns := s.pending
	s.pending = nil
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}
