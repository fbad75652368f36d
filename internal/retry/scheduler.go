// Package retry schedules delayed, cancellable callbacks for the connection
// and process supervisors.
package retry

import (
	"sync"
	"time"
)

// Scheduler runs callbacks after a delay. All pending callbacks are dropped
// when the scheduler is closed.
type Scheduler struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*time.Timer
	closed  bool
}

func NewScheduler() *Scheduler {
	return &Scheduler{pending: make(map[uint64]*time.Timer)}
}

// After runs fn once after d. The returned function cancels it and reports
// whether it was still pending. After on a closed scheduler is a no-op.
func (s *Scheduler) After(d time.Duration, fn func()) (cancel func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return func() bool { return false }
	}

	s.nextID++
	id := s.nextID
	s.pending[id] = time.AfterFunc(d, func() {
		s.mu.Lock()
		_, ok := s.pending[id]
		delete(s.pending, id)
		closed := s.closed
		s.mu.Unlock()

		if ok && !closed {
			fn()
		}
	})

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		t, ok := s.pending[id]
		if !ok {
			return false
		}
		delete(s.pending, id)
		return t.Stop()
	}
}

// Pending returns the number of callbacks waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending callback. It is safe to call more than once.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, t := range s.pending {
		t.Stop()
		delete(s.pending, id)
	}
}
