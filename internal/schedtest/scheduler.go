// Package schedtest provides a manually driven scheduler for deterministic
// tests of timer-based components.
package schedtest

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fxsml/gomediate/backoff"
)

// Scheduler queues scheduled calls until Step runs them. Time is a
// clock.Mock advanced to each call's due time before the call runs.
type Scheduler struct {
	mu      sync.Mutex
	clock   *clock.Mock
	seq     int
	pending []*entry
}

type entry struct {
	s         *Scheduler
	at        time.Time
	seq       int
	fn        func()
	cancelled bool
}

func (e *entry) Cancel() bool {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	if e.cancelled {
		return false
	}
	e.cancelled = true
	for i, p := range e.s.pending {
		if p == e {
			e.s.pending = append(e.s.pending[:i], e.s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// New returns a Scheduler over a fresh mock clock.
func New() *Scheduler {
	return &Scheduler{clock: clock.NewMock()}
}

// Clock returns the mock clock.
func (s *Scheduler) Clock() *clock.Mock {
	return s.clock
}

// Schedule implements backoff.Scheduler.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) backoff.Cancelable {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e := &entry{s: s, at: s.clock.Now().Add(delay), seq: s.seq, fn: fn}
	s.pending = append(s.pending, e)
	sort.SliceStable(s.pending, func(i, j int) bool {
		if s.pending[i].at.Equal(s.pending[j].at) {
			return s.pending[i].seq < s.pending[j].seq
		}
		return s.pending[i].at.Before(s.pending[j].at)
	})
	return e
}

// Pending returns the number of queued calls.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// NextDelay returns how far the earliest queued call is from now.
func (s *Scheduler) NextDelay() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return 0, false
	}
	return s.pending[0].at.Sub(s.clock.Now()), true
}

// Step advances the clock to the earliest queued call and runs it on the
// calling goroutine. It reports whether a call ran.
func (s *Scheduler) Step() bool {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	e := s.pending[0]
	s.pending = s.pending[1:]
	e.cancelled = true
	d := e.at.Sub(s.clock.Now())
	s.mu.Unlock()
	if d > 0 {
		s.clock.Add(d)
	}
	e.fn()
	return true
}

// Drain runs queued calls until none remain or limit calls ran. It returns
// the number of calls run.
func (s *Scheduler) Drain(limit int) int {
	n := 0
	for n < limit && s.Step() {
		n++
	}
	return n
}
