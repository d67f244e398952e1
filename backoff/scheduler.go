package backoff

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Cancelable is a pending scheduled call.
type Cancelable interface {
	// Cancel prevents the call if it has not started yet. It reports
	// whether the call was prevented.
	Cancel() bool
}

// Scheduler runs fn once after delay on some goroutine. Implementations
// must not call fn before Schedule returns.
type Scheduler interface {
	Schedule(delay time.Duration, fn func()) Cancelable
}

// ClockScheduler schedules calls with the timers of a clock.Clock.
type ClockScheduler struct {
	clock clock.Clock
}

// NewClockScheduler returns a scheduler driven by c. A nil clock uses the
// wall clock.
func NewClockScheduler(c clock.Clock) *ClockScheduler {
	if c == nil {
		c = clock.New()
	}
	return &ClockScheduler{clock: c}
}

// Clock returns the underlying clock.
func (s *ClockScheduler) Clock() clock.Clock {
	return s.clock
}

// Schedule implements Scheduler.
func (s *ClockScheduler) Schedule(delay time.Duration, fn func()) Cancelable {
	return clockTimer{s.clock.AfterFunc(delay, fn)}
}

type clockTimer struct {
	t *clock.Timer
}

func (c clockTimer) Cancel() bool {
	return c.t.Stop()
}
