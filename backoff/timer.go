package backoff

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Status is the lifecycle state of a Task.
type Status int

const (
	// StatusActive means further invocations may follow.
	StatusActive Status = iota
	// StatusInactive means the task stopped on its own, failed, or was
	// cancelled.
	StatusInactive
	// StatusExhausted means the policy ran out of attempts or time.
	StatusExhausted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusInactive:
		return "Inactive"
	case StatusExhausted:
		return "Exhausted"
	default:
		return "Active"
	}
}

// TaskFunc is invoked on each attempt. Returning true asks for another
// attempt; returning false or an error ends the task.
type TaskFunc func(task *Task) (bool, error)

// Timer schedules tasks according to a BackOff.
type Timer struct {
	scheduler Scheduler
	clock     clock.Clock
}

// NewTimer returns a Timer. A nil scheduler uses a ClockScheduler over c; a
// nil clock uses the wall clock.
func NewTimer(s Scheduler, c clock.Clock) *Timer {
	if c == nil {
		c = clock.New()
	}
	if s == nil {
		s = NewClockScheduler(c)
	}
	return &Timer{scheduler: s, clock: c}
}

// Schedule starts invoking fn according to b and returns the task handle.
func (t *Timer) Schedule(b BackOff, fn TaskFunc) *Task {
	task := &Task{
		timer:   t,
		backOff: b,
		fn:      fn,
		start:   t.clock.Now(),
		done:    make(chan struct{}),
	}
	first := b.Next(1)
	task.mu.Lock()
	if b.exhausted(1, first) {
		task.finishLocked(StatusExhausted, ErrExhausted)
	} else {
		task.scheduleLocked(first)
	}
	task.mu.Unlock()
	task.runCompletions()
	return task
}

// Task is the handle of a scheduled backoff task. Its accessors are safe for
// concurrent use.
type Task struct {
	timer   *Timer
	backOff BackOff
	fn      TaskFunc

	mu          sync.Mutex
	start       time.Time
	attempts    int64
	delay       time.Duration
	firstTime   time.Time
	lastTime    time.Time
	nextTime    time.Time
	elapsed     time.Duration
	status      Status
	err         error
	cancelled   bool
	pending     Cancelable
	done        chan struct{}
	completions []func(*Task)
	notified    bool
}

// BackOff returns the policy the task runs under.
func (t *Task) BackOff() BackOff {
	return t.backOff
}

// CurrentAttempts returns the number of invocations so far, including one
// in progress.
func (t *Task) CurrentAttempts() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.attempts
}

// CurrentDelay returns the delay that preceded the latest scheduling.
func (t *Task) CurrentDelay() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delay
}

// CurrentElapsedTime returns the time between scheduling and the start of
// the latest invocation.
func (t *Task) CurrentElapsedTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.elapsed
}

// FirstAttemptTime returns the start of the first invocation.
func (t *Task) FirstAttemptTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstTime
}

// LastAttemptTime returns the start of the latest invocation.
func (t *Task) LastAttemptTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastTime
}

// NextAttemptTime returns when the next invocation is due, or the zero time
// when the task is no longer active.
func (t *Task) NextAttemptTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status != StatusActive {
		return time.Time{}
	}
	return t.nextTime
}

// Status returns the task status.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Err returns why the task ended: the task error, ErrExhausted,
// ErrCancelled, or nil when the task stopped itself.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done returns a channel closed when the task is no longer active.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task ends or ctx is done.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WhenComplete registers fn to run once the task ends. If it already ended,
// fn runs immediately on the calling goroutine.
func (t *Task) WhenComplete(fn func(*Task)) {
	t.mu.Lock()
	if !t.notified {
		t.completions = append(t.completions, fn)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()
	fn(t)
}

// Cancel stops further invocations. An invocation already running finishes
// but its result is ignored. It reports whether the task was still active.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return false
	}
	t.cancelled = true
	if t.pending != nil {
		t.pending.Cancel()
		t.pending = nil
	}
	t.finishLocked(StatusInactive, ErrCancelled)
	t.mu.Unlock()
	t.runCompletions()
	return true
}

func (t *Task) scheduleLocked(d time.Duration) {
	t.delay = d
	t.nextTime = t.timer.clock.Now().Add(d)
	t.pending = t.timer.scheduler.Schedule(d, t.run)
}

func (t *Task) run() {
	t.mu.Lock()
	if t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	now := t.timer.clock.Now()
	t.pending = nil
	t.attempts++
	t.elapsed = now.Sub(t.start)
	if t.attempts == 1 {
		t.firstTime = now
	}
	t.lastTime = now
	attempt := t.attempts
	t.mu.Unlock()

	again, err := t.fn(t)

	t.mu.Lock()
	if t.cancelled || t.status != StatusActive {
		t.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		t.finishLocked(StatusInactive, err)
	case !again:
		t.finishLocked(StatusInactive, nil)
	default:
		next := t.backOff.Next(attempt + 1)
		elapsed := t.timer.clock.Now().Sub(t.start) + next
		if t.backOff.exhausted(attempt+1, elapsed) {
			t.finishLocked(StatusExhausted, ErrExhausted)
		} else {
			t.scheduleLocked(next)
		}
	}
	t.mu.Unlock()
	t.runCompletions()
}

func (t *Task) finishLocked(s Status, err error) {
	t.status = s
	t.err = err
	close(t.done)
}

// runCompletions invokes registered callbacks once, outside the lock.
func (t *Task) runCompletions() {
	t.mu.Lock()
	if t.status == StatusActive || t.notified {
		t.mu.Unlock()
		return
	}
	t.notified = true
	fns := t.completions
	t.completions = nil
	t.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}
