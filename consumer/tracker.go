package consumer

import (
	"sync"
	"sync/atomic"
)

// tracker counts in-flight exchanges. drained is closed once close was
// called and the count is zero.
type tracker struct {
	count     atomic.Int64
	closed    atomic.Bool
	drainedCh chan struct{}
	once      sync.Once
}

func newTracker() *tracker {
	return &tracker{drainedCh: make(chan struct{})}
}

func (t *tracker) enter() {
	t.count.Add(1)
}

func (t *tracker) exit() {
	if t.count.Add(-1) == 0 && t.closed.Load() {
		t.once.Do(func() { close(t.drainedCh) })
	}
}

func (t *tracker) close() {
	if t.closed.CompareAndSwap(false, true) && t.count.Load() == 0 {
		t.once.Do(func() { close(t.drainedCh) })
	}
}

func (t *tracker) drained() <-chan struct{} {
	return t.drainedCh
}

func (t *tracker) inFlight() int64 {
	return t.count.Load()
}
