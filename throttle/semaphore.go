// Package throttle bounds how much work runs at once and how fast it
// starts.
package throttle

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Semaphore bounds concurrent work. It wraps semaphore.Weighted.
type Semaphore struct {
	sem   *semaphore.Weighted
	limit int64
}

// NewSemaphore returns a Semaphore admitting limit holders. A limit below 1
// is raised to 1.
func NewSemaphore(limit int64) *Semaphore {
	if limit < 1 {
		limit = 1
	}
	return &Semaphore{sem: semaphore.NewWeighted(limit), limit: limit}
}

// Limit returns the number of holders admitted at once.
func (s *Semaphore) Limit() int64 {
	return s.limit
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	return s.sem.Acquire(ctx, 1)
}

// TryAcquire takes a slot without blocking and reports whether it did.
func (s *Semaphore) TryAcquire() bool {
	return s.sem.TryAcquire(1)
}

// Release frees a slot taken by Acquire or TryAcquire.
func (s *Semaphore) Release() {
	s.sem.Release(1)
}
