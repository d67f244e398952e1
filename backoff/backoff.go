// Package backoff provides a delay policy and a timer that re-invokes a task
// according to it.
//
// A Task is invoked first after BackOff.Delay, then after successively
// growing delays, until the task asks to stop, fails, is cancelled, or the
// policy is exhausted by attempt count or elapsed time.
package backoff

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrBackOff is the base error for backoff tasks.
	ErrBackOff = errors.New("backoff")

	// ErrExhausted is reported when a task ran out of attempts or time.
	ErrExhausted = fmt.Errorf("%w: exhausted", ErrBackOff)

	// ErrCancelled is reported when a task was cancelled.
	ErrCancelled = fmt.Errorf("%w: cancelled", ErrBackOff)
)

// DefaultDelay is the delay used by Default.
const DefaultDelay = 5 * time.Second

// BackOff describes the delay between invocations and when to give up.
// The zero value invokes immediately and forever with a constant delay.
type BackOff struct {
	// Delay before the first invocation and the base for later delays.
	Delay time.Duration

	// MaxDelay caps a single delay. Zero or negative means no cap.
	MaxDelay time.Duration

	// MaxElapsedTime bounds the time from scheduling to the last
	// invocation. Zero or negative means no bound.
	MaxElapsedTime time.Duration

	// MaxAttempts bounds the number of invocations. Zero or negative means
	// no bound.
	MaxAttempts int64

	// Multiplier grows the delay per attempt. Values below 1 are treated
	// as 1 (constant delay).
	Multiplier float64
}

// Default returns a BackOff with DefaultDelay and a constant multiplier.
func Default() BackOff {
	return BackOff{Delay: DefaultDelay, Multiplier: 1}
}

// Next returns the delay preceding the given one-based attempt:
// Delay * Multiplier^(attempt-1), capped by MaxDelay.
func (b BackOff) Next(attempt int64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(b.Delay) * math.Pow(mult, float64(attempt-1))
	if b.MaxDelay > 0 && d > float64(b.MaxDelay) {
		return b.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// exhausted reports whether the given attempt, due after elapsed, is beyond
// the policy limits.
func (b BackOff) exhausted(attempt int64, elapsed time.Duration) bool {
	if b.MaxAttempts > 0 && attempt > b.MaxAttempts {
		return true
	}
	if b.MaxElapsedTime > 0 && elapsed > b.MaxElapsedTime {
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (b BackOff) String() string {
	return fmt.Sprintf("BackOff[delay=%s, maxDelay=%s, maxElapsedTime=%s, maxAttempts=%d, multiplier=%g]",
		b.Delay, b.MaxDelay, b.MaxElapsedTime, b.MaxAttempts, b.Multiplier)
}
