package throttle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Allower limits the rate at which work starts.
type Allower interface {
	// Allow blocks until n tokens are available or ctx is done.
	Allow(ctx context.Context, n int64) error
}

type leakyBucket struct {
	clock    clock.Clock
	rate     float64
	capacity int64

	mu     sync.Mutex
	tokens float64
	last   time.Time
}

// NewLeakyBucket returns an Allower refilling rate tokens per second up to
// capacity. The bucket starts full. A nil clock uses the wall clock.
func NewLeakyBucket(rate float64, capacity int64, c clock.Clock) Allower {
	if c == nil {
		c = clock.New()
	}
	return &leakyBucket{
		clock:    c,
		rate:     rate,
		capacity: capacity,
		tokens:   float64(capacity),
		last:     c.Now(),
	}
}

// reserve takes n tokens if available. Otherwise it returns how long the
// caller has to wait for the missing tokens.
func (b *leakyBucket) reserve(n int64) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > float64(b.capacity) {
		b.tokens = float64(b.capacity)
	}
	b.last = now
	if b.tokens >= float64(n) {
		b.tokens -= float64(n)
		return 0
	}
	missing := float64(n) - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second))
}

func (b *leakyBucket) Allow(ctx context.Context, n int64) error {
	if n <= 0 {
		n = 1
	}
	if n > b.capacity {
		return fmt.Errorf("throttle: requested %d tokens, but capacity is %d", n, b.capacity)
	}
	if b.rate <= 0 {
		return fmt.Errorf("throttle: rate must be positive, got %g", b.rate)
	}
	for {
		wait := b.reserve(n)
		if wait == 0 {
			return nil
		}
		t := b.clock.Timer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("throttle: %w", ctx.Err())
		case <-t.C:
		}
	}
}

type noopAllower struct{}

// NewNoopAllower returns an Allower that only checks ctx.
func NewNoopAllower() Allower {
	return noopAllower{}
}

func (noopAllower) Allow(ctx context.Context, _ int64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	return nil
}

// Middleware delays each exchange until a allows one token. An exchange
// whose context ends while waiting fails without reaching the stage.
func Middleware(a Allower) processor.Middleware {
	return func(next processor.Processor) processor.Processor {
		name := processor.Name(next)
		return processor.Named(name, processor.ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
			if err := a.Allow(ctx, 1); err != nil {
				ex.SetFailure(name, err)
				done(true)
				return true
			}
			return next.Process(ctx, ex, done)
		}))
	}
}
