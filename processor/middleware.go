package processor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/fxsml/gomediate/exchange"
)

// Middleware wraps a Processor with additional behavior.
type Middleware func(Processor) Processor

// Apply wraps p with mw. The first middleware is the outermost, so
// Apply(p, A, B) runs A, then B, then p.
func Apply(p Processor, mw ...Middleware) Processor {
	for i := len(mw) - 1; i >= 0; i-- {
		p = mw[i](p)
	}
	return p
}

// RecoveryError wraps a panic value with the stack trace.
type RecoveryError struct {
	// PanicValue is the original value that was passed to panic().
	PanicValue any
	// StackTrace contains the full stack trace at the point of panic.
	StackTrace string
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("panic recovered: %v", e.PanicValue)
}

// Recover converts a panic raised while a stage runs on the calling
// goroutine into a *RecoveryError failure and completes the stage. A panic
// raised after the stage already completed is logged and swallowed.
func Recover() Middleware {
	return func(next Processor) Processor {
		name := Name(next)
		return named{name: name, Processor: ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) (doneSync bool) {
			var (
				called   atomic.Bool
				calledIn atomic.Bool
			)
			wrapped := func(s bool) {
				if called.CompareAndSwap(false, true) {
					calledIn.Store(s)
					done(s)
				}
			}
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				err := &RecoveryError{PanicValue: r, StackTrace: string(debug.Stack())}
				if called.CompareAndSwap(false, true) {
					ex.SetFailure(name, err)
					done(true)
					doneSync = true
					return
				}
				slog.Error("panic after stage completion", "stage", name, "exchange_id", ex.ID, "error", err)
				doneSync = calledIn.Load()
			}()
			return next.Process(ctx, ex, wrapped)
		})}
	}
}

// Timeout gives each invocation of the stage a context that expires after
// d. The context is released once the stage completes. Zero or negative
// duration disables the timeout.
func Timeout(d time.Duration) Middleware {
	return func(next Processor) Processor {
		if d <= 0 {
			return next
		}
		return named{name: Name(next), Processor: ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
			ctx, cancel := context.WithTimeout(ctx, d)
			return next.Process(ctx, ex, func(doneSync bool) {
				cancel()
				done(doneSync)
			})
		})}
	}
}

// Metrics holds the outcome of a single stage invocation.
type Metrics struct {
	Stage      string
	ExchangeID string
	Start      time.Time
	Duration   time.Duration
	InFlight   int
	Async      bool
	Error      error
}

// MetricsCollector receives metrics for each completed stage invocation.
type MetricsCollector func(metrics *Metrics)

// Observe reports every stage invocation to collect once the stage
// completes.
func Observe(collect MetricsCollector) Middleware {
	inFlight := atomic.Int32{}
	return func(next Processor) Processor {
		name := Name(next)
		return named{name: name, Processor: ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
			m := &Metrics{
				Stage:      name,
				ExchangeID: ex.ID,
				Start:      time.Now(),
				InFlight:   int(inFlight.Add(1)),
			}
			return next.Process(ctx, ex, func(doneSync bool) {
				inFlight.Add(-1)
				m.Duration = time.Since(m.Start)
				m.Async = !doneSync
				m.Error = ex.Err()
				collect(m)
				done(doneSync)
			})
		})}
	}
}
