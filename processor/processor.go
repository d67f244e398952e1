// Package processor defines the processing stage contract and the pipeline
// that runs stages in order.
//
// A stage either completes synchronously, invoking its callback with
// doneSync=true before returning true, or it suspends: it returns false and
// invokes the callback with doneSync=false later, possibly on another
// goroutine. The callback is invoked exactly once in both cases and the
// return value always equals the doneSync argument.
package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxsml/gomediate/exchange"
)

// Callback signals stage completion. doneSync reports whether completion
// happened before Process returned.
type Callback func(doneSync bool)

// Processor is a processing stage.
type Processor interface {
	// Process handles ex and invokes done exactly once. It returns the same
	// value it passes to done.
	Process(ctx context.Context, ex *exchange.Exchange, done Callback) bool
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, ex *exchange.Exchange, done Callback) bool

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
	return f(ctx, ex, done)
}

// Namer is implemented by stages that carry a name used for failure
// attribution, logging and tracing.
type Namer interface {
	Name() string
}

// Name returns the name of p, or its type when p has none.
func Name(p Processor) string {
	if n, ok := p.(Namer); ok {
		if name := n.Name(); name != "" {
			return name
		}
	}
	return fmt.Sprintf("%T", p)
}

type named struct {
	Processor
	name string
}

func (n named) Name() string { return n.name }

// Named attaches name to p.
func Named(name string, p Processor) Processor {
	return named{Processor: p, name: name}
}

type syncProcessor struct {
	name string
	fn   func(context.Context, *exchange.Exchange) error
}

func (s *syncProcessor) Name() string { return s.name }

func (s *syncProcessor) Process(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
	if err := s.fn(ctx, ex); err != nil {
		ex.SetFailure(s.name, err)
	}
	done(true)
	return true
}

// Func returns a stage that always completes synchronously. A returned error
// becomes the exchange failure attributed to name.
func Func(name string, fn func(ctx context.Context, ex *exchange.Exchange) error) Processor {
	return &syncProcessor{name: name, fn: fn}
}

type asyncProcessor struct {
	name string
	fn   func(context.Context, *exchange.Exchange, func(error))
}

func (a *asyncProcessor) Name() string { return a.name }

func (a *asyncProcessor) Process(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
	var (
		mu       sync.Mutex
		returned bool
		finished bool
	)
	complete := func(err error) {
		mu.Lock()
		if finished {
			mu.Unlock()
			return
		}
		finished = true
		if err != nil {
			ex.SetFailure(a.name, err)
		}
		async := returned
		mu.Unlock()
		if async {
			done(false)
		}
	}

	a.fn(ctx, ex, complete)

	mu.Lock()
	returned = true
	completed := finished
	mu.Unlock()
	if completed {
		done(true)
	}
	return completed
}

// AsyncFunc returns a stage whose work completes when fn calls complete,
// from any goroutine. Calling complete before fn returns counts as
// synchronous completion. Calls after the first are ignored.
func AsyncFunc(name string, fn func(ctx context.Context, ex *exchange.Exchange, complete func(error))) Processor {
	return &asyncProcessor{name: name, fn: fn}
}

// Validate returns a stage that runs validator on a copy of the inbound
// message, so a failing validator cannot leave partial changes behind.
func Validate(name string, validator func(*exchange.Message) error) Processor {
	return Func(name, func(_ context.Context, ex *exchange.Exchange) error {
		return validator(ex.In.Copy())
	})
}

// Run processes ex with p and blocks until the stage completes or ctx is
// done. It returns the outstanding failure of ex, if any. When ctx ends
// first, Run returns ctx.Err() while the stage may still be running.
func Run(ctx context.Context, p Processor, ex *exchange.Exchange) error {
	doneCh := make(chan struct{})
	if !p.Process(ctx, ex, func(bool) { close(doneCh) }) {
		select {
		case <-doneCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return ex.Err()
}
