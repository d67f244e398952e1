// Package redelivery wraps processing stages with redelivery, dead letter
// routing and terminal failure marking.
//
// Each exchange passing through an ErrorHandler moves through
//
//	attempting → done
//	attempting → failed → scheduled → attempting
//	attempting → failed → exhausted → dead letter | marked failed
//
// and never ends silently: an exhausted exchange is either handled by the
// dead letter stage or left failed with an *ExhaustedError.
package redelivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fxsml/gomediate/backoff"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Observer is notified about redelivery outcomes.
type Observer interface {
	// Redelivering is called before redelivery number counter after delay.
	Redelivering(ex *exchange.Exchange, counter int, delay time.Duration)
	// Recovered is called when an exchange succeeded after redeliveries.
	Recovered(ex *exchange.Exchange, redeliveries int)
	// Exhausted is called when no further redelivery is permitted.
	Exhausted(ex *exchange.Exchange, cause error)
	// DeadLettered is called after the dead letter stage ran. err is the
	// dead letter stage failure, if any.
	DeadLettered(ex *exchange.Exchange, err error)
}

// Config configures an ErrorHandler.
type Config struct {
	// Policy controls redelivery. See DefaultPolicy.
	Policy Policy

	// DeadLetter receives exhausted exchanges. When nil, exhausted
	// exchanges are left failed with an *ExhaustedError.
	DeadLetter processor.Processor

	// UseOriginalMessage hands the dead letter stage the messages as they
	// were before the first attempt instead of their current state.
	UseOriginalMessage bool

	// PropagateDeadLetterError keeps a dead letter stage failure as the
	// exchange failure. By default the failure is recorded in the
	// DeadLetterError property and the exchange counts as handled.
	PropagateDeadLetterError bool

	// RetryWhile, when set, replaces MaximumRedeliveries: redelivery
	// continues while it returns true.
	RetryWhile func(ex *exchange.Exchange, err error) bool

	// OnRedelivery runs before each redelivery. It may stop the exchange.
	OnRedelivery func(ctx context.Context, ex *exchange.Exchange)

	// Stopping reports whether the owner is shutting down.
	Stopping func() bool

	// Scheduler runs asynchronous redeliveries. Defaults to a
	// backoff.ClockScheduler over Clock.
	Scheduler backoff.Scheduler

	// Clock measures delays and elapsed time. Defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer is optional.
	Observer Observer
}

func (c Config) parse() (Config, error) {
	p, err := c.Policy.parse()
	if err != nil {
		return c, err
	}
	c.Policy = p
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = backoff.NewClockScheduler(c.Clock)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Stopping == nil {
		c.Stopping = func() bool { return false }
	}
	return c, nil
}

// ErrorHandler is a stage that runs a target stage and recovers from its
// failures.
type ErrorHandler struct {
	target processor.Processor
	name   string
	cfg    Config
}

// New returns an ErrorHandler around target.
func New(target processor.Processor, cfg Config) (*ErrorHandler, error) {
	cfg, err := cfg.parse()
	if err != nil {
		return nil, err
	}
	return &ErrorHandler{
		target: target,
		name:   processor.Name(target),
		cfg:    cfg,
	}, nil
}

// Middleware returns a processor.Middleware wrapping stages with an
// ErrorHandler configured by cfg.
func Middleware(cfg Config) (processor.Middleware, error) {
	if _, err := cfg.parse(); err != nil {
		return nil, err
	}
	return func(next processor.Processor) processor.Processor {
		h, _ := New(next, cfg)
		return h
	}, nil
}

// Name implements processor.Namer.
func (h *ErrorHandler) Name() string {
	return h.name
}

// Process implements processor.Processor.
func (h *ErrorHandler) Process(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	r := &run{
		h:     h,
		ctx:   ctx,
		ex:    ex,
		done:  done,
		start: h.cfg.Clock.Now(),
	}
	if h.cfg.UseOriginalMessage && h.cfg.DeadLetter != nil {
		r.original = ex.Copy()
	}
	return r.loop(true)
}

type outcome int

const (
	outcomeFinished outcome = iota
	outcomeRetryNow
	outcomeRetryLater
)

// run holds the redelivery state of one exchange.
type run struct {
	h        *ErrorHandler
	ctx      context.Context
	ex       *exchange.Exchange
	done     processor.Callback
	original *exchange.Exchange
	start    time.Time

	counter   int
	exhausted bool
}

func (r *run) loop(sync bool) bool {
	for {
		if r.counter > 0 && r.ex.Stopped() {
			return r.finish(sync)
		}
		if !r.h.target.Process(r.ctx, r.ex, r.resumed) {
			return false
		}
		switch r.next() {
		case outcomeRetryNow:
			continue
		case outcomeRetryLater:
			return false
		default:
			return r.finish(sync)
		}
	}
}

func (r *run) resumed(doneSync bool) {
	if doneSync {
		return
	}
	switch r.next() {
	case outcomeRetryNow:
		r.loop(false)
	case outcomeRetryLater:
	default:
		r.finish(false)
	}
}

// next evaluates the latest attempt and prepares a redelivery if one is
// permitted.
func (r *run) next() outcome {
	f := r.ex.Failure()
	if f == nil {
		if r.counter > 0 && r.h.cfg.Observer != nil {
			r.h.cfg.Observer.Recovered(r.ex, r.counter)
		}
		return outcomeFinished
	}

	if !r.redeliverable(f) {
		return outcomeFinished
	}

	counter := r.counter + 1
	p := r.h.cfg.Policy
	delay := p.Delay(counter)
	if p.MaxElapsedTime > 0 && r.h.cfg.Clock.Since(r.start)+delay > p.MaxElapsedTime {
		r.exhaust(f)
		return outcomeFinished
	}

	if p.LogRetryAttempted && counter%p.RetryAttemptedLogInterval == 0 {
		r.h.cfg.Logger.Debug("redelivering exchange",
			"exchange_id", r.ex.ID,
			"stage", f.Stage,
			"attempt", counter,
			"delay", delay,
			"error", f.Err)
	}
	if r.h.cfg.Observer != nil {
		r.h.cfg.Observer.Redelivering(r.ex, counter, delay)
	}

	if p.AsyncDelayedRedelivery && delay > 0 {
		r.h.cfg.Scheduler.Schedule(delay, func() {
			r.prepare(delay)
			r.loop(false)
		})
		return outcomeRetryLater
	}
	if err := r.wait(delay); err != nil {
		r.ex.SetFailure(f.Stage, fmt.Errorf("%w: %w", err, f.Err))
		return outcomeFinished
	}
	r.prepare(delay)
	return outcomeRetryNow
}

func (r *run) redeliverable(f *exchange.Failure) bool {
	cfg := r.h.cfg
	if r.ex.Stopped() || r.ctx.Err() != nil {
		return false
	}
	if exchange.IsPermanent(f.Err) {
		r.exhaust(f)
		return false
	}
	if cfg.Stopping() && !cfg.Policy.AllowRedeliveryWhileStopping {
		r.ex.SetFailure(f.Stage, fmt.Errorf("%w: %w", ErrRejected, f.Err))
		return false
	}
	var permitted bool
	if cfg.RetryWhile != nil {
		permitted = cfg.RetryWhile(r.ex, f.Err)
	} else {
		permitted = cfg.Policy.ShouldRedeliver(r.counter + 1)
	}
	if !permitted {
		r.exhaust(f)
	}
	return permitted
}

func (r *run) exhaust(f *exchange.Failure) {
	r.exhausted = true
	r.ex.SetProperty(exchange.PropRedeliveryExhausted, true)
	r.ex.SetProperty(exchange.PropFailureStage, f.Stage)
	r.ex.SetProperty(exchange.PropExceptionCaught, f.Err)
	if r.h.cfg.Observer != nil {
		r.h.cfg.Observer.Exhausted(r.ex, f.Err)
	}
	if r.h.cfg.Policy.LogExhausted {
		args := []any{
			"exchange_id", r.ex.ID,
			"stage", f.Stage,
			"redeliveries", r.counter,
			"error", f.Err,
		}
		var rec *processor.RecoveryError
		if r.h.cfg.Policy.LogStackTrace && errors.As(f.Err, &rec) {
			args = append(args, "stack", rec.StackTrace)
		}
		r.h.cfg.Logger.Error("redelivery exhausted", args...)
	}
}

// prepare resets the exchange for the next attempt.
func (r *run) prepare(delay time.Duration) {
	r.counter++
	r.ex.ClearFailure()
	r.ex.SetProperty(exchange.PropRedeliveryCounter, r.counter)
	r.ex.SetProperty(exchange.PropRedelivered, true)
	r.ex.SetProperty(exchange.PropRedeliveryDelay, delay)
	if limit := r.h.cfg.Policy.MaximumRedeliveries; limit >= 0 && r.h.cfg.RetryWhile == nil {
		r.ex.SetProperty(exchange.PropRedeliveryMaxCounter, limit)
	}
	if r.h.cfg.OnRedelivery != nil {
		r.h.cfg.OnRedelivery(r.ctx, r.ex)
	}
}

func (r *run) wait(d time.Duration) error {
	if d <= 0 {
		return r.ctx.Err()
	}
	t := r.h.cfg.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *run) finish(sync bool) bool {
	dl := r.h.cfg.DeadLetter
	if !r.exhausted || !r.ex.Failed() {
		r.done(sync)
		return sync
	}
	if dl == nil {
		f := r.ex.Failure()
		r.ex.SetFailure(f.Stage, &ExhaustedError{Redeliveries: r.counter, Cause: f.Err})
		r.done(sync)
		return sync
	}

	cause := r.ex.ClearFailure()
	if r.original != nil {
		r.ex.In = r.original.In.Copy()
		r.ex.Out = r.original.Out.Copy()
	}
	if !dl.Process(r.ctx, r.ex, func(doneSync bool) {
		if doneSync {
			return
		}
		r.deadLettered(cause)
		r.done(false)
	}) {
		return false
	}
	r.deadLettered(cause)
	r.done(sync)
	return sync
}

func (r *run) deadLettered(cause *exchange.Failure) {
	dlErr := r.ex.Err()
	if r.h.cfg.Observer != nil {
		r.h.cfg.Observer.DeadLettered(r.ex, dlErr)
	}
	if f := r.ex.ClearFailure(); f != nil {
		r.h.cfg.Logger.Error("dead letter stage failed",
			"exchange_id", r.ex.ID,
			"stage", f.Stage,
			"error", f.Err,
			"cause", cause.Err)
		if r.h.cfg.PropagateDeadLetterError {
			r.ex.SetFailure(f.Stage, f.Err)
			return
		}
		r.ex.SetProperty(exchange.PropDeadLetterError, f.Err)
	}
	r.ex.SetFailure(cause.Stage, cause.Err)
	r.ex.Handle()
}
