package saga

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/fxsml/gomediate/backoff"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Defaults of ServiceConfig.
const (
	DefaultMaxRetryAttempts = 5
	DefaultRetryDelay       = 5 * time.Second
)

// ServiceConfig configures an InMemoryService.
type ServiceConfig struct {
	// MaxRetryAttempts bounds the retries of a failing step action after
	// its first attempt. Zero uses DefaultMaxRetryAttempts, a negative
	// value disables retries.
	MaxRetryAttempts int64

	// RetryDelay separates retries of a failing step action. Default:
	// DefaultRetryDelay.
	RetryDelay time.Duration

	// Scheduler runs retries and step timeouts. Defaults to a
	// backoff.ClockScheduler over Clock.
	Scheduler backoff.Scheduler

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// NewID generates saga ids. Default: uuid.NewString.
	NewID func() string

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ServiceConfig) parse() ServiceConfig {
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = backoff.NewClockScheduler(c.Clock)
	}
	if c.NewID == nil {
		c.NewID = uuid.NewString
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// InMemoryService keeps running sagas in process memory. Finished sagas
// are removed from the registry.
type InMemoryService struct {
	cfg   ServiceConfig
	timer *backoff.Timer

	mu    sync.Mutex
	sagas map[string]*MemoryCoordinator
}

var _ Service = (*InMemoryService)(nil)

// NewInMemoryService returns an empty service.
func NewInMemoryService(cfg ServiceConfig) *InMemoryService {
	cfg = cfg.parse()
	return &InMemoryService{
		cfg:   cfg,
		timer: backoff.NewTimer(cfg.Scheduler, cfg.Clock),
		sagas: make(map[string]*MemoryCoordinator),
	}
}

// NewCoordinator implements Service. Ids are inserted only if absent, so a
// new saga never replaces a running one.
func (s *InMemoryService) NewCoordinator(_ context.Context, _ *exchange.Exchange) (Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range 8 {
		id := s.cfg.NewID()
		if _, ok := s.sagas[id]; ok || id == "" {
			continue
		}
		c := &MemoryCoordinator{svc: s, id: id}
		s.sagas[id] = c
		s.cfg.Logger.Debug("saga started", "saga_id", id)
		return c, nil
	}
	return nil, fmt.Errorf("%w: could not allocate a unique saga id", ErrSaga)
}

// Coordinator implements Service.
func (s *InMemoryService) Coordinator(_ context.Context, id string) (Coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.sagas[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return c, nil
}

// Len returns the number of running sagas.
func (s *InMemoryService) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sagas)
}

func (s *InMemoryService) unregister(c *MemoryCoordinator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sagas[c.id] == c {
		delete(s.sagas, c.id)
	}
}

// Status is the lifecycle state of a saga.
type Status int

// Saga states. A saga moves from running to either compensating or
// completing and then to the matching final state.
const (
	StatusRunning Status = iota
	StatusCompensating
	StatusCompensated
	StatusCompleting
	StatusCompleted
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusCompensating:
		return "COMPENSATING"
	case StatusCompensated:
		return "COMPENSATED"
	case StatusCompleting:
		return "COMPLETING"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "RUNNING"
	}
}

type stepRecord struct {
	step   *Step
	values map[string]any
}

type finishing struct {
	compensate bool
	cause      error
	failed     []*StepError
	done       chan struct{}
	err        error
}

// MemoryCoordinator is the Coordinator of an InMemoryService.
type MemoryCoordinator struct {
	svc *InMemoryService
	id  string

	mu       sync.Mutex
	status   Status
	steps    []*stepRecord
	timeouts []backoff.Cancelable
	fin      *finishing
}

var _ Coordinator = (*MemoryCoordinator)(nil)

// ID implements Coordinator.
func (c *MemoryCoordinator) ID() string {
	return c.id
}

// Status returns the current state.
func (c *MemoryCoordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Steps returns the names of the registered steps in registration order.
func (c *MemoryCoordinator) Steps() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.steps))
	for i, r := range c.steps {
		names[i] = r.step.Name
	}
	return names
}

// Done is closed once the saga finished compensating or completing. It is
// nil while the saga is running.
func (c *MemoryCoordinator) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fin == nil {
		return nil
	}
	return c.fin.done
}

// BeginStep implements Coordinator.
func (c *MemoryCoordinator) BeginStep(_ context.Context, ex *exchange.Exchange, step *Step) error {
	rec := &stepRecord{step: step}
	if len(step.Options) > 0 {
		rec.values = make(map[string]any, len(step.Options))
		for name, eval := range step.Options {
			rec.values[name] = eval(ex)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusRunning {
		return fmt.Errorf("%w: saga %s is %s", ErrFinished, c.id, c.status)
	}
	c.steps = append(c.steps, rec)
	if step.Timeout > 0 {
		c.timeouts = append(c.timeouts, c.svc.cfg.Scheduler.Schedule(step.Timeout, func() {
			c.svc.cfg.Logger.Warn("saga step timed out", "saga_id", c.id, "step", step.Name, "timeout", step.Timeout)
			c.finish(context.Background(), true, ErrTimeout)
		}))
	}
	return nil
}

// Compensate implements Coordinator. Calls after the saga was compensated
// return the result of the first compensation; calls after it completed
// fail with ErrFinished.
func (c *MemoryCoordinator) Compensate(ctx context.Context, _ *exchange.Exchange) error {
	return c.end(ctx, true)
}

// Complete implements Coordinator. Calls after the saga completed return
// the result of the first completion; calls after it was compensated fail
// with ErrFinished.
func (c *MemoryCoordinator) Complete(ctx context.Context, _ *exchange.Exchange) error {
	return c.end(ctx, false)
}

func (c *MemoryCoordinator) end(ctx context.Context, compensate bool) error {
	f := c.finish(ctx, compensate, nil)
	err := c.wait(ctx, f)
	if f.compensate != compensate && ctx.Err() == nil {
		return fmt.Errorf("%w: saga %s is %s", ErrFinished, c.id, c.Status())
	}
	return err
}

func (c *MemoryCoordinator) wait(ctx context.Context, f *finishing) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish starts compensation or completion once and returns its state.
func (c *MemoryCoordinator) finish(ctx context.Context, compensate bool, cause error) *finishing {
	c.mu.Lock()
	if c.fin != nil {
		f := c.fin
		c.mu.Unlock()
		return f
	}
	f := &finishing{compensate: compensate, cause: cause, done: make(chan struct{})}
	c.fin = f
	steps := slices.Clone(c.steps)
	if compensate {
		c.status = StatusCompensating
		slices.Reverse(steps)
	} else {
		c.status = StatusCompleting
	}
	for _, t := range c.timeouts {
		t.Cancel()
	}
	c.timeouts = nil
	c.mu.Unlock()

	c.next(context.WithoutCancel(ctx), f, steps, 0)
	return f
}

// next runs the actions of steps[i:] one after another.
func (c *MemoryCoordinator) next(ctx context.Context, f *finishing, steps []*stepRecord, i int) {
	for ; i < len(steps); i++ {
		rec := steps[i]
		action := rec.step.Completion
		if f.compensate {
			action = rec.step.Compensation
		}
		if action == nil {
			continue
		}
		following := i + 1
		c.runAction(ctx, rec, action, func(serr *StepError) {
			if serr != nil {
				f.failed = append(f.failed, serr)
			}
			c.next(ctx, f, steps, following)
		})
		return
	}
	c.settle(f)
}

func (c *MemoryCoordinator) settle(f *finishing) {
	c.mu.Lock()
	if f.compensate {
		c.status = StatusCompensated
		if len(f.failed) > 0 {
			f.err = &CompensationError{SagaID: c.id, Steps: f.failed}
		}
	} else {
		c.status = StatusCompleted
		if len(f.failed) > 0 {
			f.err = &CompletionError{SagaID: c.id, Steps: f.failed}
		}
	}
	status := c.status
	c.mu.Unlock()

	c.svc.unregister(c)
	log := c.svc.cfg.Logger
	switch {
	case f.err != nil:
		log.Error("saga finished with failures", "saga_id", c.id, "status", status, "error", f.err)
	case f.cause != nil:
		log.Info("saga finished", "saga_id", c.id, "status", status, "cause", f.cause)
	default:
		log.Debug("saga finished", "saga_id", c.id, "status", status)
	}
	close(f.done)
}

func (c *MemoryCoordinator) actionExchange(rec *stepRecord) *exchange.Exchange {
	ex := exchange.New(nil)
	ex.In.SetHeader(HeaderLongRunningAction, c.id)
	for _, name := range slices.Sorted(maps.Keys(rec.values)) {
		ex.In.SetHeader(name, rec.values[name])
	}
	ex.SetProperty(exchange.PropSagaLongRunningAction, c.id)
	return ex
}

// runAction runs action once and retries it with the service timer while
// it fails. done receives nil on success.
func (c *MemoryCoordinator) runAction(ctx context.Context, rec *stepRecord, action processor.Processor, done func(*StepError)) {
	cfg := c.svc.cfg
	attempt := func() error {
		return processor.Run(ctx, action, c.actionExchange(rec))
	}

	lastErr := attempt()
	if lastErr == nil {
		done(nil)
		return
	}
	if cfg.MaxRetryAttempts < 0 {
		done(&StepError{Step: rec.step.Name, Attempts: 1, Err: lastErr})
		return
	}
	cfg.Logger.Warn("saga step action failed, retrying",
		"saga_id", c.id, "step", rec.step.Name, "attempt", 1, "delay", cfg.RetryDelay, "error", lastErr)

	b := backoff.BackOff{Delay: cfg.RetryDelay, Multiplier: 1, MaxAttempts: cfg.MaxRetryAttempts}
	task := c.svc.timer.Schedule(b, func(t *backoff.Task) (bool, error) {
		err := attempt()
		if err == nil {
			return false, nil
		}
		lastErr = err
		cfg.Logger.Warn("saga step action failed",
			"saga_id", c.id, "step", rec.step.Name, "attempt", t.CurrentAttempts()+1, "error", err)
		return true, nil
	})
	task.WhenComplete(func(t *backoff.Task) {
		if t.Status() == backoff.StatusExhausted {
			done(&StepError{Step: rec.step.Name, Attempts: t.CurrentAttempts() + 1, Err: lastErr})
			return
		}
		done(nil)
	})
}
