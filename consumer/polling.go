package consumer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fxsml/gomediate/backoff"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
	"github.com/fxsml/gomediate/throttle"
)

// Defaults of Config.
const (
	DefaultDelay           = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// Observer is notified about polls and settled exchanges.
type Observer interface {
	// Polled is called after each poll that reached the source.
	Polled(count int, err error)
	// Settled is called after an exchange was acked (err nil) or nacked.
	Settled(ex *exchange.Exchange, err error)
}

// Config configures a PollingConsumer.
type Config struct {
	// Delay separates polls. Default: DefaultDelay.
	Delay time.Duration

	// Concurrency bounds the exchanges in flight. Default: 1.
	Concurrency int64

	// BackoffMultiplier skips this many polls once a backoff threshold
	// is reached. Zero disables skipping.
	BackoffMultiplier int

	// BackoffIdleThreshold is the number of consecutive empty polls that
	// starts skipping. Zero disables it.
	BackoffIdleThreshold int

	// BackoffErrorThreshold is the number of consecutive failed polls
	// that starts skipping. Zero disables it.
	BackoffErrorThreshold int

	// Throttle limits the rate at which exchanges are dispatched.
	// Optional.
	Throttle throttle.Allower

	// ShutdownTimeout bounds the wait for in-flight exchanges after the
	// consumer stopped polling. Default: DefaultShutdownTimeout.
	ShutdownTimeout time.Duration

	// Scheduler runs polls. Defaults to a backoff.ClockScheduler over
	// Clock.
	Scheduler backoff.Scheduler

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Observer is optional.
	Observer Observer
}

func (c Config) parse() Config {
	if c.Delay <= 0 {
		c.Delay = DefaultDelay
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	if c.Scheduler == nil {
		c.Scheduler = backoff.NewClockScheduler(c.Clock)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Throttle == nil {
		c.Throttle = throttle.NewNoopAllower()
	}
	return c
}

// PollingConsumer polls a Source on a fixed delay and runs every received
// exchange through a route. An exchange that ends failed is nacked, any
// other is acked.
type PollingConsumer struct {
	source Source
	route  processor.Processor
	cfg    Config
	timer  *backoff.Timer
	sem    *throttle.Semaphore

	mu       sync.Mutex
	running  bool
	err      error
	stopping atomic.Bool
	tracker  *tracker

	// Poll state, owned by the polling goroutine.
	idle     int
	failures int
	skipped  int
}

// New returns a PollingConsumer feeding route from source.
func New(source Source, route processor.Processor, cfg Config) *PollingConsumer {
	cfg = cfg.parse()
	return &PollingConsumer{
		source: source,
		route:  route,
		cfg:    cfg,
		timer:  backoff.NewTimer(cfg.Scheduler, cfg.Clock),
		sem:    throttle.NewSemaphore(cfg.Concurrency),
	}
}

// Stopping reports whether the consumer is shutting down. It fits
// redelivery.Config.Stopping.
func (c *PollingConsumer) Stopping() bool {
	return c.stopping.Load()
}

// InFlight returns the number of exchanges being routed.
func (c *PollingConsumer) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		return 0
	}
	return c.tracker.inFlight()
}

// Err returns why the last run ended, or nil if it ended because its
// context was done.
func (c *PollingConsumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Start begins polling until ctx is done or the source fails permanently.
// The returned channel is closed after in-flight exchanges settled or the
// shutdown timeout passed. A stopped consumer may be started again.
func (c *PollingConsumer) Start(ctx context.Context) (<-chan struct{}, error) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	c.running = true
	c.err = nil
	tr := newTracker()
	c.tracker = tr
	c.mu.Unlock()

	c.stopping.Store(false)
	c.idle, c.failures, c.skipped = 0, 0, 0

	routeCtx := context.WithoutCancel(ctx)
	var pollMu sync.Mutex
	task := c.timer.Schedule(backoff.BackOff{Delay: c.cfg.Delay, Multiplier: 1}, func(*backoff.Task) (bool, error) {
		pollMu.Lock()
		defer pollMu.Unlock()
		return c.poll(ctx, routeCtx, tr)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		select {
		case <-ctx.Done():
			task.Cancel()
		case <-task.Done():
		}
		c.stopping.Store(true)

		pollMu.Lock()
		tr.close()
		pollMu.Unlock()

		var err error
		if terr := task.Err(); terr != nil && !errors.Is(terr, backoff.ErrCancelled) {
			err = terr
		}
		timeout := c.cfg.Clock.Timer(c.cfg.ShutdownTimeout)
		select {
		case <-tr.drained():
			timeout.Stop()
		case <-timeout.C:
			c.cfg.Logger.Warn("consumer shutdown timed out", "in_flight", tr.inFlight())
			if err == nil {
				err = ErrShutdownTimeout
			}
		}

		c.mu.Lock()
		c.err = err
		c.running = false
		c.mu.Unlock()
	}()
	return done, nil
}

// Run starts the consumer and blocks until it stopped. It returns Err.
func (c *PollingConsumer) Run(ctx context.Context) error {
	done, err := c.Start(ctx)
	if err != nil {
		return err
	}
	<-done
	return c.Err()
}

// skip applies the idle and error backoff: once a threshold is reached the
// next BackoffMultiplier polls are skipped and the counters reset.
func (c *PollingConsumer) skip() bool {
	if c.cfg.BackoffMultiplier <= 0 {
		return false
	}
	idle := c.cfg.BackoffIdleThreshold > 0 && c.idle >= c.cfg.BackoffIdleThreshold
	failing := c.cfg.BackoffErrorThreshold > 0 && c.failures >= c.cfg.BackoffErrorThreshold
	if !idle && !failing {
		return false
	}
	c.skipped++
	if c.skipped <= c.cfg.BackoffMultiplier {
		return true
	}
	c.skipped, c.idle, c.failures = 0, 0, 0
	return false
}

func (c *PollingConsumer) poll(ctx, routeCtx context.Context, tr *tracker) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}
	if c.skip() {
		c.cfg.Logger.Debug("poll skipped", "idle", c.idle, "failures", c.failures)
		return true, nil
	}

	deliveries, err := c.source.Receive(ctx)
	if c.cfg.Observer != nil {
		c.cfg.Observer.Polled(len(deliveries), err)
	}
	if err != nil && ctx.Err() == nil {
		if exchange.IsPermanent(err) {
			c.cfg.Logger.Info("source stopped", "error", err)
			c.dispatchAll(ctx, routeCtx, tr, deliveries)
			return false, err
		}
		c.failures++
		c.idle = 0
		c.cfg.Logger.Warn("poll failed", "failures", c.failures, "error", err)
		return true, nil
	}
	c.failures = 0
	if len(deliveries) == 0 {
		c.idle++
		return true, nil
	}
	c.idle = 0
	return c.dispatchAll(ctx, routeCtx, tr, deliveries), nil
}

// dispatchAll routes deliveries as slots free up. Deliveries that cannot be
// admitted because ctx ended are nacked.
func (c *PollingConsumer) dispatchAll(ctx, routeCtx context.Context, tr *tracker, deliveries []*Delivery) bool {
	for i, d := range deliveries {
		if err := c.admit(ctx); err != nil {
			for _, rest := range deliveries[i:] {
				rest.Nack(err)
				c.settled(rest.Exchange, err)
			}
			return false
		}
		tr.enter()
		go c.dispatch(routeCtx, tr, d)
	}
	return true
}

func (c *PollingConsumer) admit(ctx context.Context) error {
	if err := c.cfg.Throttle.Allow(ctx, 1); err != nil {
		return err
	}
	return c.sem.Acquire(ctx)
}

func (c *PollingConsumer) dispatch(ctx context.Context, tr *tracker, d *Delivery) {
	ex := d.Exchange
	c.route.Process(ctx, ex, func(bool) {
		err := ex.Err()
		if err != nil {
			d.Nack(err)
			c.cfg.Logger.Debug("exchange nacked", "exchange_id", ex.ID, "error", err)
		} else {
			d.Ack()
		}
		c.settled(ex, err)
		c.sem.Release()
		tr.exit()
	})
}

func (c *PollingConsumer) settled(ex *exchange.Exchange, err error) {
	if c.cfg.Observer != nil {
		c.cfg.Observer.Settled(ex, err)
	}
}
