package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/fxsml/gomediate/backoff"
)

// Runner is a service that blocks until it stops. A nil error means it
// stopped on purpose.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error {
	return f(ctx)
}

// SupervisorConfig configures a Supervisor.
type SupervisorConfig struct {
	// BackOff separates restarts and bounds them. Default: 2s doubling up
	// to 1m, without a limit on attempts.
	BackOff *backoff.BackOff

	// Scheduler runs restarts. Defaults to a backoff.ClockScheduler over
	// Clock.
	Scheduler backoff.Scheduler

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c SupervisorConfig) parse() SupervisorConfig {
	if c.BackOff == nil {
		b := backoff.BackOff{Delay: 2 * time.Second, MaxDelay: time.Minute, Multiplier: 2}
		c.BackOff = &b
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
	return c
}

// Supervisor restarts a failing Runner according to a BackOff.
type Supervisor struct {
	name   string
	runner Runner
	cfg    SupervisorConfig
	timer  *backoff.Timer

	mu       sync.Mutex
	restarts int64
}

// NewSupervisor returns a Supervisor of runner.
func NewSupervisor(name string, runner Runner, cfg SupervisorConfig) *Supervisor {
	cfg = cfg.parse()
	return &Supervisor{
		name:   name,
		runner: runner,
		cfg:    cfg,
		timer:  backoff.NewTimer(cfg.Scheduler, cfg.Clock),
	}
}

// Restarts returns how often the runner was restarted.
func (s *Supervisor) Restarts() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Run starts the runner and restarts it after failures until it stops
// without error, ctx is done or the BackOff is exhausted. In the last case
// the error wraps ErrRestartsExhausted and the last failure.
func (s *Supervisor) Run(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	lastErr := err
	s.cfg.Logger.Warn("supervised service failed", "service", s.name, "error", err)

	task := s.timer.Schedule(*s.cfg.BackOff, func(t *backoff.Task) (bool, error) {
		if ctx.Err() != nil {
			return false, nil
		}
		s.mu.Lock()
		s.restarts++
		s.mu.Unlock()
		s.cfg.Logger.Info("restarting supervised service", "service", s.name, "attempt", t.CurrentAttempts())
		err := s.runner.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return false, nil
		}
		lastErr = err
		s.cfg.Logger.Warn("supervised service failed", "service", s.name, "attempt", t.CurrentAttempts(), "error", err)
		return true, nil
	})

	select {
	case <-task.Done():
	case <-ctx.Done():
		task.Cancel()
		return ctx.Err()
	}
	if task.Status() == backoff.StatusExhausted {
		s.cfg.Logger.Error("supervised service gave up", "service", s.name, "restarts", s.Restarts(), "error", lastErr)
		return fmt.Errorf("%w: %s: %w", ErrRestartsExhausted, s.name, lastErr)
	}
	return ctx.Err()
}
