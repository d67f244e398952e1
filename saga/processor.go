package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Config configures a participant stage.
type Config struct {
	// Propagation relates the participant to an incoming saga. Default:
	// Required.
	Propagation Propagation

	// Completion decides whether a saga started by this participant is
	// finished automatically. Default: Auto.
	Completion Completion

	// Step is registered with the saga after the target succeeds. An empty
	// name is replaced by the target name.
	Step Step

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c Config) parse(target processor.Processor) (Config, error) {
	if c.Propagation < Required || c.Propagation > Never {
		return c, fmt.Errorf("%w: invalid propagation %s", ErrSaga, c.Propagation)
	}
	if c.Completion != Auto && c.Completion != Manual {
		return c, fmt.Errorf("%w: invalid completion mode %s", ErrSaga, c.Completion)
	}
	if c.Step.Name == "" {
		c.Step.Name = processor.Name(target)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c, nil
}

// Processor is a saga participant around a target stage.
type Processor struct {
	svc    Service
	target processor.Processor
	name   string
	cfg    Config
}

// New returns a participant that runs target under cfg.Propagation.
func New(svc Service, target processor.Processor, cfg Config) (*Processor, error) {
	cfg, err := cfg.parse(target)
	if err != nil {
		return nil, err
	}
	return &Processor{
		svc:    svc,
		target: target,
		name:   processor.Name(target),
		cfg:    cfg,
	}, nil
}

// Name implements processor.Namer.
func (p *Processor) Name() string {
	return p.name
}

// Process implements processor.Processor. Propagation violations fail the
// exchange with a *PropagationError without running the target.
func (p *Processor) Process(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	current, err := CurrentCoordinator(ctx, p.svc, ex)
	if err != nil {
		return p.fail(ex, err, done)
	}

	switch p.cfg.Propagation {
	case Required:
		if current != nil {
			return p.join(ctx, ex, current, done)
		}
		return p.begin(ctx, ex, done)
	case RequiresNew:
		return p.begin(ctx, ex, done)
	case Mandatory:
		if current == nil {
			return p.fail(ex, &PropagationError{Propagation: Mandatory}, done)
		}
		return p.join(ctx, ex, current, done)
	case Supports:
		if current != nil {
			return p.join(ctx, ex, current, done)
		}
		return p.target.Process(ctx, ex, done)
	case NotSupported:
		return p.suspended(ctx, ex, done)
	case Never:
		if current != nil {
			return p.fail(ex, &PropagationError{Propagation: Never, SagaID: current.ID()}, done)
		}
		return p.target.Process(ctx, ex, done)
	default:
		return p.fail(ex, fmt.Errorf("%w: invalid propagation %s", ErrSaga, p.cfg.Propagation), done)
	}
}

func (p *Processor) fail(ex *exchange.Exchange, err error, done processor.Callback) bool {
	ex.SetFailure(p.name, err)
	done(true)
	return true
}

// register adds the participant step once the target succeeded. A step
// without actions or timeout has nothing to contribute and is skipped.
func (p *Processor) register(ctx context.Context, ex *exchange.Exchange, c Coordinator) {
	if ex.Failed() || p.cfg.Step.empty() {
		return
	}
	step := p.cfg.Step
	if err := c.BeginStep(ctx, ex, &step); err != nil {
		ex.SetFailure(p.name, err)
	}
}

// join runs the target inside the current saga.
func (p *Processor) join(ctx context.Context, ex *exchange.Exchange, c Coordinator, done processor.Callback) bool {
	return p.target.Process(ctx, ex, func(doneSync bool) {
		p.register(ctx, ex, c)
		done(doneSync)
	})
}

// suspended runs the target outside any saga and restores the reference
// afterwards.
func (p *Processor) suspended(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	prev, had := ex.RemoveProperty(exchange.PropSagaLongRunningAction)
	return p.target.Process(ctx, ex, func(doneSync bool) {
		if had {
			ex.SetProperty(exchange.PropSagaLongRunningAction, prev)
		}
		done(doneSync)
	})
}

// begin starts a saga owned by this participant. A reference to an
// enclosing saga is suspended until the new saga is finished.
func (p *Processor) begin(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	c, err := p.svc.NewCoordinator(ctx, ex)
	if err != nil {
		return p.fail(ex, err, done)
	}
	prev, had := ex.Property(exchange.PropSagaLongRunningAction)
	ex.SetProperty(exchange.PropSagaLongRunningAction, c.ID())
	restore := func() {
		if had {
			ex.SetProperty(exchange.PropSagaLongRunningAction, prev)
		} else {
			ex.RemoveProperty(exchange.PropSagaLongRunningAction)
		}
	}

	if p.cfg.Completion == Manual {
		return p.target.Process(ctx, ex, func(doneSync bool) {
			p.register(ctx, ex, c)
			restore()
			done(doneSync)
		})
	}

	p.target.Process(ctx, ex, func(bool) {
		p.register(ctx, ex, c)
		go func() {
			p.finish(ctx, ex, c)
			restore()
			done(false)
		}()
	})
	return false
}

// finish compensates a failed saga and completes a successful one.
func (p *Processor) finish(ctx context.Context, ex *exchange.Exchange, c Coordinator) {
	if f := ex.Failure(); f != nil {
		if err := c.Compensate(ctx, ex); err != nil {
			p.cfg.Logger.Error("saga compensation failed",
				"saga_id", c.ID(), "exchange_id", ex.ID, "stage", p.name, "error", err)
			ex.SetFailure(f.Stage, errors.Join(f.Err, err))
		}
		return
	}
	if err := c.Complete(ctx, ex); err != nil {
		p.cfg.Logger.Error("saga completion failed",
			"saga_id", c.ID(), "exchange_id", ex.ID, "stage", p.name, "error", err)
		ex.SetFailure(p.name, err)
	}
}

type finisher struct {
	name       string
	svc        Service
	compensate bool
}

func (f *finisher) Name() string { return f.name }

func (f *finisher) Process(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	c, err := CurrentCoordinator(ctx, f.svc, ex)
	if err == nil && c == nil {
		err = fmt.Errorf("%w: exchange is not part of a saga", ErrNotFound)
	}
	if err != nil {
		ex.SetFailure(f.name, err)
		done(true)
		return true
	}
	go func() {
		if f.compensate {
			err = c.Compensate(ctx, ex)
		} else {
			err = c.Complete(ctx, ex)
		}
		if err != nil {
			ex.SetFailure(f.name, err)
		}
		done(false)
	}()
	return false
}

// CompleteStage returns a stage that completes the saga of the exchange.
// It is the counterpart of Manual completion.
func CompleteStage(svc Service) processor.Processor {
	return &finisher{name: "saga-complete", svc: svc}
}

// CompensateStage returns a stage that compensates the saga of the
// exchange.
func CompensateStage(svc Service) processor.Processor {
	return &finisher{name: "saga-compensate", svc: svc, compensate: true}
}
