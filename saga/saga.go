// Package saga coordinates long running actions across processing stages.
//
// A participant stage wrapped by New enforces its Propagation against the
// saga referenced by the exchange, runs its target and, once the target
// succeeds, registers a Step with the coordinator. The participant that
// started a saga finishes it: compensation runs the compensation actions of
// registered steps in reverse order, completion runs the completion actions
// in registration order.
//
// The exchange only carries the saga id in the SagaLongRunningAction
// property. Coordinators are always looked up from a Service.
package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// HeaderLongRunningAction carries the saga id on exchanges sent to step
// actions.
const HeaderLongRunningAction = "Long-Running-Action"

// Step is the unit a participant contributes to a saga.
type Step struct {
	// Name identifies the step in logs and errors.
	Name string

	// Compensation runs when the saga is compensated. Optional.
	Compensation processor.Processor

	// Completion runs when the saga completes. Optional.
	Completion processor.Processor

	// Options are evaluated against the participating exchange when the
	// step is registered. The values become headers of the exchanges
	// handed to Compensation and Completion.
	Options map[string]func(*exchange.Exchange) any

	// Timeout compensates the saga if it is still running after the
	// given duration. Zero disables it.
	Timeout time.Duration
}

func (s *Step) empty() bool {
	return s.Compensation == nil && s.Completion == nil && s.Timeout <= 0
}

// Coordinator is the handle of one saga.
type Coordinator interface {
	// ID returns the saga id.
	ID() string

	// BeginStep registers step with the saga. ex is the participating
	// exchange.
	BeginStep(ctx context.Context, ex *exchange.Exchange, step *Step) error

	// Compensate rolls the saga back and blocks until the compensation
	// actions finished or ctx is done.
	Compensate(ctx context.Context, ex *exchange.Exchange) error

	// Complete finishes the saga and blocks until the completion actions
	// finished or ctx is done.
	Complete(ctx context.Context, ex *exchange.Exchange) error
}

// Service creates and looks up coordinators.
type Service interface {
	// NewCoordinator starts a saga for ex.
	NewCoordinator(ctx context.Context, ex *exchange.Exchange) (Coordinator, error)

	// Coordinator returns the saga with id, or an error wrapping
	// ErrNotFound.
	Coordinator(ctx context.Context, id string) (Coordinator, error)
}

// CurrentCoordinator returns the coordinator referenced by ex, or nil when
// ex is not part of a saga.
func CurrentCoordinator(ctx context.Context, svc Service, ex *exchange.Exchange) (Coordinator, error) {
	v, ok := ex.Property(exchange.PropSagaLongRunningAction)
	if !ok || v == nil {
		return nil, nil
	}
	id, ok := v.(string)
	if !ok || id == "" {
		return nil, fmt.Errorf("%w: invalid saga reference %v", ErrSaga, v)
	}
	return svc.Coordinator(ctx, id)
}
