package saga

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSaga is the base error for saga failures.
	ErrSaga = errors.New("saga")

	// ErrPropagation is reported when a propagation mode rejects an
	// exchange.
	ErrPropagation = fmt.Errorf("%w: propagation violated", ErrSaga)

	// ErrNotFound is reported when a saga id has no coordinator.
	ErrNotFound = fmt.Errorf("%w: not found", ErrSaga)

	// ErrFinished is reported when a step joins a saga that already
	// completed or compensated.
	ErrFinished = fmt.Errorf("%w: already finished", ErrSaga)

	// ErrCompensation is the base of compensation failures.
	ErrCompensation = fmt.Errorf("%w: compensation failed", ErrSaga)

	// ErrCompletion is the base of completion failures.
	ErrCompletion = fmt.Errorf("%w: completion failed", ErrSaga)

	// ErrTimeout is the cause recorded when a step timeout compensates a
	// saga.
	ErrTimeout = fmt.Errorf("%w: step timed out", ErrSaga)
)

// PropagationError reports an exchange rejected by a participant. It is
// permanent, so error handlers do not redeliver it.
type PropagationError struct {
	Propagation Propagation
	SagaID      string
}

func (e *PropagationError) Error() string {
	if e.SagaID == "" {
		return fmt.Sprintf("saga: propagation %s requires an active saga", e.Propagation)
	}
	return fmt.Sprintf("saga: propagation %s forbids active saga %s", e.Propagation, e.SagaID)
}

// Unwrap returns ErrPropagation.
func (e *PropagationError) Unwrap() error {
	return ErrPropagation
}

// Permanent marks the error as not worth redelivering.
func (e *PropagationError) Permanent() bool {
	return true
}

// StepError is the failure of one step action after all retries.
type StepError struct {
	Step     string
	Attempts int64
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempts: %v", e.Step, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func joinSteps(steps []*StepError) string {
	msgs := make([]string, len(steps))
	for i, s := range steps {
		msgs[i] = s.Error()
	}
	return strings.Join(msgs, "; ")
}

func unwrapSteps(base error, steps []*StepError) []error {
	errs := make([]error, 0, len(steps)+1)
	errs = append(errs, base)
	for _, s := range steps {
		errs = append(errs, s)
	}
	return errs
}

// CompensationError collects the compensation actions that failed while a
// saga was rolled back.
type CompensationError struct {
	SagaID string
	Steps  []*StepError
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("saga %s: compensation failed: %s", e.SagaID, joinSteps(e.Steps))
}

// Unwrap returns ErrCompensation and every step error.
func (e *CompensationError) Unwrap() []error {
	return unwrapSteps(ErrCompensation, e.Steps)
}

// CompletionError collects the completion actions that failed while a saga
// was completed.
type CompletionError struct {
	SagaID string
	Steps  []*StepError
}

func (e *CompletionError) Error() string {
	return fmt.Sprintf("saga %s: completion failed: %s", e.SagaID, joinSteps(e.Steps))
}

// Unwrap returns ErrCompletion and every step error.
func (e *CompletionError) Unwrap() []error {
	return unwrapSteps(ErrCompletion, e.Steps)
}
