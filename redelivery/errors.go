package redelivery

import (
	"errors"
	"fmt"
)

var (
	// ErrRedelivery is the base error for redelivery failures.
	ErrRedelivery = errors.New("redelivery")

	// ErrExhausted marks an exchange that failed after all permitted
	// redeliveries and was not dead-lettered.
	ErrExhausted = fmt.Errorf("%w: exhausted", ErrRedelivery)

	// ErrRejected marks an exchange whose redelivery was refused because
	// the owner is stopping.
	ErrRejected = fmt.Errorf("%w: rejected while stopping", ErrRedelivery)

	// ErrInvalidPolicy is returned for malformed policies.
	ErrInvalidPolicy = fmt.Errorf("%w: invalid policy", ErrRedelivery)
)

// ExhaustedError is the terminal failure of an exchange that ran out of
// redeliveries without a dead letter stage.
type ExhaustedError struct {
	// Redeliveries is the number of redeliveries performed.
	Redeliveries int
	// Cause is the last failure.
	Cause error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d redeliveries: %v", ErrExhausted, e.Redeliveries, e.Cause)
}

func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Cause}
}
