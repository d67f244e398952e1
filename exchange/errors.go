package exchange

import (
	"errors"
	"fmt"
)

// Well-known property names maintained by the engine.
const (
	PropRedeliveryCounter     = "RedeliveryCounter"
	PropRedelivered           = "Redelivered"
	PropRedeliveryMaxCounter  = "RedeliveryMaxCounter"
	PropRedeliveryDelay       = "RedeliveryDelay"
	PropRedeliveryExhausted   = "RedeliveryExhausted"
	PropExceptionCaught       = "ExceptionCaught"
	PropFailureStage          = "FailureStage"
	PropErrorHandlerHandled   = "ErrorHandlerHandled"
	PropDeadLetterError       = "DeadLetterError"
	PropDuplicateMessage      = "DuplicateMessage"
	PropSagaLongRunningAction = "SagaLongRunningAction"
)

// Failure is an error captured on an exchange together with the stage that
// raised it.
type Failure struct {
	Stage string
	Err   error
}

func (f *Failure) Error() string {
	if f.Stage == "" {
		return f.Err.Error()
	}
	return fmt.Sprintf("stage %s: %v", f.Stage, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }
func (e *permanentError) Permanent() bool { return true }

// Permanent marks err as not worth redelivering. Error handlers fail such
// exchanges without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether any error in err's chain reports itself as
// permanent through a Permanent() bool method.
func IsPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
