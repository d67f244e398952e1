package saga

import (
	"fmt"
	"strings"
)

// Propagation decides how a participant relates to the saga of an incoming
// exchange.
type Propagation int

const (
	// Required joins the current saga or starts a new one.
	Required Propagation = iota
	// RequiresNew always starts a new saga. The current one is suspended
	// and restored afterwards.
	RequiresNew
	// Mandatory joins the current saga and fails without one.
	Mandatory
	// Supports joins the current saga if there is one.
	Supports
	// NotSupported suspends the current saga while the target runs.
	NotSupported
	// Never fails when a saga is active.
	Never
)

// String implements fmt.Stringer.
func (p Propagation) String() string {
	switch p {
	case Required:
		return "REQUIRED"
	case RequiresNew:
		return "REQUIRES_NEW"
	case Mandatory:
		return "MANDATORY"
	case Supports:
		return "SUPPORTS"
	case NotSupported:
		return "NOT_SUPPORTED"
	case Never:
		return "NEVER"
	default:
		return fmt.Sprintf("Propagation(%d)", int(p))
	}
}

// ParsePropagation parses a propagation name such as "REQUIRES_NEW". Case
// and the separator ('_' or '-') are ignored.
func ParsePropagation(s string) (Propagation, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_") {
	case "REQUIRED", "":
		return Required, nil
	case "REQUIRES_NEW":
		return RequiresNew, nil
	case "MANDATORY":
		return Mandatory, nil
	case "SUPPORTS":
		return Supports, nil
	case "NOT_SUPPORTED":
		return NotSupported, nil
	case "NEVER":
		return Never, nil
	}
	return 0, fmt.Errorf("%w: unknown propagation %q", ErrSaga, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Propagation) UnmarshalText(text []byte) error {
	v, err := ParsePropagation(string(text))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Completion decides who finishes a saga.
type Completion int

const (
	// Auto completes the saga when the owning participant succeeds and
	// compensates it when the participant fails.
	Auto Completion = iota
	// Manual leaves finishing to CompleteStage, CompensateStage or a step
	// timeout.
	Manual
)

// String implements fmt.Stringer.
func (c Completion) String() string {
	if c == Manual {
		return "MANUAL"
	}
	return "AUTO"
}

// ParseCompletion parses "AUTO" or "MANUAL", ignoring case.
func ParseCompletion(s string) (Completion, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AUTO", "":
		return Auto, nil
	case "MANUAL":
		return Manual, nil
	}
	return 0, fmt.Errorf("%w: unknown completion mode %q", ErrSaga, s)
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Completion) UnmarshalText(text []byte) error {
	v, err := ParseCompletion(string(text))
	if err != nil {
		return err
	}
	*c = v
	return nil
}
