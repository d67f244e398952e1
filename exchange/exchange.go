// Package exchange defines the unit of work that flows through a route.
//
// An Exchange carries an inbound message, an optional outbound message for
// request-reply, a property bag used by the engine and by user stages, and
// at most one outstanding failure. Stages read and mutate the exchange one
// at a time; an Exchange is not safe for concurrent use.
package exchange

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Pattern is the message exchange pattern.
type Pattern int

const (
	// InOnly is fire-and-forget: no reply is expected.
	InOnly Pattern = iota
	// InOut is request-reply: the route may produce an Out message.
	InOut
)

// String implements fmt.Stringer.
func (p Pattern) String() string {
	switch p {
	case InOut:
		return "InOut"
	default:
		return "InOnly"
	}
}

// HeaderMessageID is the header carrying a message identity assigned by the
// originating system.
const HeaderMessageID = "MessageID"

// Message is a body with headers.
type Message struct {
	Headers *Map
	Body    any
}

// NewMessage returns a Message with the given body and empty headers.
func NewMessage(body any) *Message {
	return &Message{Headers: NewMap(), Body: body}
}

// Header returns the header value for key.
func (m *Message) Header(key string) (any, bool) {
	if m == nil {
		return nil, false
	}
	return m.Headers.Get(key)
}

// SetHeader sets a header, allocating the header map if needed.
func (m *Message) SetHeader(key string, value any) {
	if m.Headers == nil {
		m.Headers = NewMap()
	}
	m.Headers.Set(key, value)
}

// Copy returns a copy with cloned headers. The body is shared.
func (m *Message) Copy() *Message {
	if m == nil {
		return nil
	}
	return &Message{Headers: m.Headers.Clone(), Body: m.Body}
}

// Exchange is a single unit of work routed through stages.
type Exchange struct {
	// ID uniquely identifies the exchange.
	ID string
	// Pattern is InOnly or InOut.
	Pattern Pattern
	// In is the inbound message. Never nil for exchanges created by New.
	In *Message
	// Out is the reply for InOut exchanges. Nil until a stage sets it.
	Out *Message
	// Properties holds engine and user state scoped to this exchange.
	Properties *Map
	// Created is the creation time.
	Created time.Time

	failure *Failure
	stopped bool
}

// New returns an InOnly exchange whose inbound message carries body.
func New(body any) *Exchange {
	return &Exchange{
		ID:         uuid.NewString(),
		Pattern:    InOnly,
		In:         NewMessage(body),
		Properties: NewMap(),
		Created:    time.Now(),
	}
}

// NewRequest returns an InOut exchange whose inbound message carries body.
func NewRequest(body any) *Exchange {
	ex := New(body)
	ex.Pattern = InOut
	return ex
}

// Result returns the message a caller should see as the outcome: Out for
// request-reply exchanges once set, In otherwise.
func (ex *Exchange) Result() *Message {
	if ex.Pattern == InOut && ex.Out != nil {
		return ex.Out
	}
	return ex.In
}

// SetFailure records err as the outstanding failure, replacing any previous
// one. A nil err clears the failure. If err already is a *Failure and stage
// is empty, its stage is kept.
func (ex *Exchange) SetFailure(stage string, err error) {
	if err == nil {
		ex.failure = nil
		return
	}
	if f, ok := err.(*Failure); ok {
		if stage == "" || stage == f.Stage {
			ex.failure = f
			return
		}
		err = f.Err
	}
	ex.failure = &Failure{Stage: stage, Err: err}
}

// Failure returns the outstanding failure or nil.
func (ex *Exchange) Failure() *Failure {
	return ex.failure
}

// Err returns the outstanding failure as an error, or nil.
func (ex *Exchange) Err() error {
	if ex.failure == nil {
		return nil
	}
	return ex.failure
}

// Failed reports whether a failure is outstanding.
func (ex *Exchange) Failed() bool {
	return ex.failure != nil
}

// ClearFailure removes and returns the outstanding failure.
func (ex *Exchange) ClearFailure() *Failure {
	f := ex.failure
	ex.failure = nil
	return f
}

// Handle marks the outstanding failure as handled: the error moves to the
// PropExceptionCaught property and the exchange no longer counts as failed.
func (ex *Exchange) Handle() {
	if f := ex.ClearFailure(); f != nil {
		ex.SetProperty(PropExceptionCaught, f.Err)
		if f.Stage != "" {
			ex.SetProperty(PropFailureStage, f.Stage)
		}
	}
	ex.SetProperty(PropErrorHandlerHandled, true)
}

// Stop ends routing of this exchange without a failure. Pipelines skip the
// remaining stages.
func (ex *Exchange) Stop() {
	ex.stopped = true
}

// Stopped reports whether Stop was called.
func (ex *Exchange) Stopped() bool {
	return ex.stopped
}

// Copy returns an exchange with the same identity and cloned messages and
// properties. Bodies and property values are shared.
func (ex *Exchange) Copy() *Exchange {
	return &Exchange{
		ID:         ex.ID,
		Pattern:    ex.Pattern,
		In:         ex.In.Copy(),
		Out:        ex.Out.Copy(),
		Properties: ex.Properties.Clone(),
		Created:    ex.Created,
		failure:    ex.failure,
		stopped:    ex.stopped,
	}
}

// Property returns the property stored under key.
func (ex *Exchange) Property(key string) (any, bool) {
	return ex.Properties.Get(key)
}

// SetProperty stores a property, allocating the property map if needed.
func (ex *Exchange) SetProperty(key string, value any) {
	if ex.Properties == nil {
		ex.Properties = NewMap()
	}
	ex.Properties.Set(key, value)
}

// RemoveProperty deletes a property and returns its previous value.
func (ex *Exchange) RemoveProperty(key string) (any, bool) {
	return ex.Properties.Delete(key)
}

// PropertyInt returns an integer property. Missing or non-numeric values
// yield 0.
func (ex *Exchange) PropertyInt(key string) int {
	v, ok := ex.Properties.Get(key)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case int32:
		return int(n)
	case string:
		i, _ := strconv.Atoi(n)
		return i
	}
	return 0
}

// PropertyBool returns a boolean property. Missing values yield false.
func (ex *Exchange) PropertyBool(key string) bool {
	v, ok := ex.Properties.Get(key)
	if !ok {
		return false
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		r, _ := strconv.ParseBool(b)
		return r
	}
	return false
}

// PropertyString returns a property formatted as a string. Missing values
// yield "".
func (ex *Exchange) PropertyString(key string) string {
	v, ok := ex.Properties.Get(key)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
