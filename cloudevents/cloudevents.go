// Package cloudevents maps exchanges to CloudEvents and back using
// github.com/cloudevents/sdk-go/v2.
//
// Event context attributes travel as exchange headers prefixed with "ce-",
// the way the HTTP binary binding carries them. The event data becomes the
// exchange body.
package cloudevents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	ce "github.com/cloudevents/sdk-go/v2"

	"github.com/fxsml/gomediate/connector"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Header names of the event context attributes.
const (
	HeaderPrefix          = "ce-"
	HeaderID              = "ce-id"
	HeaderSource          = "ce-source"
	HeaderType            = "ce-type"
	HeaderSpecVersion     = "ce-specversion"
	HeaderSubject         = "ce-subject"
	HeaderTime            = "ce-time"
	HeaderDataSchema      = "ce-dataschema"
	HeaderDataContentType = "Content-Type"
)

// Defaults used by ToEvent for missing attributes.
const (
	DefaultSource = "gomediate"
	DefaultType   = "io.gomediate.exchange"
)

// Extensions carrying the failure metadata of dead lettered exchanges.
const (
	ExtExceptionCaught   = "exceptioncaught"
	ExtFailureStage      = "failurestage"
	ExtRedeliveryCounter = "redeliverycounter"
)

// ErrInvalidEvent is returned when an exchange does not form a valid event.
var ErrInvalidEvent = errors.New("cloudevents: invalid event")

// FromEvent returns an InOnly exchange for e. The event id doubles as the
// exchange message id, so idempotent consumers deduplicate redelivered
// events.
func FromEvent(e ce.Event) *exchange.Exchange {
	var body []byte
	if b := e.Data(); len(b) > 0 {
		body = append([]byte(nil), b...)
	}
	ex := exchange.New(body)
	h := ex.In
	h.SetHeader(HeaderID, e.ID())
	h.SetHeader(exchange.HeaderMessageID, e.ID())
	h.SetHeader(HeaderSource, e.Source())
	h.SetHeader(HeaderType, e.Type())
	h.SetHeader(HeaderSpecVersion, e.SpecVersion())
	if s := e.Subject(); s != "" {
		h.SetHeader(HeaderSubject, s)
	}
	if t := e.Time(); !t.IsZero() {
		h.SetHeader(HeaderTime, t.UTC().Format(time.RFC3339Nano))
	}
	if ds := e.DataSchema(); ds != "" {
		h.SetHeader(HeaderDataSchema, ds)
	}
	if ct := e.DataContentType(); ct != "" {
		h.SetHeader(HeaderDataContentType, ct)
	}
	for k, v := range e.Extensions() {
		h.SetHeader(HeaderPrefix+k, v)
	}
	return ex
}

// ToEvent returns the event for the result message of ex. A missing id
// falls back to the message id and then the exchange id, a missing source
// and type to DefaultSource and DefaultType. Failure metadata of handled
// exchanges becomes extensions.
func ToEvent(ex *exchange.Exchange) (ce.Event, error) {
	msg := ex.Result()
	e := ce.NewEvent()

	e.SetID(first(connector.StringHeader(msg, HeaderID), connector.StringHeader(msg, exchange.HeaderMessageID), ex.ID))
	e.SetSource(first(connector.StringHeader(msg, HeaderSource), DefaultSource))
	e.SetType(first(connector.StringHeader(msg, HeaderType), DefaultType))
	if v := connector.StringHeader(msg, HeaderSpecVersion); v != "" {
		e.SetSpecVersion(v)
	}
	if v := connector.StringHeader(msg, HeaderSubject); v != "" {
		e.SetSubject(v)
	}
	if v := connector.StringHeader(msg, HeaderDataSchema); v != "" {
		e.SetDataSchema(v)
	}
	if v := connector.StringHeader(msg, HeaderTime); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return e, fmt.Errorf("%w: time %q: %w", ErrInvalidEvent, v, err)
		}
		e.SetTime(t)
	} else {
		e.SetTime(ex.Created)
	}

	msg.Headers.Range(func(k string, v any) bool {
		name := strings.ToLower(k)
		if !strings.HasPrefix(name, HeaderPrefix) || standard(name) {
			return true
		}
		e.SetExtension(strings.TrimPrefix(name, HeaderPrefix), v)
		return true
	})
	setFailureExtensions(&e, ex)

	if err := setData(&e, msg); err != nil {
		return e, err
	}
	if err := e.Validate(); err != nil {
		return e, fmt.Errorf("%w: %w", ErrInvalidEvent, err)
	}
	return e, nil
}

func setData(e *ce.Event, msg *exchange.Message) error {
	ct := connector.StringHeader(msg, HeaderDataContentType)
	var err error
	switch body := msg.Body.(type) {
	case nil:
		return nil
	case []byte:
		if ct == "" {
			ct = "application/octet-stream"
		}
		if ct == ce.ApplicationJSON && json.Valid(body) {
			err = e.SetData(ct, json.RawMessage(body))
		} else {
			err = e.SetData(ct, body)
		}
	case string:
		if ct == "" {
			ct = ce.TextPlain
		}
		err = e.SetData(ct, []byte(body))
	default:
		if ct == "" {
			ct = ce.ApplicationJSON
		}
		err = e.SetData(ct, body)
	}
	if err != nil {
		return fmt.Errorf("%w: data: %w", ErrInvalidEvent, err)
	}
	return nil
}

func setFailureExtensions(e *ce.Event, ex *exchange.Exchange) {
	if v, ok := ex.Property(exchange.PropExceptionCaught); ok && v != nil {
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		e.SetExtension(ExtExceptionCaught, fmt.Sprint(v))
	}
	if s := ex.PropertyString(exchange.PropFailureStage); s != "" {
		e.SetExtension(ExtFailureStage, s)
	}
	if n := ex.PropertyInt(exchange.PropRedeliveryCounter); n > 0 {
		e.SetExtension(ExtRedeliveryCounter, int32(n))
	}
}

func standard(header string) bool {
	switch header {
	case HeaderID, HeaderSource, HeaderType, HeaderSpecVersion, HeaderSubject, HeaderTime, HeaderDataSchema:
		return true
	}
	return false
}

func first(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

// Structured returns a stage that replaces the result body of each
// exchange with the JSON structured form of its event. Producers behind it
// publish self describing CloudEvents.
func Structured(name string) processor.Processor {
	return processor.Func(name, func(_ context.Context, ex *exchange.Exchange) error {
		e, err := ToEvent(ex)
		if err != nil {
			return exchange.Permanent(err)
		}
		data, err := json.Marshal(e)
		if err != nil {
			return exchange.Permanent(fmt.Errorf("%w: %w", ErrInvalidEvent, err))
		}
		msg := ex.Result()
		msg.Body = data
		msg.SetHeader(HeaderDataContentType, ce.ApplicationCloudEventsJSON)
		return nil
	})
}

// Parse returns a stage that decodes a JSON structured event from the
// inbound body and replaces the inbound message with the event's headers
// and data.
func Parse(name string) processor.Processor {
	return processor.Func(name, func(_ context.Context, ex *exchange.Exchange) error {
		data, err := connector.Payload(ex.In, nil)
		if err != nil {
			return exchange.Permanent(err)
		}
		var e ce.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return exchange.Permanent(fmt.Errorf("%w: %w", ErrInvalidEvent, err))
		}
		ex.In = FromEvent(e).In
		return nil
	})
}
