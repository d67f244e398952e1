// Package connector holds what the broker connectors share: encoding
// exchange bodies to bytes and flattening headers and failure metadata into
// string transport headers.
package connector

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/fxsml/gomediate/exchange"
)

// ErrEncode is returned when a body cannot be turned into bytes.
var ErrEncode = errors.New("connector: encode body")

// Transport headers describing why an exchange ended in a dead letter
// destination.
const (
	HeaderExceptionCaught   = "x-exception-caught"
	HeaderFailureStage      = "x-failure-stage"
	HeaderRedeliveryCounter = "x-redelivery-counter"
	HeaderExchangeID        = "x-exchange-id"
)

// Marshaler turns bodies into bytes.
type Marshaler interface {
	Marshal(v any) ([]byte, error)
	ContentType() string
}

// JSONMarshaler encodes bodies as JSON.
type JSONMarshaler struct{}

// Marshal encodes v to JSON.
func (JSONMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// ContentType returns "application/json".
func (JSONMarshaler) ContentType() string {
	return "application/json"
}

// Payload returns the bytes of msg's body. Byte slices and strings are
// passed through, nil becomes an empty payload and anything else goes
// through m, which defaults to JSONMarshaler.
func Payload(msg *exchange.Message, m Marshaler) ([]byte, error) {
	if msg == nil {
		return nil, nil
	}
	switch b := msg.Body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	}
	if m == nil {
		m = JSONMarshaler{}
	}
	data, err := m.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %T: %w", ErrEncode, msg.Body, err)
	}
	return data, nil
}

// Header is a string transport header.
type Header struct {
	Key   string
	Value string
}

// Headers flattens the headers of msg and the failure metadata of ex into
// string headers sorted by key. Nil header values are skipped.
func Headers(ex *exchange.Exchange, msg *exchange.Message) []Header {
	var hs []Header
	if msg != nil && msg.Headers != nil {
		msg.Headers.Range(func(k string, v any) bool {
			if v != nil {
				hs = append(hs, Header{Key: k, Value: format(v)})
			}
			return true
		})
	}
	sort.Slice(hs, func(i, j int) bool { return hs[i].Key < hs[j].Key })
	return append(hs, failureHeaders(ex)...)
}

func failureHeaders(ex *exchange.Exchange) []Header {
	hs := []Header{{Key: HeaderExchangeID, Value: ex.ID}}
	if v, ok := ex.Property(exchange.PropExceptionCaught); ok && v != nil {
		hs = append(hs, Header{Key: HeaderExceptionCaught, Value: format(v)})
	} else if f := ex.Failure(); f != nil {
		hs = append(hs, Header{Key: HeaderExceptionCaught, Value: f.Err.Error()})
	}
	stage := ex.PropertyString(exchange.PropFailureStage)
	if stage == "" {
		if f := ex.Failure(); f != nil {
			stage = f.Stage
		}
	}
	if stage != "" {
		hs = append(hs, Header{Key: HeaderFailureStage, Value: stage})
	}
	if n := ex.PropertyInt(exchange.PropRedeliveryCounter); n > 0 {
		hs = append(hs, Header{Key: HeaderRedeliveryCounter, Value: strconv.Itoa(n)})
	}
	return hs
}

func format(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case error:
		return t.Error()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

// StringHeader returns the header key of msg formatted as a string.
func StringHeader(msg *exchange.Message, key string) string {
	v, ok := msg.Header(key)
	if !ok || v == nil {
		return ""
	}
	return format(v)
}
