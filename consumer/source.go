// Package consumer feeds exchanges from sources into routes and settles
// them with the source once the route completed.
package consumer

import (
	"context"
	"errors"
	"fmt"

	"github.com/fxsml/gomediate/exchange"
)

var (
	// ErrConsumer is the base error of the package.
	ErrConsumer = errors.New("consumer")

	// ErrAlreadyStarted is returned by Start while a run is active.
	ErrAlreadyStarted = fmt.Errorf("%w: already started", ErrConsumer)

	// ErrSourceClosed is returned by a source that will never yield again.
	ErrSourceClosed = fmt.Errorf("%w: source closed", ErrConsumer)

	// ErrShutdownTimeout is reported when in-flight exchanges did not
	// finish within the shutdown timeout.
	ErrShutdownTimeout = fmt.Errorf("%w: shutdown timeout", ErrConsumer)

	// ErrRestartsExhausted is reported by a Supervisor that gave up.
	ErrRestartsExhausted = fmt.Errorf("%w: restarts exhausted", ErrConsumer)
)

// Source yields deliveries. Receive returns the deliveries available now,
// possibly none. A permanent error (see exchange.Permanent) stops the
// consumer; other errors count as failed polls.
type Source interface {
	Receive(ctx context.Context) ([]*Delivery, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]*Delivery, error)

// Receive calls f.
func (f SourceFunc) Receive(ctx context.Context) ([]*Delivery, error) {
	return f(ctx)
}

// ChannelSource drains exchanges from a channel without blocking. Its
// deliveries are settled through the optional callbacks.
type ChannelSource struct {
	ch       <-chan *exchange.Exchange
	maxBatch int
	onAck    func(*exchange.Exchange)
	onNack   func(*exchange.Exchange, error)
}

// NewChannelSource returns a source yielding up to maxBatch exchanges per
// poll. A maxBatch below 1 means 1.
func NewChannelSource(ch <-chan *exchange.Exchange, maxBatch int) *ChannelSource {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &ChannelSource{ch: ch, maxBatch: maxBatch}
}

// OnSettle registers callbacks for acked and nacked exchanges.
func (s *ChannelSource) OnSettle(ack func(*exchange.Exchange), nack func(*exchange.Exchange, error)) *ChannelSource {
	s.onAck = ack
	s.onNack = nack
	return s
}

// Receive implements Source. Once the channel is closed and drained it
// returns a permanent ErrSourceClosed.
func (s *ChannelSource) Receive(ctx context.Context) ([]*Delivery, error) {
	var out []*Delivery
	for len(out) < s.maxBatch {
		select {
		case <-ctx.Done():
			return out, nil
		case ex, ok := <-s.ch:
			if !ok {
				if len(out) > 0 {
					return out, nil
				}
				return nil, exchange.Permanent(ErrSourceClosed)
			}
			out = append(out, NewDelivery(ex, s.acking(ex)))
		default:
			return out, nil
		}
	}
	return out, nil
}

func (s *ChannelSource) acking(ex *exchange.Exchange) *Acking {
	var ack func()
	var nack func(error)
	if s.onAck != nil {
		ack = func() { s.onAck(ex) }
	}
	if s.onNack != nil {
		nack = func(err error) { s.onNack(ex, err) }
	}
	return NewAcking(ack, nack)
}
