package consumer

import (
	"sync"

	"github.com/fxsml/gomediate/exchange"
)

// Acking settles one or more deliveries with the source. The ack callback
// runs once all expected deliveries acked; the nack callback runs on the
// first nack. Callbacks run outside the lock, exactly once per Acking.
type Acking struct {
	mu       sync.Mutex
	ackFn    func()
	nackFn   func(error)
	settled  bool
	nackErr  error
	acks     int
	expected int
	doneCh   chan struct{}
}

// NewAcking returns an Acking for a single delivery. Nil callbacks are
// replaced by no-ops.
func NewAcking(ack func(), nack func(error)) *Acking {
	return NewSharedAcking(ack, nack, 1)
}

// NewSharedAcking returns an Acking shared by expected deliveries. An
// expected count below 1 is raised to 1.
func NewSharedAcking(ack func(), nack func(error), expected int) *Acking {
	if ack == nil {
		ack = func() {}
	}
	if nack == nil {
		nack = func(error) {}
	}
	if expected < 1 {
		expected = 1
	}
	return &Acking{
		ackFn:    ack,
		nackFn:   nack,
		expected: expected,
		doneCh:   make(chan struct{}),
	}
}

// Settled reports whether the Acking was acked or nacked.
func (a *Acking) Settled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

// Err returns the nack error, or nil while pending or after ack.
func (a *Acking) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nackErr
}

// Done is closed once the Acking settled.
func (a *Acking) Done() <-chan struct{} {
	return a.doneCh
}

func (a *Acking) ack() bool {
	a.mu.Lock()
	if a.settled {
		acked := a.nackErr == nil
		a.mu.Unlock()
		return acked
	}
	a.acks++
	if a.acks < a.expected {
		a.mu.Unlock()
		return true
	}
	fn := a.ackFn
	a.settled = true
	a.mu.Unlock()

	defer close(a.doneCh)
	fn()
	return true
}

func (a *Acking) nack(err error) bool {
	a.mu.Lock()
	if a.settled {
		nacked := a.nackErr != nil
		a.mu.Unlock()
		return nacked
	}
	fn := a.nackFn
	a.settled = true
	a.nackErr = err
	a.mu.Unlock()

	defer close(a.doneCh)
	fn(err)
	return true
}

// Delivery is an exchange received from a Source together with the means
// to settle it.
type Delivery struct {
	Exchange *exchange.Exchange
	acking   *Acking
}

// NewDelivery returns a Delivery settled through acking. A nil acking
// makes Ack and Nack no-ops that report success.
func NewDelivery(ex *exchange.Exchange, acking *Acking) *Delivery {
	return &Delivery{Exchange: ex, acking: acking}
}

// Ack confirms processing. It reports whether the delivery is, or will
// be, acknowledged; false means it was nacked before.
func (d *Delivery) Ack() bool {
	if d.acking == nil {
		return true
	}
	return d.acking.ack()
}

// Nack rejects the delivery with err. It reports whether the delivery is
// nacked; false means it was acked before.
func (d *Delivery) Nack(err error) bool {
	if d.acking == nil {
		return true
	}
	return d.acking.nack(err)
}
