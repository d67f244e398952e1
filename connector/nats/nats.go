// Package nats connects routes to NATS subjects. Producer publishes
// exchanges, Source polls a synchronous subscription for a
// consumer.PollingConsumer.
//
// Core NATS has no acknowledgments, so deliveries from Source are settled
// without telling the server. Pair it with a dead letter channel when
// failures must not be lost.
package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/fxsml/gomediate/connector"
	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// HeaderSubject overrides the subject of a published exchange and carries
// the subject of a received one.
const HeaderSubject = "nats.subject"

// ErrPublish is wrapped by failures to publish to NATS.
var ErrPublish = errors.New("nats: publish")

// Publisher is the part of *nats.Conn used by Producer.
type Publisher interface {
	PublishMsg(msg *nats.Msg) error
	FlushTimeout(timeout time.Duration) error
}

var _ Publisher = (*nats.Conn)(nil)

// Connect dials url with a connect timeout. Default timeout is 5 seconds.
func Connect(url string, timeout time.Duration, logger *slog.Logger) (*nats.Conn, error) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.Timeout(timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats: connect %s: %w", url, err)
	}
	return conn, nil
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Name of the stage. Default is "nats-producer".
	Name string

	// Subject to publish to unless the exchange carries HeaderSubject.
	Subject string

	// FlushTimeout waits for the server to receive each message. Zero
	// skips the flush.
	FlushTimeout time.Duration

	// Marshaler encodes bodies that are neither bytes nor strings.
	// Default is connector.JSONMarshaler.
	Marshaler connector.Marshaler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ProducerConfig) applyDefaults() ProducerConfig {
	if c.Name == "" {
		c.Name = "nats-producer"
	}
	if c.Marshaler == nil {
		c.Marshaler = connector.JSONMarshaler{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// NewProducer returns a stage publishing the result message of each
// exchange through p.
func NewProducer(p Publisher, cfg ProducerConfig) processor.Processor {
	cfg = cfg.applyDefaults()
	return processor.Func(cfg.Name, func(_ context.Context, ex *exchange.Exchange) error {
		msg, err := message(ex, cfg)
		if err != nil {
			return exchange.Permanent(err)
		}
		if msg.Subject == "" {
			return exchange.Permanent(fmt.Errorf("%w: no subject", ErrPublish))
		}
		if err := p.PublishMsg(msg); err != nil {
			cfg.Logger.Warn("nats publish failed", "exchange_id", ex.ID, "subject", msg.Subject, "error", err)
			return fmt.Errorf("%w: %s: %w", ErrPublish, msg.Subject, err)
		}
		if cfg.FlushTimeout > 0 {
			if err := p.FlushTimeout(cfg.FlushTimeout); err != nil {
				return fmt.Errorf("%w: flush: %w", ErrPublish, err)
			}
		}
		cfg.Logger.Debug("nats message published", "exchange_id", ex.ID, "subject", msg.Subject)
		return nil
	})
}

func message(ex *exchange.Exchange, cfg ProducerConfig) (*nats.Msg, error) {
	in := ex.Result()
	data, err := connector.Payload(in, cfg.Marshaler)
	if err != nil {
		return nil, err
	}
	msg := nats.NewMsg(cfg.Subject)
	if s := connector.StringHeader(in, HeaderSubject); s != "" {
		msg.Subject = s
	}
	msg.Data = data
	for _, h := range connector.Headers(ex, in) {
		if h.Key != HeaderSubject {
			msg.Header.Set(h.Key, h.Value)
		}
	}
	return msg, nil
}

// Subscription is the part of *nats.Subscription used by Source.
type Subscription interface {
	NextMsg(timeout time.Duration) (*nats.Msg, error)
}

var _ Subscription = (*nats.Subscription)(nil)

// SourceConfig configures a Source.
type SourceConfig struct {
	// MaxBatch bounds the messages returned by one Receive. Default is 100.
	MaxBatch int

	// PollTimeout bounds the wait for the first message of a batch.
	// Default is 1 second.
	PollTimeout time.Duration
}

func (c SourceConfig) applyDefaults() SourceConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	return c
}

// Source is a consumer.Source over a synchronous subscription, as returned
// by (*nats.Conn).SubscribeSync or QueueSubscribeSync.
type Source struct {
	sub Subscription
	cfg SourceConfig
}

// NewSource returns a Source reading from sub.
func NewSource(sub Subscription, cfg SourceConfig) *Source {
	return &Source{sub: sub, cfg: cfg.applyDefaults()}
}

// Receive implements consumer.Source. It waits up to PollTimeout for the
// first message and then drains what is already buffered. A closed
// connection or subscription stops the consumer.
func (s *Source) Receive(ctx context.Context) ([]*consumer.Delivery, error) {
	var out []*consumer.Delivery
	timeout := s.cfg.PollTimeout
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < timeout {
		timeout = time.Until(dl)
	}
	for len(out) < s.cfg.MaxBatch && ctx.Err() == nil {
		msg, err := s.sub.NextMsg(timeout)
		switch {
		case err == nil:
		case errors.Is(err, nats.ErrTimeout):
			return out, nil
		case errors.Is(err, nats.ErrConnectionClosed), errors.Is(err, nats.ErrBadSubscription):
			return out, exchange.Permanent(fmt.Errorf("%w: %w", consumer.ErrSourceClosed, err))
		default:
			return out, fmt.Errorf("nats: next message: %w", err)
		}
		out = append(out, consumer.NewDelivery(toExchange(msg), nil))
		// only the first message is waited for
		timeout = time.Millisecond
	}
	return out, ctx.Err()
}

func toExchange(msg *nats.Msg) *exchange.Exchange {
	ex := exchange.New(msg.Data)
	ex.In.SetHeader(HeaderSubject, msg.Subject)
	for k, vs := range msg.Header {
		if len(vs) > 0 {
			ex.In.SetHeader(k, vs[0])
		}
	}
	return ex
}
