// Package amqp connects routes to RabbitMQ. Producer publishes exchanges to
// an AMQP exchange, Source pulls a queue with basic.get for a
// consumer.PollingConsumer.
//
// In AMQP terms the routing key is what other brokers call a topic.
package amqp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fxsml/gomediate/connector"
	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Headers read from exchanges by Producer and written by Source.
const (
	HeaderRoutingKey = "amqp.routing-key"
	HeaderExchange   = "amqp.exchange"
	HeaderRedeliver  = "amqp.redelivered"
)

// ErrPublish is wrapped by failures to publish.
var ErrPublish = errors.New("amqp: publish")

// Publisher is the part of *amqp.Channel used by Producer.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

var _ Publisher = (*amqp.Channel)(nil)

// Dial opens a connection to url and a channel on it with the given
// prefetch count. Closing the connection closes the channel.
func Dial(url string, prefetch int) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("amqp: dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("amqp: open channel: %w", err)
	}
	if prefetch > 0 {
		if err := ch.Qos(prefetch, 0, false); err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("amqp: set qos: %w", err)
		}
	}
	return conn, ch, nil
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Name of the stage. Default is "amqp-producer".
	Name string

	// Exchange to publish to. Empty means the default exchange.
	Exchange string

	// RoutingKey is used unless the exchange carries HeaderRoutingKey.
	RoutingKey string

	// Mandatory asks the broker to return unroutable messages.
	Mandatory bool

	// DeliveryMode defaults to amqp.Persistent.
	DeliveryMode uint8

	// Marshaler encodes bodies that are neither bytes nor strings.
	// Default is connector.JSONMarshaler.
	Marshaler connector.Marshaler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ProducerConfig) applyDefaults() ProducerConfig {
	if c.Name == "" {
		c.Name = "amqp-producer"
	}
	if c.DeliveryMode == 0 {
		c.DeliveryMode = amqp.Persistent
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
	return processor.Func(cfg.Name, func(ctx context.Context, ex *exchange.Exchange) error {
		key, msg, err := publishing(ex, cfg)
		if err != nil {
			return exchange.Permanent(err)
		}
		if err := p.PublishWithContext(ctx, cfg.Exchange, key, cfg.Mandatory, false, msg); err != nil {
			cfg.Logger.Warn("amqp publish failed",
				"exchange_id", ex.ID, "exchange", cfg.Exchange, "routing_key", key, "error", err)
			return fmt.Errorf("%w: %s/%s: %w", ErrPublish, cfg.Exchange, key, err)
		}
		cfg.Logger.Debug("amqp message published", "exchange_id", ex.ID, "routing_key", key)
		return nil
	})
}

func publishing(ex *exchange.Exchange, cfg ProducerConfig) (string, amqp.Publishing, error) {
	in := ex.Result()
	body, err := connector.Payload(in, cfg.Marshaler)
	if err != nil {
		return "", amqp.Publishing{}, err
	}
	key := cfg.RoutingKey
	if k := connector.StringHeader(in, HeaderRoutingKey); k != "" {
		key = k
	}
	msg := amqp.Publishing{
		DeliveryMode: cfg.DeliveryMode,
		Timestamp:    time.Now(),
		ContentType:  contentType(in, cfg.Marshaler),
		MessageId:    connector.StringHeader(in, exchange.HeaderMessageID),
		Body:         body,
		Headers:      amqp.Table{},
	}
	for _, h := range connector.Headers(ex, in) {
		if h.Key != HeaderRoutingKey {
			msg.Headers[h.Key] = h.Value
		}
	}
	return key, msg, nil
}

func contentType(msg *exchange.Message, m connector.Marshaler) string {
	switch msg.Body.(type) {
	case nil, []byte:
		return "application/octet-stream"
	case string:
		return "text/plain"
	default:
		return m.ContentType()
	}
}

// Getter is the part of *amqp.Channel used by Source.
type Getter interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
}

var _ Getter = (*amqp.Channel)(nil)

// SourceConfig configures a Source.
type SourceConfig struct {
	// Queue to pull from.
	Queue string

	// MaxBatch bounds the messages returned by one Receive. Default is 10.
	MaxBatch int

	// Requeue puts nacked messages back on the queue. Otherwise they are
	// rejected, which routes them to the queue's dead letter exchange if
	// one is configured.
	Requeue bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c SourceConfig) applyDefaults() SourceConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Source is a consumer.Source pulling a queue. Acking a delivery acks the
// AMQP message, nacking it nacks the message.
type Source struct {
	g   Getter
	cfg SourceConfig
}

// NewSource returns a Source pulling cfg.Queue through g.
func NewSource(g Getter, cfg SourceConfig) *Source {
	return &Source{g: g, cfg: cfg.applyDefaults()}
}

// Receive implements consumer.Source. It returns what the queue holds, up
// to MaxBatch messages, without waiting. A closed channel stops the
// consumer.
func (s *Source) Receive(ctx context.Context) ([]*consumer.Delivery, error) {
	var out []*consumer.Delivery
	for len(out) < s.cfg.MaxBatch && ctx.Err() == nil {
		d, ok, err := s.g.Get(s.cfg.Queue, false)
		if err != nil {
			if errors.Is(err, amqp.ErrClosed) {
				return out, exchange.Permanent(fmt.Errorf("%w: %w", consumer.ErrSourceClosed, err))
			}
			return out, fmt.Errorf("amqp: get %s: %w", s.cfg.Queue, err)
		}
		if !ok {
			break
		}
		out = append(out, s.delivery(d))
	}
	return out, nil
}

func (s *Source) delivery(d amqp.Delivery) *consumer.Delivery {
	ex := exchange.New(d.Body)
	ex.In.SetHeader(HeaderExchange, d.Exchange)
	ex.In.SetHeader(HeaderRoutingKey, d.RoutingKey)
	ex.In.SetHeader(HeaderRedeliver, d.Redelivered)
	if d.MessageId != "" {
		ex.In.SetHeader(exchange.HeaderMessageID, d.MessageId)
	}
	for k, v := range d.Headers {
		ex.In.SetHeader(k, v)
	}

	ack := func() {
		if err := d.Ack(false); err != nil {
			s.cfg.Logger.Error("amqp ack failed", "queue", s.cfg.Queue, "delivery_tag", d.DeliveryTag, "error", err)
		}
	}
	nack := func(err error) {
		s.cfg.Logger.Warn("amqp message nacked",
			"queue", s.cfg.Queue, "delivery_tag", d.DeliveryTag, "requeue", s.cfg.Requeue, "error", err)
		if nerr := d.Nack(false, s.cfg.Requeue); nerr != nil {
			s.cfg.Logger.Error("amqp nack failed", "queue", s.cfg.Queue, "delivery_tag", d.DeliveryTag, "error", nerr)
		}
	}
	return consumer.NewDelivery(ex, consumer.NewAcking(ack, nack))
}
