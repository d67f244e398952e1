// Package kafka connects routes to Kafka. Producer is a processing stage
// that writes exchanges to a topic, typically as a dead letter destination.
// Source feeds a consumer.PollingConsumer from a consumer group.
//
// Both sides work against narrow interfaces satisfied by *kafka.Writer and
// *kafka.Reader from github.com/segmentio/kafka-go.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fxsml/gomediate/connector"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// Headers read from exchanges by Producer and written by Source.
const (
	HeaderKey       = "kafka.key"
	HeaderTopic     = "kafka.topic"
	HeaderPartition = "kafka.partition"
	HeaderOffset    = "kafka.offset"
)

// ErrPublish is wrapped by failures to write to Kafka.
var ErrPublish = errors.New("kafka: publish")

// Writer is the part of *kafka.Writer used by Producer.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ Writer = (*kafka.Writer)(nil)

// WriterConfig configures a *kafka.Writer built by NewWriter.
type WriterConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topic is the destination topic.
	Topic string

	// BatchSize is the number of messages to batch before sending.
	// Default is 100.
	BatchSize int

	// BatchTimeout is the maximum time to wait for a full batch.
	// Default is 1 second.
	BatchTimeout time.Duration

	// RequiredAcks controls producer acknowledgment. Default is
	// kafka.RequireAll.
	RequiredAcks kafka.RequiredAcks
}

func (c WriterConfig) applyDefaults() WriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = time.Second
	}
	if c.RequiredAcks == 0 {
		c.RequiredAcks = kafka.RequireAll
	}
	return c
}

// NewWriter returns a synchronous *kafka.Writer for cfg. A Producer must
// see the outcome of each write, so the writer is never Async.
func NewWriter(cfg WriterConfig) *kafka.Writer {
	cfg = cfg.applyDefaults()
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: cfg.RequiredAcks,
	}
}

// ProducerConfig configures a Producer.
type ProducerConfig struct {
	// Name of the stage. Default is "kafka-producer".
	Name string

	// Topic is set on every message. Leave it empty when the Writer has a
	// topic of its own.
	Topic string

	// Marshaler encodes bodies that are neither bytes nor strings.
	// Default is connector.JSONMarshaler.
	Marshaler connector.Marshaler

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ProducerConfig) applyDefaults() ProducerConfig {
	if c.Name == "" {
		c.Name = "kafka-producer"
	}
	if c.Marshaler == nil {
		c.Marshaler = connector.JSONMarshaler{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Producer writes the result message of an exchange to Kafka. Message
// headers and failure metadata become Kafka headers and the HeaderKey
// header becomes the message key.
type Producer struct {
	w   Writer
	cfg ProducerConfig
}

// NewProducer returns a Producer writing through w.
func NewProducer(w Writer, cfg ProducerConfig) *Producer {
	return &Producer{w: w, cfg: cfg.applyDefaults()}
}

// Name implements processor.Namer.
func (p *Producer) Name() string {
	return p.cfg.Name
}

// Process implements processor.Processor. The write runs on its own
// goroutine and the exchange completes asynchronously.
func (p *Producer) Process(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	msg, err := p.message(ex)
	if err != nil {
		ex.SetFailure(p.cfg.Name, exchange.Permanent(err))
		done(true)
		return true
	}
	go func() {
		if err := p.w.WriteMessages(ctx, msg); err != nil {
			p.cfg.Logger.Warn("kafka write failed",
				"exchange_id", ex.ID, "topic", topicOf(msg), "error", err)
			ex.SetFailure(p.cfg.Name, fmt.Errorf("%w: %s: %w", ErrPublish, topicOf(msg), err))
		} else {
			p.cfg.Logger.Debug("kafka message written", "exchange_id", ex.ID, "topic", topicOf(msg))
		}
		done(false)
	}()
	return false
}

func topicOf(msg kafka.Message) string {
	if msg.Topic != "" {
		return msg.Topic
	}
	return "<writer>"
}

func (p *Producer) message(ex *exchange.Exchange) (kafka.Message, error) {
	in := ex.Result()
	value, err := connector.Payload(in, p.cfg.Marshaler)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{Topic: p.cfg.Topic, Value: value}
	if key := connector.StringHeader(in, HeaderKey); key != "" {
		msg.Key = []byte(key)
	}
	for _, h := range connector.Headers(ex, in) {
		if h.Key == HeaderKey {
			continue
		}
		msg.Headers = append(msg.Headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	return msg, nil
}
