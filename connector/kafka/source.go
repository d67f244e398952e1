package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
)

// Reader is the part of *kafka.Reader used by Source.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

var _ Reader = (*kafka.Reader)(nil)

// ReaderConfig configures a *kafka.Reader built by NewReader.
type ReaderConfig struct {
	// Brokers is the list of Kafka broker addresses.
	Brokers []string

	// Topics to consume. Kafka has no wildcard subscriptions.
	Topics []string

	// ConsumerGroup is the consumer group ID.
	ConsumerGroup string

	// StartOffset applies when the group has no committed offset.
	// Default is kafka.LastOffset.
	StartOffset int64

	// MaxWait is the maximum time to wait for new messages.
	// Default is 1 second.
	MaxWait time.Duration
}

func (c ReaderConfig) applyDefaults() ReaderConfig {
	if c.StartOffset == 0 {
		c.StartOffset = kafka.LastOffset
	}
	if c.MaxWait <= 0 {
		c.MaxWait = time.Second
	}
	return c
}

// NewReader returns a consumer group reader for cfg. Offsets are only
// committed through CommitMessages.
func NewReader(cfg ReaderConfig) *kafka.Reader {
	cfg = cfg.applyDefaults()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.ConsumerGroup,
		GroupTopics: cfg.Topics,
		StartOffset: cfg.StartOffset,
		MaxWait:     cfg.MaxWait,
	})
}

// SourceConfig configures a Source.
type SourceConfig struct {
	// MaxBatch bounds the messages returned by one Receive. Default is 100.
	MaxBatch int

	// PollTimeout bounds how long one Receive waits for messages.
	// Default is 1 second.
	PollTimeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c SourceConfig) applyDefaults() SourceConfig {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 100
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Source is a consumer.Source over a Kafka reader. Each message becomes an
// exchange whose body is the message value. Acking a delivery commits its
// offset; a nacked delivery is left uncommitted.
type Source struct {
	r   Reader
	cfg SourceConfig
}

// NewSource returns a Source reading from r.
func NewSource(r Reader, cfg SourceConfig) *Source {
	return &Source{r: r, cfg: cfg.applyDefaults()}
}

// Receive implements consumer.Source. It returns once MaxBatch messages
// were fetched or PollTimeout passed. Running out of time is not an error.
func (s *Source) Receive(ctx context.Context) ([]*consumer.Delivery, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	defer cancel()

	var out []*consumer.Delivery
	for len(out) < s.cfg.MaxBatch {
		msg, err := s.r.FetchMessage(fetchCtx)
		if err != nil {
			if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			return out, fmt.Errorf("kafka: fetch: %w", err)
		}
		out = append(out, s.delivery(ctx, msg))
	}
	return out, nil
}

func (s *Source) delivery(ctx context.Context, msg kafka.Message) *consumer.Delivery {
	ex := exchange.New(msg.Value)
	ex.In.SetHeader(HeaderTopic, msg.Topic)
	ex.In.SetHeader(HeaderPartition, msg.Partition)
	ex.In.SetHeader(HeaderOffset, msg.Offset)
	if len(msg.Key) > 0 {
		ex.In.SetHeader(HeaderKey, string(msg.Key))
	}
	for _, h := range msg.Headers {
		ex.In.SetHeader(h.Key, string(h.Value))
	}
	if _, ok := ex.In.Header(exchange.HeaderMessageID); !ok {
		ex.In.SetHeader(exchange.HeaderMessageID, msg.Topic+"-"+strconv.Itoa(msg.Partition)+"-"+strconv.FormatInt(msg.Offset, 10))
	}

	commitCtx := context.WithoutCancel(ctx)
	ack := func() {
		if err := s.r.CommitMessages(commitCtx, msg); err != nil {
			s.cfg.Logger.Error("kafka commit failed",
				"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
	nack := func(err error) {
		s.cfg.Logger.Warn("kafka message nacked, offset not committed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
	return consumer.NewDelivery(ex, consumer.NewAcking(ack, nack))
}
