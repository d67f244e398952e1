package kafka_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/gomediate/connector"
	kafkaconn "github.com/fxsml/gomediate/connector/kafka"
	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func header(msg kafka.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestProducer_WritesMessage(t *testing.T) {
	w := &fakeWriter{}
	p := kafkaconn.NewProducer(w, kafkaconn.ProducerConfig{Topic: "orders.dlq", Logger: discard})

	ex := exchange.New(map[string]int{"qty": 2})
	ex.In.SetHeader(kafkaconn.HeaderKey, "order-7")
	ex.In.SetHeader("tenant", "acme")
	ex.SetProperty(exchange.PropExceptionCaught, errors.New("stock service down"))
	ex.SetProperty(exchange.PropFailureStage, "reserve")
	ex.SetProperty(exchange.PropRedeliveryCounter, 3)

	require.NoError(t, processor.Run(context.Background(), p, ex))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "orders.dlq", msg.Topic)
	assert.Equal(t, "order-7", string(msg.Key))
	assert.JSONEq(t, `{"qty":2}`, string(msg.Value))

	for key, want := range map[string]string{
		"tenant":                          "acme",
		connector.HeaderExceptionCaught:   "stock service down",
		connector.HeaderFailureStage:      "reserve",
		connector.HeaderRedeliveryCounter: "3",
		connector.HeaderExchangeID:        ex.ID,
	} {
		got, ok := header(msg, key)
		assert.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
	_, ok := header(msg, kafkaconn.HeaderKey)
	assert.False(t, ok, "key header is carried as message key")
}

func TestProducer_WriteFailure(t *testing.T) {
	boom := errors.New("leader not available")
	p := kafkaconn.NewProducer(&fakeWriter{err: boom}, kafkaconn.ProducerConfig{Logger: discard})
	ex := exchange.New("payload")

	err := processor.Run(context.Background(), p, ex)

	require.Error(t, err)
	assert.ErrorIs(t, err, kafkaconn.ErrPublish)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "kafka-producer", ex.Failure().Stage)
	assert.False(t, exchange.IsPermanent(err))
}

func TestProducer_EncodeFailureIsPermanent(t *testing.T) {
	w := &fakeWriter{}
	p := kafkaconn.NewProducer(w, kafkaconn.ProducerConfig{Logger: discard})
	ex := exchange.New(make(chan int))

	err := processor.Run(context.Background(), p, ex)

	assert.ErrorIs(t, err, connector.ErrEncode)
	assert.True(t, exchange.IsPermanent(err))
	assert.Empty(t, w.msgs)
}

type fakeReader struct {
	mu        sync.Mutex
	queue     []kafka.Message
	committed []int64
	err       error
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.err != nil {
		err := r.err
		r.mu.Unlock()
		return kafka.Message{}, err
	}
	if len(r.queue) > 0 {
		msg := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

func TestSource_ReceiveBatch(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "orders", Partition: 1, Offset: 10, Key: []byte("a"), Value: []byte("one"),
			Headers: []kafka.Header{{Key: "tenant", Value: []byte("acme")}}},
		{Topic: "orders", Partition: 1, Offset: 11, Value: []byte("two")},
		{Topic: "orders", Partition: 1, Offset: 12, Value: []byte("three")},
	}}
	src := kafkaconn.NewSource(r, kafkaconn.SourceConfig{MaxBatch: 2, PollTimeout: 10 * time.Millisecond, Logger: discard})

	got, err := src.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	first := got[0].Exchange
	assert.Equal(t, []byte("one"), first.In.Body)
	assert.Equal(t, "orders-1-10", connector.StringHeader(first.In, exchange.HeaderMessageID))
	assert.Equal(t, "a", connector.StringHeader(first.In, kafkaconn.HeaderKey))
	assert.Equal(t, "acme", connector.StringHeader(first.In, "tenant"))

	got, err = src.Receive(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 1, "poll timeout ends the batch without error")

	got, err = src.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSource_AckCommitsNackDoesNot(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte("ok")},
		{Topic: "t", Offset: 2, Value: []byte("bad")},
	}}
	src := kafkaconn.NewSource(r, kafkaconn.SourceConfig{PollTimeout: 10 * time.Millisecond, Logger: discard})

	got, err := src.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 2)

	got[0].Ack()
	got[1].Nack(errors.New("rejected"))

	assert.Equal(t, []int64{1}, r.commits())
}

func TestSource_FetchFailure(t *testing.T) {
	boom := errors.New("coordinator not available")
	src := kafkaconn.NewSource(&fakeReader{err: boom}, kafkaconn.SourceConfig{Logger: discard})

	_, err := src.Receive(context.Background())

	assert.ErrorIs(t, err, boom)
	assert.False(t, exchange.IsPermanent(err))
}

func TestSource_FeedsPollingConsumer(t *testing.T) {
	r := &fakeReader{queue: []kafka.Message{
		{Topic: "t", Offset: 1, Value: []byte("a")},
		{Topic: "t", Offset: 2, Value: []byte("b")},
	}}
	src := kafkaconn.NewSource(r, kafkaconn.SourceConfig{PollTimeout: 5 * time.Millisecond, Logger: discard})

	var mu sync.Mutex
	var seen []string
	route := processor.Func("collect", func(_ context.Context, ex *exchange.Exchange) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, string(ex.In.Body.([]byte)))
		return nil
	})
	c := consumer.New(src, route, consumer.Config{Delay: time.Millisecond, Logger: discard})

	ctx, cancel := context.WithCancel(context.Background())
	done, err := c.Start(ctx)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(r.commits()) == 2 }, time.Second, time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"a", "b"}, seen)
}
