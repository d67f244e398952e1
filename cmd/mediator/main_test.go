package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fxsml/gomediate/config"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/metrics"
	"github.com/fxsml/gomediate/processor"
	"github.com/fxsml/gomediate/saga"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func lines(s string) []string {
	out := strings.Fields(s)
	slices.Sort(out)
	return out
}

func TestMediator_StdinToStdout(t *testing.T) {
	cfg := config.Default()
	cfg.Consumer.Delay = time.Millisecond
	cfg.Source.MaxBatch = 10

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	m, err := build(ctx, cfg, strings.NewReader("a\nb\n\na\n"), &out, discard())
	require.NoError(t, err)
	require.NoError(t, m.Run(ctx))
	require.NoError(t, ctx.Err(), "run did not end with the input")

	assert.Equal(t, []string{"a", "b"}, lines(out.String()))
	assert.Eventually(t, func() bool { return m.sagas.Len() == 0 }, time.Second, 10*time.Millisecond, "sagas left running")
}

type routeFixture struct {
	rc        routeConfig
	sinkCalls atomic.Int32
	dead      chan *exchange.Exchange
}

func newRouteFixture(t *testing.T, sinkErr error) *routeFixture {
	t.Helper()
	f := &routeFixture{dead: make(chan *exchange.Exchange, 4)}
	cfg := config.Default()
	cfg.Redelivery.MaximumRedeliveries = 2
	cfg.Redelivery.RedeliveryDelay = time.Millisecond
	f.rc = routeConfig{
		file: cfg,
		sink: processor.Func("sink", func(context.Context, *exchange.Exchange) error {
			f.sinkCalls.Add(1)
			return sinkErr
		}),
		dlq: processor.Func("dlq", func(_ context.Context, ex *exchange.Exchange) error {
			f.dead <- ex
			return nil
		}),
		repo:     idempotent.NewMemory(100),
		sagas:    saga.NewInMemoryService(saga.ServiceConfig{Logger: discard()}),
		observer: metrics.New(prometheus.NewRegistry(), "test"),
		logger:   discard(),
	}
	return f
}

func message(id, body string) *exchange.Exchange {
	ex := exchange.New(body)
	ex.In.SetHeader(exchange.HeaderMessageID, id)
	return ex
}

func TestNewRoute_DeadLettersAfterRedeliveries(t *testing.T) {
	f := newRouteFixture(t, errors.New("downstream unavailable"))
	route, err := newRoute(f.rc)
	require.NoError(t, err)

	ex := message("m-1", "order")
	require.NoError(t, processor.Run(context.Background(), route, ex))

	assert.EqualValues(t, 3, f.sinkCalls.Load())
	select {
	case dead := <-f.dead:
		assert.Same(t, ex, dead)
		assert.True(t, ex.PropertyBool(exchange.PropErrorHandlerHandled))
	default:
		t.Fatal("nothing dead lettered")
	}

	// the key stays, so the message is not processed again
	require.NoError(t, processor.Run(context.Background(), route, message("m-1", "order")))
	assert.EqualValues(t, 3, f.sinkCalls.Load())
}

func TestNewRoute_DropsDuplicates(t *testing.T) {
	f := newRouteFixture(t, nil)
	route, err := newRoute(f.rc)
	require.NoError(t, err)

	first, second := message("m-1", "a"), message("m-1", "a")
	require.NoError(t, processor.Run(context.Background(), route, first))
	require.NoError(t, processor.Run(context.Background(), route, second))

	assert.EqualValues(t, 1, f.sinkCalls.Load())
	assert.False(t, first.PropertyBool(exchange.PropDuplicateMessage))
	assert.True(t, second.PropertyBool(exchange.PropDuplicateMessage))
	assert.Empty(t, f.dead)
}

func TestNewRoute_ParsesCloudEvents(t *testing.T) {
	f := newRouteFixture(t, nil)
	f.rc.file.Source.CloudEvents = true
	var got any
	f.rc.sink = processor.Func("sink", func(_ context.Context, ex *exchange.Exchange) error {
		got, _ = ex.In.Header("ce-type")
		return nil
	})
	route, err := newRoute(f.rc)
	require.NoError(t, err)

	ex := exchange.New(`{"specversion":"1.0","id":"e-1","source":"test","type":"order.created","data":{"n":1}}`)
	require.NoError(t, processor.Run(context.Background(), route, ex))
	assert.Equal(t, "order.created", got)
}

func execute(t *testing.T, in string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(strings.NewReader(in), &out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommand_Run(t *testing.T) {
	out, err := execute(t, "hello\n", "run", "--log-level", "error", "--env-prefix", "MEDIATOR_TEST")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", out)
}

func TestCommand_ConfigKeys(t *testing.T) {
	out, err := execute(t, "", "config", "keys", "--env-prefix", "APP")
	require.NoError(t, err)
	keys := strings.Split(strings.TrimSpace(out), "\n")
	assert.Contains(t, keys, "APP_SINK_KIND")
	assert.Contains(t, keys, "APP_IDEMPOTENT_REDIS_ADDR")
}

func TestCommand_ConfigCheck(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte("redelivery:\n  maximumRedeliveries: 3\nsink:\n  kind: kafka\n  brokers: [k1:9092]\n  topic: out\n"), 0o600))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("sink:\n  kind: email\n"), 0o600))

	out, err := execute(t, "", "config", "check", "-c", valid, "--env-prefix", "MEDIATOR_TEST")
	require.NoError(t, err)
	assert.Contains(t, out, "maximumRedeliveries: 3")
	assert.Contains(t, out, "kind: kafka")

	_, err = execute(t, "", "config", "check", "-c", invalid, "--env-prefix", "MEDIATOR_TEST")
	assert.ErrorIs(t, err, config.ErrConfig)
}

func TestCommand_Version(t *testing.T) {
	out, err := execute(t, "", "version")
	require.NoError(t, err)
	assert.Equal(t, "mediator dev\n", out)
}

func TestCommand_RejectsLogLevel(t *testing.T) {
	_, err := execute(t, "", "run", "--log-level", "loud")
	assert.Error(t, err)
}
