package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/fxsml/gomediate/cloudevents"
	"github.com/fxsml/gomediate/config"
	"github.com/fxsml/gomediate/connector"
	amqpconn "github.com/fxsml/gomediate/connector/amqp"
	kafkaconn "github.com/fxsml/gomediate/connector/kafka"
	natsconn "github.com/fxsml/gomediate/connector/nats"
	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/idempotent/badgerrepo"
	"github.com/fxsml/gomediate/idempotent/dynamorepo"
	"github.com/fxsml/gomediate/idempotent/redisrepo"
	"github.com/fxsml/gomediate/metrics"
	"github.com/fxsml/gomediate/processor"
	"github.com/fxsml/gomediate/redelivery"
	"github.com/fxsml/gomediate/saga"
)

const connectTimeout = 5 * time.Second

// mediator is one configured route together with the resources it owns.
type mediator struct {
	cfg      config.File
	logger   *slog.Logger
	registry *prometheus.Registry
	consumer *consumer.PollingConsumer
	sagas    *saga.InMemoryService

	mu      sync.Mutex
	closers []func() error
}

func (m *mediator) onClose(fn func() error) {
	m.mu.Lock()
	m.closers = append(m.closers, fn)
	m.mu.Unlock()
}

// Close releases resources in reverse order of acquisition.
func (m *mediator) Close() error {
	m.mu.Lock()
	closers := m.closers
	m.closers = nil
	m.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		errs = append(errs, closers[i]())
	}
	return errors.Join(errs...)
}

// build connects every configured endpoint and assembles the route. On
// error, everything opened so far is closed.
func build(ctx context.Context, cfg config.File, in io.Reader, out io.Writer, logger *slog.Logger) (_ *mediator, err error) {
	m := &mediator{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		sagas:    saga.NewInMemoryService(withSagaLogger(cfg.Saga.ServiceConfig(), logger)),
	}
	defer func() {
		if err != nil {
			_ = m.Close()
		}
	}()

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.New(m.registry, cfg.Metrics.Namespace)
	if err := collector.Gauge("saga", "active", "Running sagas.", m.sagas); err != nil {
		return nil, err
	}

	tp, err := newTracerProvider(cfg.Tracing, out)
	if err != nil {
		return nil, err
	}
	if sdk, ok := tp.(*sdktrace.TracerProvider); ok {
		m.onClose(func() error { return sdk.Shutdown(context.Background()) })
	}
	tracer := tp.Tracer("github.com/fxsml/gomediate/cmd/mediator")

	repo, err := m.repository(ctx, cfg.Idempotent)
	if err != nil {
		return nil, err
	}
	if mem, ok := repo.(*idempotent.Memory); ok {
		if err := collector.Gauge("idempotent", "keys", "Keys held by the in-memory repository.", mem); err != nil {
			return nil, err
		}
	}

	mw := []processor.Middleware{processor.Recover(), collector.Middleware(), processor.Traced(tracer)}
	sink, err := m.producer("sink", cfg.Sink, out, false)
	if err != nil {
		return nil, err
	}
	dlq, err := m.producer("dead-letter", cfg.DeadLetter, out, true)
	if err != nil {
		return nil, err
	}
	source, err := m.source(ctx, cfg.Source, in)
	if err != nil {
		return nil, err
	}

	route, err := newRoute(routeConfig{
		file:     cfg,
		sink:     processor.Apply(sink, mw...),
		dlq:      processor.Apply(dlq, mw...),
		repo:     repo,
		sagas:    m.sagas,
		observer: collector,
		stopping: m.stopping,
		logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	ccfg := cfg.Consumer.Config()
	ccfg.Logger = logger
	ccfg.Observer = collector
	m.consumer = consumer.New(source, route, ccfg)
	return m, nil
}

func (m *mediator) stopping() bool {
	return m.consumer != nil && m.consumer.Stopping()
}

func withSagaLogger(cfg saga.ServiceConfig, logger *slog.Logger) saga.ServiceConfig {
	cfg.Logger = logger
	return cfg
}

// Run consumes until ctx is done or the source is exhausted, serving
// metrics meanwhile. Resources are closed before Run returns.
func (m *mediator) Run(ctx context.Context) error {
	defer func() {
		if err := m.Close(); err != nil {
			m.logger.Warn("close failed", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	scfg := m.cfg.Supervisor.Config()
	scfg.Logger = m.logger
	sup := consumer.NewSupervisor("route", consumer.RunnerFunc(func(ctx context.Context) error {
		err := m.consumer.Run(ctx)
		if errors.Is(err, consumer.ErrSourceClosed) {
			m.logger.Info("source exhausted")
			return nil
		}
		return err
	}), scfg)
	g.Go(func() error {
		defer cancel()
		return sup.Run(ctx)
	})

	if addr := m.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry}))
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			m.logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// routeConfig holds what newRoute wires together.
type routeConfig struct {
	file     config.File
	sink     processor.Processor
	dlq      processor.Processor
	repo     idempotent.Repository
	sagas    saga.Service
	observer redelivery.Observer
	stopping func() bool
	logger   *slog.Logger
}

// newRoute returns
//
//	[parse] -> idempotent consumer -> error handler -> saga participant -> sink
//
// with the dead letter stage behind the error handler.
func newRoute(rc routeConfig) (processor.Processor, error) {
	part, err := rc.file.Saga.Participant()
	if err != nil {
		return nil, err
	}
	part.Logger = rc.logger
	participant, err := saga.New(rc.sagas, rc.sink, part)
	if err != nil {
		return nil, err
	}

	rcfg := rc.file.Redelivery.Config()
	rcfg.DeadLetter = rc.dlq
	rcfg.Observer = rc.observer
	rcfg.Stopping = rc.stopping
	rcfg.Logger = rc.logger
	handler, err := redelivery.New(participant, rcfg)
	if err != nil {
		return nil, err
	}

	icfg := rc.file.Idempotent.ConsumerConfig()
	icfg.Logger = rc.logger
	stages := []processor.Processor{idempotent.NewConsumer(rc.repo, handler, icfg)}
	if rc.file.Source.CloudEvents {
		stages = append([]processor.Processor{cloudevents.Parse("parse-cloudevent")}, stages...)
	}
	return processor.NewPipeline(stages...), nil
}

func (m *mediator) repository(ctx context.Context, cfg config.Idempotent) (idempotent.Repository, error) {
	switch cfg.Backend {
	case "memory":
		return idempotent.NewMemory(cfg.Size), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
		m.onClose(client.Close)
		pctx, cancel := context.WithTimeout(ctx, connectTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		return redisrepo.New(client, redisrepo.Config{Prefix: cfg.Prefix, TTL: cfg.TTL}), nil
	case "badger":
		db, err := badger.Open(badger.DefaultOptions(cfg.Path).WithLogger(nil))
		if err != nil {
			return nil, fmt.Errorf("badger: %w", err)
		}
		m.onClose(db.Close)
		return badgerrepo.New(db, badgerrepo.Config{Prefix: cfg.Prefix, TTL: cfg.TTL}), nil
	case "dynamodb":
		awscfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamodb: %w", err)
		}
		repo, err := dynamorepo.New(dynamodb.NewFromConfig(awscfg), dynamorepo.Config{Table: cfg.Table, TTL: cfg.TTL})
		if err != nil {
			return nil, err
		}
		return repo, nil
	}
	return nil, fmt.Errorf("%w: unknown idempotent backend %q", config.ErrConfig, cfg.Backend)
}

// producer returns the stage publishing to e. The log kind writes payloads
// to out, or logs failure details when deadLetter is set.
func (m *mediator) producer(name string, e config.Endpoint, out io.Writer, deadLetter bool) (processor.Processor, error) {
	var p processor.Processor
	switch e.Kind {
	case "log":
		if deadLetter {
			p = logDeadLetter(name, m.logger)
		} else {
			p = writeLines(name, out)
		}
	case "kafka":
		w := kafkaconn.NewWriter(kafkaconn.WriterConfig{Brokers: e.Brokers, Topic: e.Topic})
		m.onClose(w.Close)
		p = kafkaconn.NewProducer(w, kafkaconn.ProducerConfig{Name: name, Logger: m.logger})
	case "nats":
		nc, err := natsconn.Connect(e.URL, connectTimeout, m.logger)
		if err != nil {
			return nil, err
		}
		m.onClose(nc.Drain)
		p = natsconn.NewProducer(nc, natsconn.ProducerConfig{Name: name, Subject: e.Subject, Logger: m.logger})
	case "amqp":
		conn, ch, err := amqpconn.Dial(e.URL, 0)
		if err != nil {
			return nil, err
		}
		m.onClose(conn.Close)
		p = amqpconn.NewProducer(ch, amqpconn.ProducerConfig{
			Name:       name,
			Exchange:   e.Exchange,
			RoutingKey: e.RoutingKey,
			Logger:     m.logger,
		})
	default:
		return nil, fmt.Errorf("%w: %s: unknown kind %q", config.ErrConfig, name, e.Kind)
	}
	if e.CloudEvents {
		p = processor.Named(name, processor.NewPipeline(cloudevents.Structured(name+"-cloudevent"), p))
	}
	return p, nil
}

func (m *mediator) source(ctx context.Context, e config.Endpoint, in io.Reader) (consumer.Source, error) {
	switch e.Kind {
	case "stdin":
		return consumer.NewChannelSource(scanLines(ctx, in, m.logger), e.MaxBatch), nil
	case "kafka":
		r := kafkaconn.NewReader(kafkaconn.ReaderConfig{
			Brokers:       e.Brokers,
			Topics:        []string{e.Topic},
			ConsumerGroup: e.Group,
		})
		m.onClose(r.Close)
		return kafkaconn.NewSource(r, kafkaconn.SourceConfig{MaxBatch: e.MaxBatch, Logger: m.logger}), nil
	case "nats":
		nc, err := natsconn.Connect(e.URL, connectTimeout, m.logger)
		if err != nil {
			return nil, err
		}
		m.onClose(nc.Drain)
		var sub *nats.Subscription
		if e.Queue != "" {
			sub, err = nc.QueueSubscribeSync(e.Subject, e.Queue)
		} else {
			sub, err = nc.SubscribeSync(e.Subject)
		}
		if err != nil {
			return nil, fmt.Errorf("nats: subscribe %s: %w", e.Subject, err)
		}
		return natsconn.NewSource(sub, natsconn.SourceConfig{MaxBatch: e.MaxBatch}), nil
	case "amqp":
		conn, ch, err := amqpconn.Dial(e.URL, e.MaxBatch)
		if err != nil {
			return nil, err
		}
		m.onClose(conn.Close)
		return amqpconn.NewSource(ch, amqpconn.SourceConfig{
			Queue:    e.Queue,
			MaxBatch: e.MaxBatch,
			Logger:   m.logger,
		}), nil
	}
	return nil, fmt.Errorf("%w: source: unknown kind %q", config.ErrConfig, e.Kind)
}

// scanLines turns every line of r into an exchange. Identical lines share
// a MessageID, so the idempotent consumer drops repeats. The channel is
// closed at the end of r.
func scanLines(ctx context.Context, r io.Reader, logger *slog.Logger) <-chan *exchange.Exchange {
	ch := make(chan *exchange.Exchange)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := sc.Text()
			if line == "" {
				continue
			}
			ex := exchange.New(line)
			ex.In.SetHeader(exchange.HeaderMessageID, uuid.NewSHA1(uuid.NameSpaceOID, []byte(line)).String())
			select {
			case ch <- ex:
			case <-ctx.Done():
				return
			}
		}
		if err := sc.Err(); err != nil {
			logger.Error("reading input failed", "error", err)
		}
	}()
	return ch
}

func writeLines(name string, w io.Writer) processor.Processor {
	var mu sync.Mutex
	return processor.Func(name, func(_ context.Context, ex *exchange.Exchange) error {
		data, err := connector.Payload(ex.Result(), connector.JSONMarshaler{})
		if err != nil {
			return exchange.Permanent(err)
		}
		mu.Lock()
		defer mu.Unlock()
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	})
}

func logDeadLetter(name string, logger *slog.Logger) processor.Processor {
	return processor.Func(name, func(_ context.Context, ex *exchange.Exchange) error {
		msg := ex.Result()
		attrs := []any{"exchange_id", ex.ID}
		for _, h := range connector.Headers(ex, msg) {
			attrs = append(attrs, h.Key, h.Value)
		}
		logger.Error("dead letter", attrs...)
		return nil
	})
}

func newTracerProvider(cfg config.Tracing, out io.Writer) (trace.TracerProvider, error) {
	if cfg.Exporter != "stdout" {
		return noop.NewTracerProvider(), nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(out))
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}
