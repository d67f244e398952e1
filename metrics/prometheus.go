// Package metrics exports mediation metrics to Prometheus.
//
// A Collector observes redelivery error handlers, polling consumers and
// individual stages (through processor.Observe) and can report the number
// of running sagas.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
	"github.com/fxsml/gomediate/redelivery"
)

// DefaultNamespace prefixes metric names unless another namespace is given.
const DefaultNamespace = "mediate"

// Collector holds the mediation metrics of one registry.
type Collector struct {
	reg prometheus.Registerer
	ns  string

	redeliveries    *prometheus.CounterVec
	recovered       *prometheus.CounterVec
	exhausted       *prometheus.CounterVec
	deadLettered    *prometheus.CounterVec
	redeliveryDelay prometheus.Histogram

	polls    *prometheus.CounterVec
	received prometheus.Counter
	settled  *prometheus.CounterVec

	stageDuration *prometheus.HistogramVec
	stageInFlight prometheus.Gauge
}

var (
	_ redelivery.Observer = (*Collector)(nil)
	_ consumer.Observer   = (*Collector)(nil)
)

// New registers the mediation metrics with reg, or with the default
// registerer when reg is nil. It panics if the metrics are already
// registered with reg.
func New(reg prometheus.Registerer, namespace string) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Collector{
		reg: reg,
		ns:  namespace,

		redeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "attempts_total",
			Help:      "Redeliveries scheduled, by failing stage.",
		}, []string{"stage"}),
		recovered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "recovered_total",
			Help:      "Exchanges that succeeded after at least one redelivery, by stage.",
		}, []string{"stage"}),
		exhausted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "exhausted_total",
			Help:      "Exchanges for which redelivery was exhausted, by failing stage and reason.",
		}, []string{"stage", "reason"}),
		deadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "dead_lettered_total",
			Help:      "Exchanges handed to a dead letter stage, by outcome.",
		}, []string{"result"}),
		redeliveryDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "redelivery",
			Name:      "delay_seconds",
			Help:      "Delay before each redelivery.",
			Buckets:   []float64{0, 0.01, 0.1, 0.5, 1, 5, 15, 60, 300},
		}),

		polls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "polls_total",
			Help:      "Source polls, by result (ok, empty, error).",
		}, []string{"result"}),
		received: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "received_total",
			Help:      "Exchanges received from sources.",
		}),
		settled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consumer",
			Name:      "settled_total",
			Help:      "Exchanges settled with the source, by result (ack, nack).",
		}, []string{"result"}),

		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Stage processing time, by stage and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage", "result", "mode"}),
		stageInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stage",
			Name:      "in_flight",
			Help:      "Stage invocations in flight at the last observed start.",
		}),
	}
}

func stageOf(ex *exchange.Exchange) string {
	if f := ex.Failure(); f != nil && f.Stage != "" {
		return f.Stage
	}
	if s := ex.PropertyString(exchange.PropFailureStage); s != "" {
		return s
	}
	return "unknown"
}

// Redelivering implements redelivery.Observer.
func (c *Collector) Redelivering(ex *exchange.Exchange, _ int, delay time.Duration) {
	c.redeliveries.WithLabelValues(stageOf(ex)).Inc()
	c.redeliveryDelay.Observe(delay.Seconds())
}

// Recovered implements redelivery.Observer.
func (c *Collector) Recovered(ex *exchange.Exchange, _ int) {
	stage := ex.PropertyString(exchange.PropFailureStage)
	if stage == "" {
		stage = "unknown"
	}
	c.recovered.WithLabelValues(stage).Inc()
}

// Exhausted implements redelivery.Observer. The reason is "permanent" for
// errors that opt out of redelivery and "limit" otherwise.
func (c *Collector) Exhausted(ex *exchange.Exchange, cause error) {
	reason := "limit"
	if exchange.IsPermanent(cause) {
		reason = "permanent"
	}
	c.exhausted.WithLabelValues(stageOf(ex), reason).Inc()
}

// DeadLettered implements redelivery.Observer.
func (c *Collector) DeadLettered(_ *exchange.Exchange, err error) {
	c.deadLettered.WithLabelValues(result(err, "ok", "error")).Inc()
}

// Polled implements consumer.Observer.
func (c *Collector) Polled(count int, err error) {
	switch {
	case err != nil && !errors.Is(err, consumer.ErrSourceClosed):
		c.polls.WithLabelValues("error").Inc()
	case count == 0:
		c.polls.WithLabelValues("empty").Inc()
	default:
		c.polls.WithLabelValues("ok").Inc()
	}
	c.received.Add(float64(count))
}

// Settled implements consumer.Observer.
func (c *Collector) Settled(_ *exchange.Exchange, err error) {
	c.settled.WithLabelValues(result(err, "ack", "nack")).Inc()
}

// Stage is a processor.MetricsCollector. Use it with processor.Observe.
func (c *Collector) Stage(m *processor.Metrics) {
	mode := "sync"
	if m.Async {
		mode = "async"
	}
	c.stageDuration.WithLabelValues(m.Stage, result(m.Error, "ok", "error"), mode).Observe(m.Duration.Seconds())
	c.stageInFlight.Set(float64(m.InFlight))
}

// Middleware returns processor.Observe(c.Stage).
func (c *Collector) Middleware() processor.Middleware {
	return processor.Observe(c.Stage)
}

// Counter is implemented by saga.InMemoryService and idempotent.Memory.
type Counter interface {
	Len() int
}

// Gauge registers a gauge named name in subsystem that reads n on every
// scrape, e.g. Gauge("saga", "active", "Running sagas.", svc).
func (c *Collector) Gauge(subsystem, name, help string, n Counter) error {
	return c.reg.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: c.ns,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, func() float64 { return float64(n.Len()) }))
}

func result(err error, ok, failed string) string {
	if err != nil {
		return failed
	}
	return ok
}
