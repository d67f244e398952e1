// Package config loads route settings from a YAML file and overlays
// environment variables on them.
//
// Settings are resolved in three layers: the defaults returned by Default,
// the YAML file, and MEDIATE_* environment variables. Each section converts
// into the configuration struct of the component it describes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/yaml.v3"

	"github.com/fxsml/gomediate/backoff"
	"github.com/fxsml/gomediate/consumer"
	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/redelivery"
	"github.com/fxsml/gomediate/saga"
	"github.com/fxsml/gomediate/throttle"
)

// ErrConfig is wrapped by invalid settings.
var ErrConfig = errors.New("config")

// File holds the settings of one mediator.
type File struct {
	Redelivery Redelivery `yaml:"redelivery"`
	Consumer   Consumer   `yaml:"consumer"`
	Supervisor Supervisor `yaml:"supervisor"`
	Saga       Saga       `yaml:"saga"`
	Idempotent Idempotent `yaml:"idempotent"`
	Source     Endpoint   `yaml:"source"`
	Sink       Endpoint   `yaml:"sink"`
	DeadLetter Endpoint   `yaml:"deadLetter"`
	Metrics    Metrics    `yaml:"metrics"`
	Tracing    Tracing    `yaml:"tracing"`
}

// Redelivery mirrors redelivery.Policy.
type Redelivery struct {
	MaximumRedeliveries          int           `yaml:"maximumRedeliveries"`
	RedeliveryDelay              time.Duration `yaml:"redeliveryDelay"`
	UseExponentialBackOff        bool          `yaml:"useExponentialBackOff"`
	BackOffMultiplier            float64       `yaml:"backOffMultiplier"`
	MaximumRedeliveryDelay       time.Duration `yaml:"maximumRedeliveryDelay"`
	UseCollisionAvoidance        bool          `yaml:"useCollisionAvoidance"`
	CollisionAvoidanceFactor     float64       `yaml:"collisionAvoidanceFactor"`
	DelayPattern                 string        `yaml:"delayPattern"`
	MaxElapsedTime               time.Duration `yaml:"maxElapsedTime"`
	AsyncDelayedRedelivery       bool          `yaml:"asyncDelayedRedelivery"`
	AllowRedeliveryWhileStopping bool          `yaml:"allowRedeliveryWhileStopping"`
	UseOriginalMessage           bool          `yaml:"useOriginalMessage"`
	PropagateDeadLetterError     bool          `yaml:"propagateDeadLetterError"`
	LogRetryAttempted            bool          `yaml:"logRetryAttempted"`
	RetryAttemptedLogInterval    int           `yaml:"retryAttemptedLogInterval"`
	LogExhausted                 bool          `yaml:"logExhausted"`
	LogStackTrace                bool          `yaml:"logStackTrace"`
}

// Policy returns the redelivery policy described by r.
func (r Redelivery) Policy() redelivery.Policy {
	p := redelivery.DefaultPolicy()
	p.MaximumRedeliveries = r.MaximumRedeliveries
	p.RedeliveryDelay = r.RedeliveryDelay
	p.UseExponentialBackOff = r.UseExponentialBackOff
	p.BackOffMultiplier = r.BackOffMultiplier
	p.MaximumRedeliveryDelay = r.MaximumRedeliveryDelay
	p.UseCollisionAvoidance = r.UseCollisionAvoidance
	p.CollisionAvoidanceFactor = r.CollisionAvoidanceFactor
	p.DelayPattern = r.DelayPattern
	p.MaxElapsedTime = r.MaxElapsedTime
	p.AsyncDelayedRedelivery = r.AsyncDelayedRedelivery
	p.AllowRedeliveryWhileStopping = r.AllowRedeliveryWhileStopping
	p.LogRetryAttempted = r.LogRetryAttempted
	p.RetryAttemptedLogInterval = r.RetryAttemptedLogInterval
	p.LogExhausted = r.LogExhausted
	p.LogStackTrace = r.LogStackTrace
	return p
}

// Config returns an error handler configuration without dead letter
// stage, observer or logger. Callers add those.
func (r Redelivery) Config() redelivery.Config {
	return redelivery.Config{
		Policy:                   r.Policy(),
		UseOriginalMessage:       r.UseOriginalMessage,
		PropagateDeadLetterError: r.PropagateDeadLetterError,
	}
}

// Consumer mirrors consumer.Config. A positive Rate adds a leaky bucket
// throttle holding Burst tokens.
type Consumer struct {
	Delay                 time.Duration `yaml:"delay"`
	Concurrency           int64         `yaml:"concurrency"`
	BackoffMultiplier     int           `yaml:"backoffMultiplier"`
	BackoffIdleThreshold  int           `yaml:"backoffIdleThreshold"`
	BackoffErrorThreshold int           `yaml:"backoffErrorThreshold"`
	ShutdownTimeout       time.Duration `yaml:"shutdownTimeout"`
	Rate                  float64       `yaml:"rate"`
	Burst                 int64         `yaml:"burst"`
}

// Config returns the polling consumer configuration described by c.
func (c Consumer) Config() consumer.Config {
	cfg := consumer.Config{
		Delay:                 c.Delay,
		Concurrency:           c.Concurrency,
		BackoffMultiplier:     c.BackoffMultiplier,
		BackoffIdleThreshold:  c.BackoffIdleThreshold,
		BackoffErrorThreshold: c.BackoffErrorThreshold,
		ShutdownTimeout:       c.ShutdownTimeout,
	}
	if c.Rate > 0 {
		burst := c.Burst
		if burst < 1 {
			burst = 1
		}
		cfg.Throttle = throttle.NewLeakyBucket(c.Rate, burst, clock.New())
	}
	return cfg
}

// Supervisor describes how failed consumers are restarted. MaxRestarts
// zero restarts forever.
type Supervisor struct {
	RestartDelay    time.Duration `yaml:"restartDelay"`
	MaxRestartDelay time.Duration `yaml:"maxRestartDelay"`
	MaxRestarts     int64         `yaml:"maxRestarts"`
}

// Config returns the supervisor configuration described by s.
func (s Supervisor) Config() consumer.SupervisorConfig {
	return consumer.SupervisorConfig{BackOff: &backoff.BackOff{
		Delay:       s.RestartDelay,
		MaxDelay:    s.MaxRestartDelay,
		MaxAttempts: s.MaxRestarts,
		Multiplier:  2,
	}}
}

// Saga configures the saga service and the default participant.
type Saga struct {
	MaxRetryAttempts int64         `yaml:"maxRetryAttempts"`
	RetryDelay       time.Duration `yaml:"retryDelay"`
	Propagation      string        `yaml:"propagation"`
	Completion       string        `yaml:"completion"`
	Timeout          time.Duration `yaml:"timeout"`
}

// ServiceConfig returns the in-memory saga service configuration.
func (s Saga) ServiceConfig() saga.ServiceConfig {
	return saga.ServiceConfig{MaxRetryAttempts: s.MaxRetryAttempts, RetryDelay: s.RetryDelay}
}

// Participant returns a participant configuration with the configured
// propagation, completion mode and step timeout.
func (s Saga) Participant() (saga.Config, error) {
	p, err := saga.ParsePropagation(s.Propagation)
	if err != nil {
		return saga.Config{}, fmt.Errorf("%w: saga: %w", ErrConfig, err)
	}
	c, err := saga.ParseCompletion(s.Completion)
	if err != nil {
		return saga.Config{}, fmt.Errorf("%w: saga: %w", ErrConfig, err)
	}
	return saga.Config{Propagation: p, Completion: c, Step: saga.Step{Timeout: s.Timeout}}, nil
}

// Idempotent selects and configures the idempotent repository. Backend is
// one of memory, redis, badger or dynamodb.
type Idempotent struct {
	Backend       string        `yaml:"backend"`
	Size          int           `yaml:"size"`
	Addr          string        `yaml:"addr" env:"REDIS_ADDR"`
	Path          string        `yaml:"path" env:"BADGER_PATH"`
	Table         string        `yaml:"table" env:"DYNAMODB_TABLE"`
	Prefix        string        `yaml:"prefix"`
	TTL           time.Duration `yaml:"ttl"`
	Lazy          bool          `yaml:"lazy"`
	KeepOnFailure bool          `yaml:"keepOnFailure"`
}

// ConsumerConfig returns the idempotent consumer options.
func (i Idempotent) ConsumerConfig() idempotent.ConsumerConfig {
	return idempotent.ConsumerConfig{Lazy: i.Lazy, KeepOnFailure: i.KeepOnFailure}
}

// Endpoint describes a broker address. As a source Kind is one of stdin,
// kafka, nats or amqp; as a sink or dead letter channel it is one of log,
// kafka, nats or amqp. CloudEvents makes a source parse structured
// CloudEvents and a sink emit them.
type Endpoint struct {
	Kind        string   `yaml:"kind"`
	Brokers     []string `yaml:"brokers"`
	Topic       string   `yaml:"topic"`
	Group       string   `yaml:"group"`
	URL         string   `yaml:"url"`
	Subject     string   `yaml:"subject"`
	Exchange    string   `yaml:"exchange"`
	RoutingKey  string   `yaml:"routingKey"`
	Queue       string   `yaml:"queue"`
	MaxBatch    int      `yaml:"maxBatch"`
	CloudEvents bool     `yaml:"cloudEvents"`
}

func (e Endpoint) validate(name string, kinds ...string) error {
	if !slices.Contains(kinds, e.Kind) {
		return fmt.Errorf("%s: unknown kind %q", name, e.Kind)
	}
	var missing string
	switch {
	case e.Kind == "kafka" && len(e.Brokers) == 0:
		missing = "brokers"
	case e.Kind == "kafka" && e.Topic == "":
		missing = "topic"
	case e.Kind == "nats" && e.Subject == "":
		missing = "subject"
	case e.Kind == "amqp" && e.URL == "":
		missing = "url"
	}
	if missing != "" {
		return fmt.Errorf("%s: %s requires %s", name, e.Kind, missing)
	}
	return nil
}

// Metrics configures the Prometheus endpoint. An empty Addr disables it.
type Metrics struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// Tracing selects the span exporter: none or stdout.
type Tracing struct {
	Exporter    string `yaml:"exporter"`
	ServiceName string `yaml:"serviceName"`
}

// Default returns the settings used when neither file nor environment set
// a value.
func Default() File {
	p := redelivery.DefaultPolicy()
	return File{
		Redelivery: Redelivery{
			RedeliveryDelay:           p.RedeliveryDelay,
			BackOffMultiplier:         p.BackOffMultiplier,
			MaximumRedeliveryDelay:    p.MaximumRedeliveryDelay,
			CollisionAvoidanceFactor:  p.CollisionAvoidanceFactor,
			LogRetryAttempted:         p.LogRetryAttempted,
			RetryAttemptedLogInterval: p.RetryAttemptedLogInterval,
			LogExhausted:              p.LogExhausted,
			LogStackTrace:             p.LogStackTrace,
		},
		Consumer: Consumer{
			Delay:           consumer.DefaultDelay,
			Concurrency:     1,
			ShutdownTimeout: consumer.DefaultShutdownTimeout,
		},
		Supervisor: Supervisor{
			RestartDelay:    2 * time.Second,
			MaxRestartDelay: time.Minute,
		},
		Saga: Saga{
			MaxRetryAttempts: saga.DefaultMaxRetryAttempts,
			RetryDelay:       saga.DefaultRetryDelay,
			Propagation:      saga.Required.String(),
			Completion:       saga.Auto.String(),
		},
		Idempotent: Idempotent{Backend: "memory", Size: 1000},
		Source:     Endpoint{Kind: "stdin"},
		Sink:       Endpoint{Kind: "log"},
		DeadLetter: Endpoint{Kind: "log"},
		Metrics:    Metrics{Namespace: "mediate"},
		Tracing:    Tracing{Exporter: "none", ServiceName: "mediator"},
	}
}

// Decode reads YAML from r on top of Default. Unknown keys are rejected.
func Decode(r io.Reader) (File, error) {
	f := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return f, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return f, nil
}

// Load reads the YAML file at path, overlays environment variables and
// validates the result. An empty path skips the file.
func Load(path string, l Loader) (File, error) {
	f := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return f, fmt.Errorf("%w: %w", ErrConfig, err)
		}
		if f, err = Decode(bytes.NewReader(data)); err != nil {
			return f, err
		}
	}
	if err := l.Apply(&f); err != nil {
		return f, err
	}
	return f, f.Validate()
}

type section struct {
	name string
	dst  any
}

func sections(f *File) []section {
	return []section{
		{"redelivery", &f.Redelivery},
		{"consumer", &f.Consumer},
		{"supervisor", &f.Supervisor},
		{"saga", &f.Saga},
		{"idempotent", &f.Idempotent},
		{"source", &f.Source},
		{"sink", &f.Sink},
		{"deadLetter", &f.DeadLetter},
		{"metrics", &f.Metrics},
		{"tracing", &f.Tracing},
	}
}

// Apply overlays environment variables on every section of f.
func (l Loader) Apply(f *File) error {
	for _, s := range sections(f) {
		if err := l.Load(s.name, s.dst); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
	}
	return nil
}

// FileKeys returns every environment variable Apply reads.
func (l Loader) FileKeys() []string {
	var f File
	var keys []string
	for _, s := range sections(&f) {
		keys = append(keys, l.Keys(s.name, s.dst)...)
	}
	return keys
}

// Validate checks settings that would otherwise only fail when a
// component is built.
func (f File) Validate() error {
	var errs []error
	if err := f.Redelivery.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("redelivery: %w", err))
	}
	if _, err := f.Saga.Participant(); err != nil {
		errs = append(errs, err)
	}
	switch f.Idempotent.Backend {
	case "memory", "redis", "badger", "dynamodb":
	default:
		errs = append(errs, fmt.Errorf("idempotent: unknown backend %q", f.Idempotent.Backend))
	}
	if f.Idempotent.Backend == "badger" && f.Idempotent.Path == "" {
		errs = append(errs, errors.New("idempotent: badger requires path"))
	}
	if f.Idempotent.Backend == "dynamodb" && f.Idempotent.Table == "" {
		errs = append(errs, errors.New("idempotent: dynamodb requires table"))
	}
	if err := f.Source.validate("source", "stdin", "kafka", "nats", "amqp"); err != nil {
		errs = append(errs, err)
	}
	if f.Source.Kind == "amqp" && f.Source.Queue == "" {
		errs = append(errs, errors.New("source: amqp requires queue"))
	}
	if err := f.Sink.validate("sink", "log", "kafka", "nats", "amqp"); err != nil {
		errs = append(errs, err)
	}
	if err := f.DeadLetter.validate("deadLetter", "log", "kafka", "nats", "amqp"); err != nil {
		errs = append(errs, err)
	}
	if f.Tracing.Exporter != "none" && f.Tracing.Exporter != "stdout" {
		errs = append(errs, fmt.Errorf("tracing: unknown exporter %q", f.Tracing.Exporter))
	}
	if f.Consumer.Rate < 0 {
		errs = append(errs, errors.New("consumer: negative rate"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return nil
}
