package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/fxsml/gomediate/saga"
)

const sample = `
redelivery:
  maximumRedeliveries: 3
  redeliveryDelay: 200ms
  useExponentialBackOff: true
  delayPattern: "0:100;2:1s"
consumer:
  delay: 50ms
  concurrency: 4
  rate: 10
  burst: 5
saga:
  propagation: requires-new
  completion: manual
  timeout: 1m
idempotent:
  backend: redis
  addr: localhost:6379
  ttl: 24h
source:
  kind: nats
  url: nats://localhost:4222
  subject: orders
  cloudEvents: true
deadLetter:
  kind: kafka
  brokers: [k1:9092, k2:9092]
  topic: orders.dlq
`

func TestDecode(t *testing.T) {
	f, err := Decode(strings.NewReader(sample))
	if err != nil {
		t.Fatal(err)
	}

	p := f.Redelivery.Policy()
	if p.MaximumRedeliveries != 3 || p.RedeliveryDelay != 200*time.Millisecond || !p.UseExponentialBackOff {
		t.Errorf("policy: %+v", p)
	}
	if p.BackOffMultiplier != 2 || !p.LogExhausted {
		t.Errorf("defaults lost: multiplier=%v logExhausted=%v", p.BackOffMultiplier, p.LogExhausted)
	}

	c := f.Consumer.Config()
	if c.Delay != 50*time.Millisecond || c.Concurrency != 4 || c.Throttle == nil {
		t.Errorf("consumer: %+v", c)
	}
	if c.ShutdownTimeout != Default().Consumer.ShutdownTimeout {
		t.Errorf("shutdown timeout default lost: %v", c.ShutdownTimeout)
	}

	part, err := f.Saga.Participant()
	if err != nil {
		t.Fatal(err)
	}
	if part.Propagation != saga.RequiresNew || part.Completion != saga.Manual || part.Step.Timeout != time.Minute {
		t.Errorf("participant: %+v", part)
	}
	if f.Saga.ServiceConfig().MaxRetryAttempts != saga.DefaultMaxRetryAttempts {
		t.Errorf("saga service defaults lost")
	}

	if f.Idempotent.Backend != "redis" || f.Idempotent.TTL != 24*time.Hour || f.Idempotent.Size != 1000 {
		t.Errorf("idempotent: %+v", f.Idempotent)
	}
	if f.DeadLetter.Kind != "kafka" || len(f.DeadLetter.Brokers) != 2 {
		t.Errorf("dead letter: %+v", f.DeadLetter)
	}
	if f.Source.Kind != "nats" || f.Source.Subject != "orders" || !f.Source.CloudEvents {
		t.Errorf("source: %+v", f.Source)
	}
	if f.Sink.Kind != "log" {
		t.Errorf("sink default lost: %+v", f.Sink)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("valid file rejected: %v", err)
	}
}

func TestDecode_EmptyInputYieldsDefaults(t *testing.T) {
	f, err := Decode(strings.NewReader(""))
	if err != nil {
		t.Fatal(err)
	}
	if f.Idempotent.Backend != "memory" || f.DeadLetter.Kind != "log" || f.Source.Kind != "stdin" || f.Sink.Kind != "log" {
		t.Errorf("got %+v", f)
	}
}

func TestDecode_RejectsUnknownKeys(t *testing.T) {
	_, err := Decode(strings.NewReader("redelivery:\n  maxRedeliveries: 3\n"))
	if !errors.Is(err, ErrConfig) {
		t.Errorf("expected ErrConfig, got %v", err)
	}
}

func TestLoad_EnvironmentOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mediate.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatal(err)
	}
	l := Loader{lookup: envMap(map[string]string{
		"MEDIATE_REDELIVERY_MAXIMUM_REDELIVERIES": "7",
		"MEDIATE_DEAD_LETTER_BROKERS":             "k3:9092",
		"MEDIATE_IDEMPOTENT_REDIS_ADDR":           "redis:6379",
	})}

	f, err := Load(path, l)
	if err != nil {
		t.Fatal(err)
	}
	if f.Redelivery.MaximumRedeliveries != 7 {
		t.Errorf("maximumRedeliveries = %d", f.Redelivery.MaximumRedeliveries)
	}
	if len(f.DeadLetter.Brokers) != 1 || f.DeadLetter.Brokers[0] != "k3:9092" {
		t.Errorf("brokers = %v", f.DeadLetter.Brokers)
	}
	if f.Idempotent.Addr != "redis:6379" {
		t.Errorf("addr = %q", f.Idempotent.Addr)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), Loader{lookup: envMap(nil)})
	if !errors.Is(err, ErrConfig) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*File)
		want   string
	}{
		{"delay pattern", func(f *File) { f.Redelivery.DelayPattern = "x:y" }, "redelivery"},
		{"propagation", func(f *File) { f.Saga.Propagation = "sometimes" }, "saga"},
		{"backend", func(f *File) { f.Idempotent.Backend = "etcd" }, "idempotent"},
		{"dead letter", func(f *File) { f.DeadLetter.Kind = "email" }, "deadLetter"},
		{"dead letter brokers", func(f *File) { f.DeadLetter = Endpoint{Kind: "kafka", Topic: "dlq"} }, "requires brokers"},
		{"source kind", func(f *File) { f.Source.Kind = "log" }, "source"},
		{"source queue", func(f *File) { f.Source = Endpoint{Kind: "amqp", URL: "amqp://localhost"} }, "requires queue"},
		{"sink subject", func(f *File) { f.Sink.Kind = "nats" }, "requires subject"},
		{"badger path", func(f *File) { f.Idempotent.Backend = "badger" }, "requires path"},
		{"tracing", func(f *File) { f.Tracing.Exporter = "jaeger" }, "tracing"},
		{"rate", func(f *File) { f.Consumer.Rate = -1 }, "rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Default()
			tt.mutate(&f)
			err := f.Validate()
			if !errors.Is(err, ErrConfig) || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("got %v", err)
			}
		})
	}
	if err := Default().Validate(); err != nil {
		t.Errorf("defaults invalid: %v", err)
	}
}

func TestFileKeys(t *testing.T) {
	keys := Loader{Prefix: "APP"}.FileKeys()
	for _, want := range []string{
		"APP_REDELIVERY_MAXIMUM_REDELIVERIES",
		"APP_CONSUMER_RATE",
		"APP_IDEMPOTENT_REDIS_ADDR",
		"APP_SOURCE_CLOUD_EVENTS",
		"APP_DEAD_LETTER_ROUTING_KEY",
		"APP_TRACING_EXPORTER",
	} {
		if !slices.Contains(keys, want) {
			t.Errorf("missing %s", want)
		}
	}
}
