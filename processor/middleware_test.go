package processor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/fxsml/gomediate/exchange"
)

func TestApply_Order(t *testing.T) {
	rec := &recorder{}
	mw := func(name string) Middleware {
		return func(next Processor) Processor {
			return ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
				rec.add(name)
				return next.Process(ctx, ex, done)
			})
		}
	}
	p := Apply(Func("p", func(context.Context, *exchange.Exchange) error {
		rec.add("p")
		return nil
	}), mw("A"), mw("B"), mw("C"))

	_ = Run(context.Background(), p, exchange.New(nil))
	got := strings.Join(rec.get(), ",")
	if got != "A,B,C,p" {
		t.Errorf("expected A,B,C,p got %s", got)
	}
}

func TestRecover(t *testing.T) {
	p := Apply(Func("panicky", func(context.Context, *exchange.Exchange) error {
		panic("test panic")
	}), Recover())

	ex := exchange.New(nil)
	calls := 0
	ret := p.Process(context.Background(), ex, func(bool) { calls++ })
	if !ret || calls != 1 {
		t.Fatalf("expected single sync completion, got ret=%v calls=%d", ret, calls)
	}

	var recErr *RecoveryError
	if !errors.As(ex.Err(), &recErr) {
		t.Fatalf("expected RecoveryError, got %v", ex.Err())
	}
	if recErr.PanicValue != "test panic" {
		t.Errorf("unexpected panic value %v", recErr.PanicValue)
	}
	if recErr.StackTrace == "" {
		t.Error("expected stack trace")
	}
	if ex.Failure().Stage != "panicky" {
		t.Errorf("expected stage panicky, got %q", ex.Failure().Stage)
	}
}

func TestRecover_AfterCompletion(t *testing.T) {
	p := Apply(ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
		done(true)
		panic("late")
	}), Recover())

	ex := exchange.New(nil)
	calls := 0
	ret := p.Process(context.Background(), ex, func(bool) { calls++ })
	if !ret || calls != 1 {
		t.Fatalf("expected completion reported once, got ret=%v calls=%d", ret, calls)
	}
	if ex.Failed() {
		t.Error("late panic should not fail a completed exchange")
	}
}

func TestTimeout(t *testing.T) {
	p := Apply(AsyncFunc("slow", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
		go func() {
			<-ctx.Done()
			complete(ctx.Err())
		}()
	}), Timeout(10*time.Millisecond))

	err := Run(context.Background(), p, exchange.New(nil))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestTimeout_Disabled(t *testing.T) {
	inner := Func("x", func(context.Context, *exchange.Exchange) error { return nil })
	if p := Timeout(0)(inner); p != inner {
		t.Error("zero timeout should return the stage unchanged")
	}
}

func TestObserve(t *testing.T) {
	var got []*Metrics
	boom := errors.New("boom")
	p := Apply(Func("observed", func(context.Context, *exchange.Exchange) error { return boom }),
		Observe(func(m *Metrics) { got = append(got, m) }))

	ex := exchange.New(nil)
	_ = Run(context.Background(), p, ex)

	if len(got) != 1 {
		t.Fatalf("expected 1 metrics record, got %d", len(got))
	}
	m := got[0]
	if m.Stage != "observed" || m.ExchangeID != ex.ID || m.Async || m.InFlight != 1 {
		t.Errorf("unexpected metrics %+v", m)
	}
	if !errors.Is(m.Error, boom) {
		t.Errorf("expected boom, got %v", m.Error)
	}
	if Name(p) != "observed" {
		t.Errorf("middleware should keep stage name, got %q", Name(p))
	}
}

func TestTraced(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	tracer := tp.Tracer("test")

	p := NewPipeline(
		Apply(Func("ok", func(context.Context, *exchange.Exchange) error { return nil }), Traced(tracer)),
		Apply(Func("bad", func(context.Context, *exchange.Exchange) error { return errors.New("bad") }), Traced(tracer)),
	)
	_ = Run(context.Background(), p, exchange.New(nil))

	spans := sr.Ended()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	if spans[0].Name() != "ok" || spans[0].Status().Code == codes.Error {
		t.Errorf("unexpected first span %s %v", spans[0].Name(), spans[0].Status())
	}
	if spans[1].Name() != "bad" || spans[1].Status().Code != codes.Error {
		t.Errorf("unexpected second span %s %v", spans[1].Name(), spans[1].Status())
	}
}
