package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxsml/gomediate/exchange"
)

// recorder collects stage names in call order.
type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, name)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func TestFunc_CompletesSynchronously(t *testing.T) {
	var got []bool
	p := Func("s", func(ctx context.Context, ex *exchange.Exchange) error { return nil })
	ret := p.Process(context.Background(), exchange.New(nil), func(doneSync bool) { got = append(got, doneSync) })

	if !ret || len(got) != 1 || !got[0] {
		t.Fatalf("expected sync completion, got ret=%v callbacks=%v", ret, got)
	}
}

func TestFunc_RecordsFailure(t *testing.T) {
	boom := errors.New("boom")
	ex := exchange.New(nil)
	err := Run(context.Background(), Func("s", func(context.Context, *exchange.Exchange) error { return boom }), ex)

	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if ex.Failure().Stage != "s" {
		t.Errorf("expected stage s, got %q", ex.Failure().Stage)
	}
}

func TestAsyncFunc_Contract(t *testing.T) {
	t.Run("completes later", func(t *testing.T) {
		release := make(chan struct{})
		p := AsyncFunc("a", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
			go func() {
				<-release
				complete(nil)
			}()
		})

		calls := make(chan bool, 2)
		ret := p.Process(context.Background(), exchange.New(nil), func(doneSync bool) { calls <- doneSync })
		if ret {
			t.Fatal("expected async return")
		}
		close(release)
		select {
		case s := <-calls:
			if s {
				t.Error("expected doneSync=false")
			}
		case <-time.After(time.Second):
			t.Fatal("callback not invoked")
		}
		select {
		case <-calls:
			t.Error("callback invoked twice")
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("complete before return is sync", func(t *testing.T) {
		p := AsyncFunc("a", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
			complete(errors.New("early"))
			complete(nil)
		})
		var calls []bool
		ex := exchange.New(nil)
		ret := p.Process(context.Background(), ex, func(doneSync bool) { calls = append(calls, doneSync) })
		if !ret || len(calls) != 1 || !calls[0] {
			t.Fatalf("expected one sync completion, got ret=%v calls=%v", ret, calls)
		}
		if !ex.Failed() {
			t.Error("expected failure from first complete")
		}
	})
}

func TestPipeline_OrderWithAsyncStage(t *testing.T) {
	for run := 0; run < 100; run++ {
		rec := &recorder{}
		p := NewPipeline(
			Func("one", func(context.Context, *exchange.Exchange) error {
				rec.add("one")
				return nil
			}),
			AsyncFunc("two", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
				go func() {
					rec.add("two")
					complete(nil)
				}()
			}),
			Func("three", func(context.Context, *exchange.Exchange) error {
				rec.add("three")
				return nil
			}),
		)

		if err := Run(context.Background(), p, exchange.New(run)); err != nil {
			t.Fatalf("run %d: unexpected error %v", run, err)
		}
		got := rec.get()
		if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "three" {
			t.Fatalf("run %d: unexpected order %v", run, got)
		}
	}
}

func TestPipeline_AsyncReportsAsync(t *testing.T) {
	p := NewPipeline(
		AsyncFunc("a", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
			go complete(nil)
		}),
	)
	calls := make(chan bool, 1)
	if p.Process(context.Background(), exchange.New(nil), func(s bool) { calls <- s }) {
		t.Fatal("pipeline with suspended stage should return false")
	}
	if s := <-calls; s {
		t.Error("expected doneSync=false from pipeline")
	}
}

func TestPipeline_FailureSkipsRemaining(t *testing.T) {
	boom := errors.New("boom")
	rec := &recorder{}
	p := NewPipeline(
		Func("one", func(context.Context, *exchange.Exchange) error {
			rec.add("one")
			return boom
		}),
		Func("two", func(context.Context, *exchange.Exchange) error {
			rec.add("two")
			return nil
		}),
	)

	ex := exchange.New(nil)
	err := Run(context.Background(), p, ex)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if got := rec.get(); len(got) != 1 {
		t.Errorf("expected only first stage, got %v", got)
	}
	if ex.Failure().Stage != "one" {
		t.Errorf("expected failure attributed to one, got %q", ex.Failure().Stage)
	}
}

func TestPipeline_StopEndsRouting(t *testing.T) {
	rec := &recorder{}
	p := NewPipeline(
		Func("stop", func(_ context.Context, ex *exchange.Exchange) error {
			ex.Stop()
			return nil
		}),
		Func("never", func(context.Context, *exchange.Exchange) error {
			rec.add("never")
			return nil
		}),
	)
	if err := Run(context.Background(), p, exchange.New(nil)); err != nil {
		t.Fatalf("stop should not fail: %v", err)
	}
	if len(rec.get()) != 0 {
		t.Error("stage after stop should not run")
	}
}

func TestPipeline_AttributesUnnamedFailure(t *testing.T) {
	p := NewPipeline(
		Named("custom", ProcessorFunc(func(ctx context.Context, ex *exchange.Exchange, done Callback) bool {
			ex.SetFailure("", errors.New("x"))
			done(true)
			return true
		})),
	)
	ex := exchange.New(nil)
	_ = Run(context.Background(), p, ex)
	if ex.Failure().Stage != "custom" {
		t.Errorf("expected custom, got %q", ex.Failure().Stage)
	}
}

func TestPipeline_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	p := NewPipeline(Func("s", func(context.Context, *exchange.Exchange) error {
		called = true
		return nil
	}))
	ex := exchange.New(nil)
	p.Process(ctx, ex, func(bool) {})
	if called {
		t.Error("stage should not run with cancelled context")
	}
	if !errors.Is(ex.Err(), context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", ex.Err())
	}
}

func TestPipeline_Nested(t *testing.T) {
	rec := &recorder{}
	stage := func(name string) Processor {
		return Func(name, func(context.Context, *exchange.Exchange) error {
			rec.add(name)
			return nil
		})
	}
	p := NewPipeline(stage("a"), NewPipeline(stage("b"), stage("c")), stage("d"))
	if err := Run(context.Background(), p, exchange.New(nil)); err != nil {
		t.Fatal(err)
	}
	got := rec.get()
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestValidate_DoesNotMutate(t *testing.T) {
	ex := exchange.New("body")
	ex.In.SetHeader("h", "orig")
	p := Validate("v", func(m *exchange.Message) error {
		m.SetHeader("h", "changed")
		return errors.New("invalid")
	})
	if err := Run(context.Background(), p, ex); err == nil {
		t.Fatal("expected validation failure")
	}
	if v, _ := ex.In.Header("h"); v != "orig" {
		t.Errorf("validator mutated original message: %v", v)
	}
}

func TestRun_ContextDone(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	p := AsyncFunc("hang", func(context.Context, *exchange.Exchange, func(error)) {})
	if err := Run(ctx, p, exchange.New(nil)); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
