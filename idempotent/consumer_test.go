package idempotent_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/processor"
)

func withID(id string) *exchange.Exchange {
	ex := exchange.New("body")
	ex.In.SetHeader(exchange.HeaderMessageID, id)
	return ex
}

func counting(calls *atomic.Int32, err error) processor.Processor {
	return processor.Func("target", func(context.Context, *exchange.Exchange) error {
		calls.Add(1)
		return err
	})
}

type spyRepo struct {
	idempotent.Repository
	confirmed atomic.Int32
	err       error
}

func (s *spyRepo) Add(ctx context.Context, key string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	return s.Repository.Add(ctx, key)
}

func (s *spyRepo) Confirm(ctx context.Context, key string) (bool, error) {
	s.confirmed.Add(1)
	return s.Repository.Confirm(ctx, key)
}

func TestConsumer_SkipsDuplicates(t *testing.T) {
	var calls atomic.Int32
	repo := &spyRepo{Repository: idempotent.NewMemory(10)}
	c := idempotent.NewConsumer(repo, counting(&calls, nil), idempotent.ConsumerConfig{})

	first := withID("m-1")
	second := withID("m-1")
	if err := processor.Run(context.Background(), c, first); err != nil {
		t.Fatal(err)
	}
	if err := processor.Run(context.Background(), c, second); err != nil {
		t.Fatal(err)
	}

	if calls.Load() != 1 {
		t.Errorf("expected target once, got %d", calls.Load())
	}
	if first.PropertyBool(exchange.PropDuplicateMessage) {
		t.Error("first exchange is not a duplicate")
	}
	if !second.PropertyBool(exchange.PropDuplicateMessage) {
		t.Error("second exchange should be flagged duplicate")
	}
	if repo.confirmed.Load() != 1 {
		t.Errorf("expected one confirm, got %d", repo.confirmed.Load())
	}
}

func TestConsumer_FallsBackToExchangeID(t *testing.T) {
	var calls atomic.Int32
	c := idempotent.NewConsumer(idempotent.NewMemory(10), counting(&calls, nil), idempotent.ConsumerConfig{})

	ex := exchange.New(nil)
	_ = processor.Run(context.Background(), c, ex)
	_ = processor.Run(context.Background(), c, ex.Copy())
	_ = processor.Run(context.Background(), c, exchange.New(nil))
	if calls.Load() != 2 {
		t.Errorf("expected 2 calls, got %d", calls.Load())
	}
}

func TestConsumer_FailureRemovesKey(t *testing.T) {
	repo := idempotent.NewMemory(10)
	var failing, succeeding atomic.Int32

	c := idempotent.NewConsumer(repo, counting(&failing, errors.New("boom")), idempotent.ConsumerConfig{})
	if err := processor.Run(context.Background(), c, withID("m")); err == nil {
		t.Fatal("expected failure")
	}
	if ok, _ := repo.Contains(context.Background(), "m"); ok {
		t.Fatal("key should be removed after failure")
	}

	c = idempotent.NewConsumer(repo, counting(&succeeding, nil), idempotent.ConsumerConfig{})
	if err := processor.Run(context.Background(), c, withID("m")); err != nil {
		t.Fatal(err)
	}
	if succeeding.Load() != 1 {
		t.Error("message should be processed again after failed attempt")
	}
}

func TestConsumer_KeepOnFailure(t *testing.T) {
	repo := idempotent.NewMemory(10)
	var calls atomic.Int32
	c := idempotent.NewConsumer(repo, counting(&calls, errors.New("boom")), idempotent.ConsumerConfig{KeepOnFailure: true})

	_ = processor.Run(context.Background(), c, withID("m"))
	_ = processor.Run(context.Background(), c, withID("m"))
	if calls.Load() != 1 {
		t.Errorf("expected key kept after failure, got %d calls", calls.Load())
	}
}

func TestConsumer_Lazy(t *testing.T) {
	repo := idempotent.NewMemory(10)
	var calls atomic.Int32

	failing := idempotent.NewConsumer(repo, counting(&calls, errors.New("boom")), idempotent.ConsumerConfig{Lazy: true})
	_ = processor.Run(context.Background(), failing, withID("m"))
	if ok, _ := repo.Contains(context.Background(), "m"); ok {
		t.Fatal("lazy consumer should not add key for failed exchange")
	}

	ok := idempotent.NewConsumer(repo, counting(&calls, nil), idempotent.ConsumerConfig{Lazy: true})
	_ = processor.Run(context.Background(), ok, withID("m"))
	if present, _ := repo.Contains(context.Background(), "m"); !present {
		t.Fatal("lazy consumer should add key after success")
	}
	dup := withID("m")
	_ = processor.Run(context.Background(), ok, dup)
	if calls.Load() != 2 || !dup.PropertyBool(exchange.PropDuplicateMessage) {
		t.Errorf("expected duplicate skipped, calls=%d", calls.Load())
	}
}

func TestConsumer_ProcessDuplicates(t *testing.T) {
	var calls atomic.Int32
	c := idempotent.NewConsumer(idempotent.NewMemory(10), counting(&calls, nil), idempotent.ConsumerConfig{ProcessDuplicates: true})

	_ = processor.Run(context.Background(), c, withID("m"))
	dup := withID("m")
	_ = processor.Run(context.Background(), c, dup)
	if calls.Load() != 2 {
		t.Errorf("expected duplicates processed, got %d", calls.Load())
	}
	if !dup.PropertyBool(exchange.PropDuplicateMessage) {
		t.Error("duplicate flag should still be set")
	}
}

func TestConsumer_RepositoryFailure(t *testing.T) {
	backend := errors.New("connection refused")
	var calls atomic.Int32
	repo := &spyRepo{Repository: idempotent.NewMemory(10), err: backend}
	c := idempotent.NewConsumer(repo, counting(&calls, nil), idempotent.ConsumerConfig{})

	err := processor.Run(context.Background(), c, withID("m"))
	var re *idempotent.RepositoryError
	if !errors.As(err, &re) || !errors.Is(err, backend) || !errors.Is(err, idempotent.ErrRepository) {
		t.Fatalf("expected repository error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("target must not run when the repository fails")
	}
	if exchange.IsPermanent(err) {
		t.Error("repository failures should stay eligible for redelivery")
	}
}

func TestConsumer_MissingKey(t *testing.T) {
	var calls atomic.Int32
	c := idempotent.NewConsumer(idempotent.NewMemory(10), counting(&calls, nil), idempotent.ConsumerConfig{
		Key: idempotent.HeaderKey("OrderID"),
	})
	err := processor.Run(context.Background(), c, exchange.New(nil))
	if !errors.Is(err, idempotent.ErrNoKey) || !exchange.IsPermanent(err) {
		t.Fatalf("expected permanent ErrNoKey, got %v", err)
	}
	if calls.Load() != 0 {
		t.Error("target must not run without a key")
	}
}

func TestConsumer_AsyncTarget(t *testing.T) {
	repo := &spyRepo{Repository: idempotent.NewMemory(10)}
	target := processor.AsyncFunc("async", func(ctx context.Context, ex *exchange.Exchange, complete func(error)) {
		go complete(nil)
	})
	c := idempotent.NewConsumer(repo, target, idempotent.ConsumerConfig{})

	if err := processor.Run(context.Background(), c, withID("m")); err != nil {
		t.Fatal(err)
	}
	if repo.confirmed.Load() != 1 {
		t.Errorf("expected confirm after async completion, got %d", repo.confirmed.Load())
	}
}
