// Package idempotenttest provides a test suite that every
// idempotent.Repository implementation must pass.
package idempotenttest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fxsml/gomediate/idempotent"
)

// RepositoryFactory creates an empty Repository for testing.
type RepositoryFactory func(t *testing.T) idempotent.Repository

// RepositorySuite runs a common set of tests against any repository
// implementation.
type RepositorySuite struct {
	// Name identifies the implementation being tested.
	Name string

	// NewRepository creates a new, empty repository.
	NewRepository RepositoryFactory

	// Concurrency is the number of goroutines racing on one key.
	// Default: 32.
	Concurrency int

	// Skip lists test names to skip for this implementation.
	Skip map[string]string
}

// Run executes the test suite.
func (s *RepositorySuite) Run(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T, r idempotent.Repository)
	}{
		{"AddContainsRemove", s.testAddContainsRemove},
		{"RemoveMissing", s.testRemoveMissing},
		{"ConcurrentSameKey", s.testConcurrentSameKey},
		{"ConcurrentDifferentKeys", s.testConcurrentDifferentKeys},
		{"Confirm", s.testConfirm},
		{"Clear", s.testClear},
	}

	for _, tt := range tests {
		t.Run(s.Name+"/"+tt.name, func(t *testing.T) {
			if reason, ok := s.Skip[tt.name]; ok {
				t.Skip(reason)
			}
			tt.fn(t, s.NewRepository(t))
		})
	}
}

func (s *RepositorySuite) testAddContainsRemove(t *testing.T, r idempotent.Repository) {
	ctx := context.Background()

	present, err := r.Add(ctx, "k1")
	if err != nil || present {
		t.Fatalf("first add: present=%v err=%v", present, err)
	}
	present, err = r.Add(ctx, "k1")
	if err != nil || !present {
		t.Fatalf("second add: present=%v err=%v", present, err)
	}
	if ok, err := r.Contains(ctx, "k1"); err != nil || !ok {
		t.Fatalf("contains after add: %v %v", ok, err)
	}

	removed, err := r.Remove(ctx, "k1")
	if err != nil || !removed {
		t.Fatalf("remove: removed=%v err=%v", removed, err)
	}
	if ok, _ := r.Contains(ctx, "k1"); ok {
		t.Fatal("contains after remove")
	}
	present, err = r.Add(ctx, "k1")
	if err != nil || present {
		t.Fatalf("add after remove: present=%v err=%v", present, err)
	}
}

func (s *RepositorySuite) testRemoveMissing(t *testing.T, r idempotent.Repository) {
	removed, err := r.Remove(context.Background(), "missing")
	if err != nil || removed {
		t.Fatalf("remove of missing key: removed=%v err=%v", removed, err)
	}
	if ok, err := r.Contains(context.Background(), "missing"); err != nil || ok {
		t.Fatalf("contains of missing key: %v %v", ok, err)
	}
}

func (s *RepositorySuite) testConcurrentSameKey(t *testing.T, r idempotent.Repository) {
	n := s.Concurrency
	if n <= 0 {
		n = 32
	}
	var (
		wg      sync.WaitGroup
		added   atomic.Int32
		failed  atomic.Int32
		release = make(chan struct{})
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			present, err := r.Add(context.Background(), "contended")
			if err != nil {
				failed.Add(1)
				return
			}
			if !present {
				added.Add(1)
			}
		}()
	}
	close(release)
	wg.Wait()

	if failed.Load() != 0 {
		t.Fatalf("%d adds failed", failed.Load())
	}
	if added.Load() != 1 {
		t.Fatalf("expected exactly one successful add, got %d", added.Load())
	}
}

func (s *RepositorySuite) testConcurrentDifferentKeys(t *testing.T, r idempotent.Repository) {
	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := fmt.Sprintf("key-%d", i)
			present, err := r.Add(context.Background(), key)
			if err != nil {
				errs <- err
				return
			}
			if present {
				errs <- fmt.Errorf("fresh key %s reported present", key)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
	for i := range 20 {
		if ok, _ := r.Contains(context.Background(), fmt.Sprintf("key-%d", i)); !ok {
			t.Errorf("key-%d missing", i)
		}
	}
}

func (s *RepositorySuite) testConfirm(t *testing.T, r idempotent.Repository) {
	ctx := context.Background()
	if _, err := r.Add(ctx, "c"); err != nil {
		t.Fatal(err)
	}
	ok, err := r.Confirm(ctx, "c")
	if err != nil || !ok {
		t.Fatalf("confirm: %v %v", ok, err)
	}
	if present, _ := r.Contains(ctx, "c"); !present {
		t.Fatal("confirmed key missing")
	}
}

func (s *RepositorySuite) testClear(t *testing.T, r idempotent.Repository) {
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if _, err := r.Add(ctx, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	for _, k := range []string{"a", "b", "c"} {
		if ok, _ := r.Contains(ctx, k); ok {
			t.Errorf("key %s present after clear", k)
		}
	}
}
