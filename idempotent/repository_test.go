package idempotent_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/fxsml/gomediate/idempotent"
	"github.com/fxsml/gomediate/idempotent/idempotenttest"
)

func TestMemory_Suite(t *testing.T) {
	suite := &idempotenttest.RepositorySuite{
		Name: "memory",
		NewRepository: func(t *testing.T) idempotent.Repository {
			return idempotent.NewMemory(100)
		},
	}
	suite.Run(t)
}

func TestMemory_EvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := idempotent.NewMemory(2)
	m.Add(ctx, "a")
	m.Add(ctx, "b")
	m.Add(ctx, "c")

	if m.Len() != 2 {
		t.Fatalf("expected 2 keys, got %d", m.Len())
	}
	if ok, _ := m.Contains(ctx, "a"); ok {
		t.Error("expected oldest key evicted")
	}
	if ok, _ := m.Contains(ctx, "c"); !ok {
		t.Error("expected newest key kept")
	}
}

func TestMemory_DefaultSize(t *testing.T) {
	ctx := context.Background()
	m := idempotent.NewMemory(0)
	for i := 0; i < idempotent.DefaultCacheSize+10; i++ {
		m.Add(ctx, fmt.Sprintf("k%d", i))
	}
	if m.Len() != idempotent.DefaultCacheSize {
		t.Errorf("expected %d keys, got %d", idempotent.DefaultCacheSize, m.Len())
	}
}
