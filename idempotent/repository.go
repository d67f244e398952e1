// Package idempotent provides deduplication repositories keyed by message
// identity and a stage that consults them before running its target.
package idempotent

import (
	"context"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrRepository is the base error for repository backend failures. It is
// distinct from a key being present.
var ErrRepository = errors.New("idempotent: repository failure")

// RepositoryError reports a failed repository operation.
type RepositoryError struct {
	Op  string
	Key string
	Err error
}

func (e *RepositoryError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%v: %s: %v", ErrRepository, e.Op, e.Err)
	}
	return fmt.Sprintf("%v: %s %q: %v", ErrRepository, e.Op, e.Key, e.Err)
}

func (e *RepositoryError) Unwrap() []error {
	return []error{ErrRepository, e.Err}
}

// Repository is a deduplication store. Implementations must be safe for
// concurrent use, and concurrent Add calls for the same key must let exactly
// one of them report the key as not present.
type Repository interface {
	// Add inserts key unless present and reports whether it was already
	// present.
	Add(ctx context.Context, key string) (present bool, err error)
	// Contains reports whether key is present.
	Contains(ctx context.Context, key string) (bool, error)
	// Remove deletes key and reports whether it was present.
	Remove(ctx context.Context, key string) (bool, error)
	// Confirm marks a previously added key as durable.
	Confirm(ctx context.Context, key string) (bool, error)
	// Clear removes all keys.
	Clear(ctx context.Context) error
}

// DefaultCacheSize is the capacity of a Memory repository created with a
// non-positive size.
const DefaultCacheSize = 1000

// Memory is a bounded in-process repository. When full, the least recently
// used key is evicted.
type Memory struct {
	cache *lru.Cache[string, struct{}]
}

// NewMemory returns a Memory repository holding up to size keys.
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[string, struct{}](size)
	if err != nil {
		// only returned for non-positive sizes
		panic(err)
	}
	return &Memory{cache: c}
}

// Add implements Repository.
func (m *Memory) Add(_ context.Context, key string) (bool, error) {
	present, _ := m.cache.ContainsOrAdd(key, struct{}{})
	return present, nil
}

// Contains implements Repository.
func (m *Memory) Contains(_ context.Context, key string) (bool, error) {
	return m.cache.Contains(key), nil
}

// Remove implements Repository.
func (m *Memory) Remove(_ context.Context, key string) (bool, error) {
	return m.cache.Remove(key), nil
}

// Confirm implements Repository. Adds are durable immediately.
func (m *Memory) Confirm(context.Context, string) (bool, error) {
	return true, nil
}

// Clear implements Repository.
func (m *Memory) Clear(context.Context) error {
	m.cache.Purge()
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	return m.cache.Len()
}
