// Package redisrepo implements idempotent.Repository on Redis.
package redisrepo

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fxsml/gomediate/idempotent"
)

// DefaultPrefix namespaces keys written by a Repository.
const DefaultPrefix = "idempotent:"

// Config configures a Repository.
type Config struct {
	// Prefix is prepended to every key. Default: DefaultPrefix.
	Prefix string

	// TTL expires keys after the given duration. Zero keeps keys until
	// removed.
	TTL time.Duration

	// ScanCount is the batch size hint used by Clear. Default: 100.
	ScanCount int64
}

func (c Config) parse() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.ScanCount <= 0 {
		c.ScanCount = 100
	}
	return c
}

// Repository stores keys in Redis. Add relies on SET NX, so exactly one
// concurrent caller inserts a given key.
type Repository struct {
	client redis.UniversalClient
	cfg    Config
}

var _ idempotent.Repository = (*Repository)(nil)

// New returns a Repository using client.
func New(client redis.UniversalClient, cfg Config) *Repository {
	return &Repository{client: client, cfg: cfg.parse()}
}

func (r *Repository) key(k string) string {
	return r.cfg.Prefix + k
}

// Add implements idempotent.Repository.
func (r *Repository) Add(ctx context.Context, key string) (bool, error) {
	added, err := r.client.SetNX(ctx, r.key(key), 1, r.cfg.TTL).Result()
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "add", Key: key, Err: err}
	}
	return !added, nil
}

// Contains implements idempotent.Repository.
func (r *Repository) Contains(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(key)).Result()
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "contains", Key: key, Err: err}
	}
	return n > 0, nil
}

// Remove implements idempotent.Repository.
func (r *Repository) Remove(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(key)).Result()
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "remove", Key: key, Err: err}
	}
	return n > 0, nil
}

// Confirm implements idempotent.Repository. Keys are durable once added, so
// Confirm only reports whether the key still exists.
func (r *Repository) Confirm(ctx context.Context, key string) (bool, error) {
	ok, err := r.Contains(ctx, key)
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "confirm", Key: key, Err: err}
	}
	return ok, nil
}

// Clear implements idempotent.Repository. Only keys under the configured
// prefix are removed.
func (r *Repository) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.cfg.Prefix+"*", r.cfg.ScanCount).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if int64(len(batch)) >= r.cfg.ScanCount {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return &idempotent.RepositoryError{Op: "clear", Err: err}
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return &idempotent.RepositoryError{Op: "clear", Err: err}
	}
	if len(batch) > 0 {
		if err := r.client.Del(ctx, batch...).Err(); err != nil {
			return &idempotent.RepositoryError{Op: "clear", Err: err}
		}
	}
	return nil
}
