// Package badgerrepo implements idempotent.Repository on an embedded Badger
// database.
package badgerrepo

import (
	"context"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/fxsml/gomediate/idempotent"
)

// DefaultPrefix namespaces keys written by a Repository.
const DefaultPrefix = "idempotent/"

const (
	markerTentative byte = 0
	markerConfirmed byte = 1
)

// Config configures a Repository.
type Config struct {
	// Prefix is prepended to every key. Default: DefaultPrefix.
	Prefix string

	// TTL expires keys after the given duration. Zero keeps keys until
	// removed.
	TTL time.Duration

	// MaxConflictRetries bounds retries of transactions aborted by a
	// concurrent writer. Default: 16.
	MaxConflictRetries int
}

func (c Config) parse() Config {
	if c.Prefix == "" {
		c.Prefix = DefaultPrefix
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 16
	}
	return c
}

// Repository stores keys in Badger. Add reads and writes the key in one
// serializable transaction; a conflicting concurrent Add aborts and is
// retried, so it then observes the key as present.
type Repository struct {
	db  *badger.DB
	cfg Config
}

var _ idempotent.Repository = (*Repository)(nil)

// New returns a Repository using db. The caller owns db.
func New(db *badger.DB, cfg Config) *Repository {
	return &Repository{db: db, cfg: cfg.parse()}
}

func (r *Repository) key(k string) []byte {
	return []byte(r.cfg.Prefix + k)
}

func (r *Repository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for range r.cfg.MaxConflictRetries {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = r.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

// Add implements idempotent.Repository.
func (r *Repository) Add(ctx context.Context, key string) (bool, error) {
	var present bool
	err := r.update(ctx, func(txn *badger.Txn) error {
		present = false
		_, err := txn.Get(r.key(key))
		switch {
		case err == nil:
			present = true
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		e := badger.NewEntry(r.key(key), []byte{markerTentative})
		if r.cfg.TTL > 0 {
			e = e.WithTTL(r.cfg.TTL)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "add", Key: key, Err: err}
	}
	return present, nil
}

// Contains implements idempotent.Repository.
func (r *Repository) Contains(_ context.Context, key string) (bool, error) {
	var ok bool
	err := r.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(r.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		ok = err == nil
		return err
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "contains", Key: key, Err: err}
	}
	return ok, nil
}

// Remove implements idempotent.Repository.
func (r *Repository) Remove(ctx context.Context, key string) (bool, error) {
	var removed bool
	err := r.update(ctx, func(txn *badger.Txn) error {
		removed = false
		_, err := txn.Get(r.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		removed = true
		return txn.Delete(r.key(key))
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "remove", Key: key, Err: err}
	}
	return removed, nil
}

// Confirm implements idempotent.Repository by rewriting the marker of an
// existing key as confirmed. It reports false when the key is missing.
func (r *Repository) Confirm(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := r.update(ctx, func(txn *badger.Txn) error {
		ok = false
		item, err := txn.Get(r.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		ok = true
		e := badger.NewEntry(r.key(key), []byte{markerConfirmed})
		if exp := item.ExpiresAt(); exp > 0 {
			if ttl := time.Until(time.Unix(int64(exp), 0)); ttl > 0 {
				e = e.WithTTL(ttl)
			}
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "confirm", Key: key, Err: err}
	}
	return ok, nil
}

// Confirmed reports whether key was confirmed.
func (r *Repository) Confirmed(_ context.Context, key string) (bool, error) {
	var ok bool
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(r.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			ok = len(v) == 1 && v[0] == markerConfirmed
			return nil
		})
	})
	if err != nil {
		return false, &idempotent.RepositoryError{Op: "confirmed", Key: key, Err: err}
	}
	return ok, nil
}

// Clear implements idempotent.Repository. Only keys under the configured
// prefix are removed.
func (r *Repository) Clear(context.Context) error {
	if err := r.db.DropPrefix([]byte(r.cfg.Prefix)); err != nil {
		return &idempotent.RepositoryError{Op: "clear", Err: err}
	}
	return nil
}
