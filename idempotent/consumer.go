package idempotent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/fxsml/gomediate/exchange"
	"github.com/fxsml/gomediate/processor"
)

// ErrNoKey is reported when no deduplication key can be derived from an
// exchange.
var ErrNoKey = errors.New("idempotent: no message key")

// KeyFunc derives the deduplication key of an exchange.
type KeyFunc func(ex *exchange.Exchange) (string, error)

// MessageIDKey uses the MessageID header of the inbound message and falls
// back to the exchange ID.
func MessageIDKey(ex *exchange.Exchange) (string, error) {
	if v, ok := ex.In.Header(exchange.HeaderMessageID); ok && v != nil {
		if s := fmt.Sprint(v); s != "" {
			return s, nil
		}
	}
	if ex.ID == "" {
		return "", ErrNoKey
	}
	return ex.ID, nil
}

// HeaderKey uses the given header of the inbound message.
func HeaderKey(name string) KeyFunc {
	return func(ex *exchange.Exchange) (string, error) {
		v, ok := ex.In.Header(name)
		if !ok || v == nil {
			return "", fmt.Errorf("%w: header %s missing", ErrNoKey, name)
		}
		return fmt.Sprint(v), nil
	}
}

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	// Key derives the deduplication key. Defaults to MessageIDKey.
	Key KeyFunc

	// Lazy defers adding the key until the target succeeded. By default
	// the key is added before the target runs, so concurrent duplicates
	// are rejected while the first one is still in flight.
	Lazy bool

	// KeepOnFailure keeps an eagerly added key when the target fails. By
	// default the key is removed so the message can be processed again.
	KeepOnFailure bool

	// ProcessDuplicates runs the target for duplicates too. The
	// DuplicateMessage property is set either way.
	ProcessDuplicates bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c ConsumerConfig) parse() ConsumerConfig {
	if c.Key == nil {
		c.Key = MessageIDKey
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Consumer is a stage that runs its target at most once per key.
type Consumer struct {
	repo   Repository
	target processor.Processor
	cfg    ConsumerConfig
}

// NewConsumer returns a Consumer guarding target with repo.
func NewConsumer(repo Repository, target processor.Processor, cfg ConsumerConfig) *Consumer {
	return &Consumer{repo: repo, target: target, cfg: cfg.parse()}
}

// Name implements processor.Namer.
func (c *Consumer) Name() string {
	return "idempotent(" + processor.Name(c.target) + ")"
}

// Process implements processor.Processor.
func (c *Consumer) Process(ctx context.Context, ex *exchange.Exchange, done processor.Callback) bool {
	key, err := c.cfg.Key(ex)
	if err == nil && key == "" {
		err = ErrNoKey
	}
	if err != nil {
		ex.SetFailure(c.Name(), exchange.Permanent(err))
		done(true)
		return true
	}

	var present bool
	if c.cfg.Lazy {
		present, err = c.repo.Contains(ctx, key)
	} else {
		present, err = c.repo.Add(ctx, key)
	}
	if err != nil {
		ex.SetFailure(c.Name(), asRepositoryError("check", key, err))
		done(true)
		return true
	}

	if present {
		ex.SetProperty(exchange.PropDuplicateMessage, true)
		c.cfg.Logger.Debug("duplicate message", "exchange_id", ex.ID, "key", key)
		if !c.cfg.ProcessDuplicates {
			done(true)
			return true
		}
		return c.target.Process(ctx, ex, done)
	}

	if !c.target.Process(ctx, ex, func(doneSync bool) {
		if doneSync {
			return
		}
		c.complete(ctx, ex, key)
		done(false)
	}) {
		return false
	}
	c.complete(ctx, ex, key)
	done(true)
	return true
}

func (c *Consumer) complete(ctx context.Context, ex *exchange.Exchange, key string) {
	if ex.Failed() {
		if c.cfg.Lazy || c.cfg.KeepOnFailure {
			return
		}
		if _, err := c.repo.Remove(ctx, key); err != nil {
			c.cfg.Logger.Error("failed to remove key after failure",
				"exchange_id", ex.ID, "key", key, "error", err)
		}
		return
	}

	if c.cfg.Lazy {
		present, err := c.repo.Add(ctx, key)
		if err != nil {
			ex.SetFailure(c.Name(), asRepositoryError("add", key, err))
			return
		}
		if present {
			ex.SetProperty(exchange.PropDuplicateMessage, true)
		}
	}
	if _, err := c.repo.Confirm(ctx, key); err != nil {
		ex.SetFailure(c.Name(), asRepositoryError("confirm", key, err))
	}
}

func asRepositoryError(op, key string, err error) error {
	var re *RepositoryError
	if errors.As(err, &re) {
		return err
	}
	return &RepositoryError{Op: op, Key: key, Err: err}
}
