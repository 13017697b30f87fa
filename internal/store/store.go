// Package store provides the durable key-value persistence behind the credit ledger.
package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned by Open for an unsupported backend name.
var ErrUnknownBackend = errors.New("unknown store backend")

// KV persists string values under string keys. Every write is a single durable
// operation; there is no batching and no multi-key transaction.
type KV interface {
	// Get returns the stored value for key. found is false when the key is absent.
	Get(ctx context.Context, key string) (value string, found bool, err error)

	// SetIfAbsent stores value only if key does not exist yet.
	// It reports whether the value was written.
	SetIfAbsent(ctx context.Context, key, value string) (bool, error)

	// CompareAndSwap replaces the value for key only if the current value equals
	// expected. It reports whether the swap happened; an absent key never swaps.
	CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// Options selects and configures a backend for Open.
type Options struct {
	Backend     string // "sqlite", "redis", "postgres" or "memory"
	SQLitePath  string
	RedisURL    string
	PostgresURL string
}

// Open creates the backend named by opts.Backend.
func Open(ctx context.Context, opts Options) (KV, error) {
	switch opts.Backend {
	case "", "sqlite":
		s, err := NewSQLite(opts.SQLitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		s, err := NewRedis(ctx, opts.RedisURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "postgres":
		s, err := NewPostgres(ctx, opts.PostgresURL)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}
}
