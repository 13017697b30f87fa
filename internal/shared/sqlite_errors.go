// Package shared provides common utilities used across the codebase.
//
//nolint:revive // "shared" is an intentional package name for cross-cutting helpers.
package shared

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// IsSQLiteConflictError reports whether err is SQLITE_BUSY or SQLITE_LOCKED,
// the two concurrency errors that warrant a retry.
func IsSQLiteConflictError(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// RetryOnConflict runs fn up to attempts times, backing off exponentially from
// baseDelay while fn fails with a SQLite conflict. Other errors return at once.
func RetryOnConflict(ctx context.Context, attempts int, baseDelay time.Duration, op string, fn func() error) error {
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i)
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", op, attempts, err)
}
