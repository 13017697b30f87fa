package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/beatdown/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetryAttempts  = 3
	busyRetryBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements KV using an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ KV = (*SQLiteStore)(nil)

// NewSQLite creates a new SQLite-backed key-value store.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets several browser tabs (or CLI processes) read while one writes.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Get returns the stored value for key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetIfAbsent stores value only if key does not exist yet.
func (s *SQLiteStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	query := `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`

	var written bool
	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryBaseDelay, "kv insert", func() error {
		result, err := s.db.ExecContext(ctx, query, key, value, time.Now().Unix())
		if err != nil {
			return fmt.Errorf("insert %s: %w", key, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		written = rows == 1
		return nil
	})
	return written, err
}

// CompareAndSwap replaces the value for key only if it currently equals expected.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	query := `UPDATE kv SET value = ?, updated_at = ? WHERE key = ? AND value = ?`

	var swapped bool
	err := shared.RetryOnConflict(ctx, busyRetryAttempts, busyRetryBaseDelay, "kv compare-and-swap", func() error {
		result, err := s.db.ExecContext(ctx, query, value, time.Now().Unix(), key, expected)
		if err != nil {
			return fmt.Errorf("update %s: %w", key, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		swapped = rows == 1
		return nil
	})
	return swapped, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
