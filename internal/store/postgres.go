package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements KV on a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ KV = (*PostgresStore)(nil)

// NewPostgres connects to databaseURL and creates the kv table if needed.
func NewPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS beatdown_kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Get returns the stored value for key.
func (s *PostgresStore) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx, `SELECT value FROM beatdown_kv WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return value, true, nil
}

// SetIfAbsent stores value only if key does not exist yet.
func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO beatdown_kv (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING`,
		key, value)
	if err != nil {
		return false, fmt.Errorf("insert %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompareAndSwap replaces the value for key only if it currently equals expected.
func (s *PostgresStore) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE beatdown_kv SET value = $1, updated_at = now() WHERE key = $2 AND value = $3`,
		value, key, expected)
	if err != nil {
		return false, fmt.Errorf("update %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
