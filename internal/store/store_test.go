package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// exerciseKV runs the shared KV contract against any backend.
func exerciseKV(t *testing.T, kv KV, key string) {
	t.Helper()
	ctx := context.Background()

	if _, found, err := kv.Get(ctx, key); err != nil || found {
		t.Fatalf("expected absent key, found=%v err=%v", found, err)
	}

	swapped, err := kv.CompareAndSwap(ctx, key, "", "1")
	if err != nil {
		t.Fatalf("CompareAndSwap on absent key failed: %v", err)
	}
	if swapped {
		t.Fatal("expected CompareAndSwap on absent key to fail")
	}

	written, err := kv.SetIfAbsent(ctx, key, "10")
	if err != nil || !written {
		t.Fatalf("expected first SetIfAbsent to write, written=%v err=%v", written, err)
	}
	written, err = kv.SetIfAbsent(ctx, key, "99")
	if err != nil || written {
		t.Fatalf("expected second SetIfAbsent to be a no-op, written=%v err=%v", written, err)
	}

	v, found, err := kv.Get(ctx, key)
	if err != nil || !found || v != "10" {
		t.Fatalf("expected 10, got %q found=%v err=%v", v, found, err)
	}

	swapped, err = kv.CompareAndSwap(ctx, key, "7", "6")
	if err != nil || swapped {
		t.Fatalf("expected stale CompareAndSwap to fail, swapped=%v err=%v", swapped, err)
	}
	swapped, err = kv.CompareAndSwap(ctx, key, "10", "9")
	if err != nil || !swapped {
		t.Fatalf("expected CompareAndSwap to succeed, swapped=%v err=%v", swapped, err)
	}

	v, _, err = kv.Get(ctx, key)
	if err != nil || v != "9" {
		t.Fatalf("expected 9 after swap, got %q err=%v", v, err)
	}

	if err := kv.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	m := NewMemory()
	exerciseKV(t, m, "beatdown_credits")
	if m.Writes() != 2 {
		t.Fatalf("expected 2 writes, got %d", m.Writes())
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "nested", "beatdown.db")

	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	exerciseKV(t, s, "beatdown_credits")
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	t.Parallel()
	dbPath := filepath.Join(t.TempDir(), "beatdown.db")
	ctx := context.Background()

	s, err := NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	if _, err := s.SetIfAbsent(ctx, "k", "42"); err != nil {
		t.Fatalf("SetIfAbsent failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s, err = NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	v, found, err := s.Get(ctx, "k")
	if err != nil || !found || v != "42" {
		t.Fatalf("expected persisted 42, got %q found=%v err=%v", v, found, err)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	s, err := NewRedis(context.Background(), url)
	if err != nil {
		t.Fatalf("NewRedis failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	key := "test:" + t.Name()
	defer s.client.Del(context.Background(), redisKey(key))
	exerciseKV(t, s, key)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	s, err := NewPostgres(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgres failed: %v", err)
	}
	defer func() { _ = s.Close() }()

	key := "test:" + t.Name()
	defer func() { _, _ = s.pool.Exec(ctx, `DELETE FROM beatdown_kv WHERE key = $1`, key) }()
	exerciseKV(t, s, key)
}

func TestOpenUnknownBackend(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Options{Backend: "etcd"})
	if !errors.Is(err, ErrUnknownBackend) {
		t.Fatalf("expected ErrUnknownBackend, got %v", err)
	}
}

func TestOpenMemory(t *testing.T) {
	t.Parallel()
	kv, err := Open(context.Background(), Options{Backend: "memory"})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, ok := kv.(*MemoryStore); !ok {
		t.Fatalf("expected *MemoryStore, got %T", kv)
	}
}
