package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "beatdown:"

// casScript swaps KEYS[1] to ARGV[2] only while it still holds ARGV[1].
var casScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("SET", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

// RedisStore implements KV on a shared Redis instance, so balances survive
// restarts of any single widget server.
type RedisStore struct {
	client *redis.Client
}

var _ KV = (*RedisStore)(nil)

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func redisKey(key string) string {
	return redisKeyPrefix + key
}

// Get returns the stored value for key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, redisKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// SetIfAbsent stores value only if key does not exist yet.
func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, redisKey(key), value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndSwap replaces the value for key only if it currently equals expected.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	n, err := casScript.Run(ctx, s.client, []string{redisKey(key)}, expected, value).Int()
	if err != nil {
		return false, fmt.Errorf("compare-and-swap %s: %w", key, err)
	}
	return n == 1, nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
