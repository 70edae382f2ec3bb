package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Default timeouts for Redis operations
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// NewRedisClient parses a redis:// URL, applies default timeouts and pings the
// server. The client is closed if the ping fails.
func NewRedisClient(ctx context.Context, redisURL string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps JSON-encoded values under "{prefix}{namespace}:{key}" and
// uses native key expiry for PutWithTTL.
type RedisStore[T any] struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewRedisStore creates a store over an existing client
func NewRedisStore[T any](client redis.UniversalClient, keyPrefix, namespace string) *RedisStore[T] {
	return &RedisStore[T]{client: client, keyPrefix: keyPrefix + namespace + ":"}
}

func (s *RedisStore[T]) key(k string) string { return s.keyPrefix + k }

// Get returns the value for key, or ErrNotFound
func (s *RedisStore[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	raw, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("redis get %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// Put stores value without expiry
func (s *RedisStore[T]) Put(ctx context.Context, key string, value T) error {
	return s.PutWithTTL(ctx, key, value, 0)
}

// PutWithTTL stores value with a native Redis TTL. Zero ttl keeps the key.
func (s *RedisStore[T]) PutWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(key), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Take reads and deletes key in one GETDEL
func (s *RedisStore[T]) Take(ctx context.Context, key string) (T, error) {
	var zero T
	raw, err := s.client.GetDel(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("redis getdel %s: %w", key, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s: %w", key, err)
	}
	return v, nil
}

// Delete removes key
func (s *RedisStore[T]) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}
