package repo

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no live value exists for the key
var ErrNotFound = errors.New("not found")

// ObjectStore is a key-value store scoped to one entity type. Writes are
// last-write-wins per key.
type ObjectStore[T any] interface {
	Get(ctx context.Context, key string) (T, error)
	Put(ctx context.Context, key string, value T) error
	Delete(ctx context.Context, key string) error
}

// ExpiringStore is an ObjectStore that can drop entries after a deadline.
// Expiry is a storage optimisation; callers still check their own deadlines.
type ExpiringStore[T any] interface {
	ObjectStore[T]
	PutWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error
	// Take atomically removes key and returns its live value. Of several
	// concurrent callers for one key at most one gets the value; the others
	// get ErrNotFound.
	Take(ctx context.Context, key string) (T, error)
}

// Backend names accepted by STORE_BACKEND
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)
