package repo

import (
	"database/sql"
	"fmt"
	"io"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Backend holds the connections shared by every store of one deployment
type Backend struct {
	Kind      string
	DB        *sql.DB
	Redis     redis.UniversalClient
	KeyPrefix string

	mu      sync.Mutex
	closers []io.Closer
}

// NewMemoryBackend returns a backend whose stores live in process memory
func NewMemoryBackend() *Backend {
	return &Backend{Kind: BackendMemory}
}

// NewPostgresBackend returns a backend over the kv_objects table
func NewPostgresBackend(db *sql.DB) *Backend {
	return &Backend{Kind: BackendPostgres, DB: db}
}

// NewRedisBackend returns a backend whose keys are namespaced under keyPrefix
func NewRedisBackend(client redis.UniversalClient, keyPrefix string) *Backend {
	return &Backend{Kind: BackendRedis, Redis: client, KeyPrefix: keyPrefix}
}

// NewStore builds an expiring store for one entity namespace on the backend
func NewStore[T any](b *Backend, namespace string) (ExpiringStore[T], error) {
	switch b.Kind {
	case BackendMemory:
		s := NewMemoryStore[T]()
		b.track(s)
		return s, nil
	case BackendPostgres:
		if b.DB == nil {
			return nil, fmt.Errorf("postgres backend has no database")
		}
		return NewPostgresStore[T](b.DB, namespace), nil
	case BackendRedis:
		if b.Redis == nil {
			return nil, fmt.Errorf("redis backend has no client")
		}
		return NewRedisStore[T](b.Redis, b.KeyPrefix, namespace), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", b.Kind)
	}
}

func (b *Backend) track(c io.Closer) {
	b.mu.Lock()
	b.closers = append(b.closers, c)
	b.mu.Unlock()
}

// Close stops memory cleanup loops. Database and Redis clients are closed by
// whoever opened them.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.closers {
		_ = c.Close()
	}
	b.closers = nil
	return nil
}
