package repo

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired memory entries are swept
const DefaultCleanupInterval = 5 * time.Minute

type timedEntry[T any] struct {
	value     T
	expiresAt time.Time // zero means no expiry
}

func (e timedEntry[T]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps entries in a map owned by this instance. Each store is
// independent; nothing is shared between instances.
type MemoryStore[T any] struct {
	mu      sync.RWMutex
	entries map[string]timedEntry[T]
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
	closeOnce       sync.Once
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	cleanupInterval time.Duration
	now             func() time.Time
}

// WithCleanupInterval sets how often expired entries are removed
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(o *memoryOptions) { o.cleanupInterval = interval }
}

// WithClock overrides the time source (tests)
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) { o.now = now }
}

// NewMemoryStore creates a store and starts its cleanup goroutine. Call Close
// to stop it.
func NewMemoryStore[T any](opts ...MemoryOption) *MemoryStore[T] {
	o := memoryOptions{cleanupInterval: DefaultCleanupInterval, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	s := &MemoryStore[T]{
		entries:         make(map[string]timedEntry[T]),
		now:             o.now,
		cleanupInterval: o.cleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Get returns the value for key, or ErrNotFound if absent or expired
func (s *MemoryStore[T]) Get(_ context.Context, key string) (T, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	var zero T
	if !ok || e.expired(s.now()) {
		return zero, ErrNotFound
	}
	return e.value, nil
}

// Put stores value without expiry
func (s *MemoryStore[T]) Put(_ context.Context, key string, value T) error {
	s.mu.Lock()
	s.entries[key] = timedEntry[T]{value: value}
	s.mu.Unlock()
	return nil
}

// PutWithTTL stores value until now+ttl. A non-positive ttl means no expiry.
func (s *MemoryStore[T]) PutWithTTL(_ context.Context, key string, value T, ttl time.Duration) error {
	e := timedEntry[T]{value: value}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

// Delete removes key. Deleting a missing key is not an error.
func (s *MemoryStore[T]) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Take removes key under the write lock and returns its value if still live
func (s *MemoryStore[T]) Take(_ context.Context, key string) (T, error) {
	s.mu.Lock()
	e, ok := s.entries[key]
	delete(s.entries, key)
	s.mu.Unlock()

	var zero T
	if !ok || e.expired(s.now()) {
		return zero, ErrNotFound
	}
	return e.value, nil
}

// Len returns the number of stored entries, expired or not
func (s *MemoryStore[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Close stops the cleanup goroutine
func (s *MemoryStore[T]) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}

func (s *MemoryStore[T]) cleanupLoop() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpired()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore[T]) cleanupExpired() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, key)
		}
	}
}
