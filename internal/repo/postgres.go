package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists JSON-encoded values in the kv_objects table, one
// namespace per entity type.
type PostgresStore[T any] struct {
	db        *sql.DB
	namespace string
}

// NewPostgresStore creates a store over the kv_objects table
func NewPostgresStore[T any](db *sql.DB, namespace string) *PostgresStore[T] {
	return &PostgresStore[T]{db: db, namespace: namespace}
}

// Get returns the live value for key
func (s *PostgresStore[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value
		FROM kv_objects
		WHERE namespace = $1 AND key = $2 AND (expires_at IS NULL OR expires_at > now())
	`, s.namespace, key).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("get %s/%s: %w", s.namespace, key, err)
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s/%s: %w", s.namespace, key, err)
	}
	return v, nil
}

// Put upserts value without expiry
func (s *PostgresStore[T]) Put(ctx context.Context, key string, value T) error {
	return s.upsert(ctx, key, value, nil)
}

// PutWithTTL upserts value with expires_at = now+ttl
func (s *PostgresStore[T]) PutWithTTL(ctx context.Context, key string, value T, ttl time.Duration) error {
	if ttl <= 0 {
		return s.upsert(ctx, key, value, nil)
	}
	expiresAt := time.Now().Add(ttl).UTC()
	return s.upsert(ctx, key, value, &expiresAt)
}

func (s *PostgresStore[T]) upsert(ctx context.Context, key string, value T, expiresAt *time.Time) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", s.namespace, key, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO kv_objects (namespace, key, value, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (namespace, key)
		DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at, updated_at = now()
	`, s.namespace, key, raw, expiresAt)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// Take deletes the row and returns its value. The row lock taken by DELETE
// lets only one concurrent caller see it.
func (s *PostgresStore[T]) Take(ctx context.Context, key string) (T, error) {
	var zero T
	var raw []byte
	var live bool
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM kv_objects
		WHERE namespace = $1 AND key = $2
		RETURNING value, (expires_at IS NULL OR expires_at > now())
	`, s.namespace, key).Scan(&raw, &live)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, ErrNotFound
		}
		return zero, fmt.Errorf("take %s/%s: %w", s.namespace, key, err)
	}
	if !live {
		return zero, ErrNotFound
	}

	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, fmt.Errorf("decode %s/%s: %w", s.namespace, key, err)
	}
	return v, nil
}

// Delete removes key
func (s *PostgresStore[T]) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM kv_objects WHERE namespace = $1 AND key = $2`, s.namespace, key)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", s.namespace, key, err)
	}
	return nil
}

// PurgeExpired deletes rows past their deadline in every namespace
func PurgeExpired(ctx context.Context, db *sql.DB) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM kv_objects WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("purge expired objects: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
