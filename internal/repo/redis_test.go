package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisStore[widget](client, "keyhold:", "widgets")

	_, err := s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Put(ctx, "a", widget{Name: "gear", Size: 3}))
	assert.True(t, mr.Exists("keyhold:widgets:a"))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, widget{Name: "gear", Size: 3}, got)

	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_Take(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisStore[widget](client, "keyhold:", "codes")

	require.NoError(t, s.PutWithTTL(ctx, "c", widget{Name: "gear"}, time.Minute))
	got, err := s.Take(ctx, "c")
	require.NoError(t, err)
	assert.Equal(t, "gear", got.Name)
	assert.False(t, mr.Exists("keyhold:codes:c"))

	_, err = s.Take(ctx, "c")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_PutWithTTL(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	s := NewRedisStore[string](client, "keyhold:", "tickets")

	require.NoError(t, s.PutWithTTL(ctx, "k", "v", 30*time.Second))
	assert.Equal(t, 30*time.Second, mr.TTL("keyhold:tickets:k"))

	mr.FastForward(31 * time.Second)
	_, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_NamespacesDoNotCollide(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	users := NewRedisStore[string](client, "keyhold:", "users")
	creds := NewRedisStore[string](client, "keyhold:", "credentials")

	require.NoError(t, users.Put(ctx, "k", "user"))
	_, err := creds.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewRedisClient_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), "redis://"+addr)
	assert.Error(t, err)
}

func TestNewStore_Redis(t *testing.T) {
	_, client := newTestRedis(t)
	s, err := NewStore[widget](NewRedisBackend(client, "keyhold:"), "widgets")
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), "x", widget{Name: "x"}))
}
