package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestJWT(t *testing.T) (*JWTService, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Now().Truncate(time.Second)}
	denylist := repo.NewMemoryStore[bool](repo.WithClock(clock.Now))
	t.Cleanup(func() { _ = denylist.Close() })
	s := NewJWTService(testSecret, "", time.Hour, denylist)
	s.now = clock.Now
	return s, clock
}

func TestJWTService_SignVerify(t *testing.T) {
	s, _ := newTestJWT(t)
	user := model.User{ID: "u-1", Email: "ann@example.com", Role: "editor"}

	token, err := s.Sign(user.ID, RoleClaims(user), 0)
	require.NoError(t, err)

	claims, err := s.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "u-1", claims.Subject)
	assert.NotEmpty(t, claims.ID)
	assert.Equal(t, time.Hour, claims.ExpiresAt.Sub(claims.IssuedAt))
	assert.Equal(t, "editor", claims.Custom["x-hasura-default-role"])
	assert.Equal(t, "u-1", claims.Custom["x-hasura-user-id"])
	assert.Equal(t, []any{"editor"}, claims.Custom["x-hasura-allowed-roles"])
}

func TestJWTService_Expired(t *testing.T) {
	s, clock := newTestJWT(t)

	token, err := s.Sign("u-1", nil, time.Minute)
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	_, err = s.Verify(context.Background(), token)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestJWTService_WrongSecret(t *testing.T) {
	s, _ := newTestJWT(t)
	other := NewJWTService("ffffffffffffffffffffffffffffffff", "", time.Hour, nil)

	token, err := other.Sign("u-1", nil, 0)
	require.NoError(t, err)

	_, err = s.Verify(context.Background(), token)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestJWTService_RejectsNoneAndMissingExpiry(t *testing.T) {
	s, _ := newTestJWT(t)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u-1", "exp": time.Now().Add(time.Hour).Unix()})
	noneToken, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = s.Verify(context.Background(), noneToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	noExp := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "u-1"})
	noExpToken, err := noExp.SignedString([]byte(testSecret))
	require.NoError(t, err)
	_, err = s.Verify(context.Background(), noExpToken)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)
}

func TestJWTService_Revoke(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestJWT(t)

	token, err := s.Sign("u-1", nil, 0)
	require.NoError(t, err)
	claims, err := s.Verify(ctx, token)
	require.NoError(t, err)

	require.NoError(t, s.Revoke(ctx, claims))

	_, err = s.Verify(ctx, token)
	assert.ErrorIs(t, err, autherr.ErrInvalidToken)

	fresh, err := s.Sign("u-1", nil, 0)
	require.NoError(t, err)
	_, err = s.Verify(ctx, fresh)
	assert.NoError(t, err, "revocation is per token id")
}

func TestJWTService_CustomNamespace(t *testing.T) {
	s := NewJWTService(testSecret, "https://example.com/claims", 0, nil)

	token, err := s.Sign("u-1", map[string]any{"tier": "gold"}, 0)
	require.NoError(t, err)

	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	require.NoError(t, err)
	mc := parsed.Claims.(jwt.MapClaims)
	assert.Contains(t, mc, "https://example.com/claims")

	claims, err := s.Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "gold", claims.Custom["tier"])
	assert.WithinDuration(t, time.Now().Add(defaultSessionTTL), claims.ExpiresAt, 5*time.Second)
}
