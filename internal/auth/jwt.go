package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

const (
	defaultSessionTTL      = 24 * time.Hour
	defaultClaimsNamespace = "https://hasura.io/jwt/claims"
)

// SessionClaims is the verified content of a session token
type SessionClaims struct {
	Subject   string
	ID        string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Custom    map[string]any
}

// JWTService signs and verifies HS256 session tokens and keeps a denylist of
// revoked token ids.
type JWTService struct {
	secret    []byte
	namespace string
	ttl       time.Duration
	denylist  repo.ExpiringStore[bool]
	now       func() time.Time
}

// NewJWTService creates a session token issuer. A zero ttl uses the 24h default
// and an empty namespace uses the Hasura claims namespace.
func NewJWTService(secret, namespace string, ttl time.Duration, denylist repo.ExpiringStore[bool]) *JWTService {
	if namespace == "" {
		namespace = defaultClaimsNamespace
	}
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	return &JWTService{
		secret:    []byte(secret),
		namespace: namespace,
		ttl:       ttl,
		denylist:  denylist,
		now:       time.Now,
	}
}

// Sign creates a token for subjectID carrying claims under the configured
// namespace. Tokens always expire; ttl <= 0 means the service default.
func (s *JWTService) Sign(subjectID string, claims map[string]any, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.ttl
	}
	now := s.now()
	mc := jwt.MapClaims{
		"sub": subjectID,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
		"jti": uuid.NewString(),
	}
	if len(claims) > 0 {
		mc[s.namespace] = claims
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, mc)
	tokenString, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}

// Verify parses and validates a token. Any failure, including a revoked jti,
// is an InvalidToken error.
func (s *JWTService) Verify(ctx context.Context, tokenString string) (*SessionClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, autherr.InvalidToken(fmt.Errorf("failed to parse token: %w", err))
	}

	mc, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, autherr.InvalidToken(errors.New("invalid token"))
	}

	claims, err := s.claimsFrom(mc)
	if err != nil {
		return nil, autherr.InvalidToken(err)
	}

	if s.denylist != nil && claims.ID != "" {
		_, err := s.denylist.Get(ctx, claims.ID)
		switch {
		case err == nil:
			return nil, autherr.InvalidToken(errors.New("token revoked"))
		case !errors.Is(err, repo.ErrNotFound):
			return nil, fmt.Errorf("failed to check token denylist: %w", err)
		}
	}
	return claims, nil
}

// Revoke denylists the token id until the token would have expired anyway
func (s *JWTService) Revoke(ctx context.Context, claims *SessionClaims) error {
	if s.denylist == nil {
		return fmt.Errorf("token revocation is not configured")
	}
	if claims.ID == "" {
		return autherr.InvalidToken(errors.New("token has no id"))
	}
	ttl := claims.ExpiresAt.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.denylist.PutWithTTL(ctx, claims.ID, true, ttl); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (s *JWTService) claimsFrom(mc jwt.MapClaims) (*SessionClaims, error) {
	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return nil, errors.New("token has no subject")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, errors.New("token has no expiry")
	}

	claims := &SessionClaims{Subject: sub, ExpiresAt: exp.Time}
	if iat, err := mc.GetIssuedAt(); err == nil && iat != nil {
		claims.IssuedAt = iat.Time
	}
	if jti, ok := mc["jti"].(string); ok {
		claims.ID = jti
	}
	if custom, ok := mc[s.namespace].(map[string]any); ok {
		claims.Custom = custom
	}
	return claims, nil
}

// RoleClaims returns the namespaced claims the data layer uses for row-level
// permissions.
func RoleClaims(user model.User) map[string]any {
	role := user.Role
	if role == "" {
		role = model.DefaultRole
	}
	return map[string]any{
		"x-hasura-allowed-roles": []string{role},
		"x-hasura-default-role":  role,
		"x-hasura-user-id":       user.ID,
	}
}
