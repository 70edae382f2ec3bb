package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/model"
)

type contextKey string

const (
	userKey   contextKey = "user"
	claimsKey contextKey = "session_claims"
	oauthKey  contextKey = "oauth_token"
)

// SessionVerifier verifies session JWTs
type SessionVerifier interface {
	Verify(ctx context.Context, token string) (*auth.SessionClaims, error)
}

// AccessTokenValidator resolves OAuth2 access tokens
type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (model.Token, error)
}

// UserLoader loads the user a token was issued to
type UserLoader interface {
	GetUserByID(ctx context.Context, id string) (model.User, error)
}

// Authenticator resolves the bearer token of a request to a user
type Authenticator struct {
	sessions SessionVerifier
	access   AccessTokenValidator
	users    UserLoader
}

// NewAuthenticator creates an authenticator. access may be nil, in which case
// only session tokens are accepted.
func NewAuthenticator(sessions SessionVerifier, access AccessTokenValidator, users UserLoader) *Authenticator {
	return &Authenticator{sessions: sessions, access: access, users: users}
}

var errNoBearer = errors.New("missing authorization header")

// Require rejects requests without a valid bearer token and attaches the user
// to the request context.
func (a *Authenticator) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, err := a.authenticate(r)
		if err != nil {
			msg := "invalid or expired token"
			if errors.Is(err, errNoBearer) {
				msg = err.Error()
			} else if !errors.Is(err, autherr.ErrInvalidToken) && !errors.Is(err, autherr.ErrNotFound) {
				respondWithError(w, http.StatusInternalServerError, "internal server error")
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="keyhold"`)
			respondWithError(w, http.StatusUnauthorized, msg)
			return
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional attaches the user when a valid bearer token is present and passes
// every request through.
func (a *Authenticator) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ctx, err := a.authenticate(r); err == nil {
			r = r.WithContext(ctx)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *Authenticator) authenticate(r *http.Request) (context.Context, error) {
	token, err := bearerToken(r)
	if err != nil {
		return nil, err
	}
	ctx := r.Context()

	var userID string
	claims, err := a.sessions.Verify(ctx, token)
	switch {
	case err == nil:
		userID = claims.Subject
		ctx = context.WithValue(ctx, claimsKey, claims)
	case errors.Is(err, autherr.ErrInvalidToken) && a.access != nil:
		rec, aerr := a.access.ValidateAccessToken(ctx, token)
		if aerr != nil {
			return nil, aerr
		}
		userID = rec.UserID
		ctx = context.WithValue(ctx, oauthKey, &rec)
	default:
		return nil, err
	}

	user, err := a.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, userKey, &user), nil
}

func bearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", errNoBearer
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", autherr.InvalidToken(errors.New("invalid authorization header format"))
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", autherr.InvalidToken(errors.New("missing token"))
	}
	return token, nil
}

// GetUser returns the user attached to the request context
func GetUser(ctx context.Context) (*model.User, bool) {
	u, ok := ctx.Value(userKey).(*model.User)
	return u, ok
}

// GetSessionClaims returns the session claims when the request used a session token
func GetSessionClaims(ctx context.Context) (*auth.SessionClaims, bool) {
	c, ok := ctx.Value(claimsKey).(*auth.SessionClaims)
	return c, ok
}

// GetAccessToken returns the OAuth2 token record when the request used an access token
func GetAccessToken(ctx context.Context) (*model.Token, bool) {
	t, ok := ctx.Value(oauthKey).(*model.Token)
	return t, ok
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	response := map[string]string{"error": message}
	_ = json.NewEncoder(w).Encode(response)
}
