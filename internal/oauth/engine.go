package oauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/autherr"
	"github.com/keyhold/server/internal/metrics"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/repo"
)

const (
	tokenTypeBearer = "Bearer"

	accessKeyPrefix  = "access:"
	refreshKeyPrefix = "refresh:"

	// Token type hints for revocation (RFC 7009)
	HintAccessToken  = "access_token"
	HintRefreshToken = "refresh_token"
)

// Config holds the grant lifetimes
type Config struct {
	CodeTTL         time.Duration
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// AuthorizeRequest is the query of GET /authorize
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizeGrant is a validated authorization request awaiting user consent
type AuthorizeGrant struct {
	Client      model.OAuthClient
	RedirectURI string
	// BoundRedirectURI is the redirect_uri the client sent, which the token
	// request must repeat. Empty when the registered default was used.
	BoundRedirectURI    string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// TokenRequest is the form of POST /token
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
	Client       ClientCredentials
}

// Introspection is the RFC 7662 response
type Introspection struct {
	Active    bool   `json:"active"`
	ClientID  string `json:"client_id,omitempty"`
	Subject   string `json:"sub,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	TokenType string `json:"token_type,omitempty"`
}

// Engine runs the authorization code and refresh token grants. Codes and
// tokens are stored under the SHA-256 of their value.
type Engine struct {
	clients repo.ObjectStore[model.OAuthClient]
	codes   repo.ExpiringStore[model.AuthorizationCode]
	tokens  repo.ExpiringStore[model.Token]
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates a grant engine. m may be nil.
func NewEngine(
	clients repo.ObjectStore[model.OAuthClient],
	codes repo.ExpiringStore[model.AuthorizationCode],
	tokens repo.ExpiringStore[model.Token],
	cfg Config,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		clients: clients,
		codes:   codes,
		tokens:  tokens,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
	}
}

// ValidateAuthorizeRequest checks an authorization request before the user is
// asked to approve it. Errors that carry a RedirectURI go back to the client.
func (e *Engine) ValidateAuthorizeRequest(ctx context.Context, req AuthorizeRequest) (*AuthorizeGrant, error) {
	client, err := e.lookupClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}

	redirectURI := req.RedirectURI
	switch {
	case redirectURI != "":
		if !slices.Contains(client.RedirectURIs, redirectURI) {
			return nil, invalidRequest("redirect_uri is not registered for this client")
		}
	case len(client.RedirectURIs) == 1:
		redirectURI = client.RedirectURIs[0]
	default:
		return nil, invalidRequest("redirect_uri is required")
	}

	if req.ResponseType != "code" {
		return nil, newError(CodeUnsupportedResponseType, "response_type must be code", http.StatusBadRequest).withRedirect(redirectURI, req.State)
	}
	if !client.AllowsGrant(model.GrantAuthorizationCode) {
		return nil, unauthorizedClient("client may not use the authorization code grant").withRedirect(redirectURI, req.State)
	}

	scopes := parseScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = slices.Clone(client.Scopes)
	} else if !subsetOf(scopes, client.Scopes) {
		return nil, invalidScope("requested scope exceeds client scope").withRedirect(redirectURI, req.State)
	}

	method, perr := normalizeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
	if perr != nil {
		return nil, perr.withRedirect(redirectURI, req.State)
	}

	return &AuthorizeGrant{
		Client:              client,
		RedirectURI:         redirectURI,
		BoundRedirectURI:    req.RedirectURI,
		Scopes:              scopes,
		State:               req.State,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: method,
	}, nil
}

// IssueCode stores a one-time code for userID and returns the client redirect
func (e *Engine) IssueCode(ctx context.Context, grant *AuthorizeGrant, userID string) (string, error) {
	code, codeHash, err := auth.GenerateOpaqueToken()
	if err != nil {
		return "", err
	}

	ac := model.AuthorizationCode{
		Code:                codeHash,
		ExpiresAt:           e.now().Add(e.cfg.CodeTTL).UTC(),
		ClientID:            grant.Client.ID,
		UserID:              userID,
		Scopes:              grant.Scopes,
		RedirectURI:         grant.BoundRedirectURI,
		CodeChallenge:       grant.CodeChallenge,
		CodeChallengeMethod: grant.CodeChallengeMethod,
	}
	if err := e.codes.PutWithTTL(ctx, codeHash, ac, e.cfg.CodeTTL); err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	q := url.Values{}
	q.Set("code", code)
	if grant.State != "" {
		q.Set("state", grant.State)
	}
	return appendQuery(grant.RedirectURI, q), nil
}

// DenyAuthorization returns the access_denied redirect for a refused grant
func (e *Engine) DenyAuthorization(grant *AuthorizeGrant) string {
	return newError(CodeAccessDenied, "the user denied the request", http.StatusForbidden).
		withRedirect(grant.RedirectURI, grant.State).RedirectURL()
}

// LoginRequired returns the error used when /authorize has no signed-in user
func LoginRequired(grant *AuthorizeGrant) *Error {
	return newError(CodeLoginRequired, "user authentication is required", http.StatusUnauthorized).
		withRedirect(grant.RedirectURI, grant.State)
}

// RevokeCode expires a code so it can no longer be redeemed
func (e *Engine) RevokeCode(ctx context.Context, code string) error {
	key := auth.HashToken(code)
	ac, err := e.codes.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to get authorization code: %w", err)
	}
	ac.Revoke()
	if err := e.codes.PutWithTTL(ctx, key, ac, e.cfg.CodeTTL); err != nil {
		return fmt.Errorf("failed to revoke authorization code: %w", err)
	}
	return nil
}

// Exchange authenticates the client and runs the requested grant
func (e *Engine) Exchange(ctx context.Context, req TokenRequest) (*model.TokenPair, error) {
	client, err := e.AuthenticateClient(ctx, req.Client)
	if err != nil {
		return nil, err
	}

	switch req.GrantType {
	case model.GrantAuthorizationCode:
		return e.exchangeCode(ctx, client, req)
	case model.GrantRefreshToken:
		return e.exchangeRefresh(ctx, client, req)
	case "":
		return nil, invalidRequest("grant_type is required")
	default:
		return nil, newError(CodeUnsupportedGrantType, "grant_type is not supported", http.StatusBadRequest)
	}
}

func (e *Engine) exchangeCode(ctx context.Context, client model.OAuthClient, req TokenRequest) (*model.TokenPair, error) {
	if !client.AllowsGrant(model.GrantAuthorizationCode) {
		return nil, unauthorizedClient("client may not use the authorization code grant")
	}
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	key := auth.HashToken(req.Code)
	ac, err := e.codes.Get(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalidGrant("authorization code is invalid")
		}
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if ac.IsExpired(e.now()) {
		return nil, invalidGrant("authorization code is invalid")
	}
	if ac.ClientID != client.ID {
		// a code presented by the wrong client is treated as leaked
		if err := e.RevokeCode(ctx, req.Code); err != nil {
			e.logger.Error("failed to revoke leaked code", zap.String("client_id", client.ID), zap.Error(err))
		}
		return nil, invalidGrant("authorization code is invalid")
	}
	if ac.RedirectURI != "" && req.RedirectURI != ac.RedirectURI {
		return nil, invalidGrant("redirect_uri does not match the authorization request")
	}
	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, invalidRequest("code_verifier is required")
		}
		if !verifyPKCE(ac.CodeChallengeMethod, ac.CodeChallenge, req.CodeVerifier) {
			return nil, invalidGrant("code_verifier does not match the challenge")
		}
	}

	// Take is the redemption point; concurrent exchanges of one code see
	// ErrNotFound here and only the winner mints tokens
	ac, err = e.codes.Take(ctx, key)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalidGrant("authorization code is invalid")
		}
		return nil, fmt.Errorf("failed to redeem authorization code: %w", err)
	}
	if ac.IsExpired(e.now()) {
		return nil, invalidGrant("authorization code is invalid")
	}
	return e.mint(ctx, client, ac.UserID, ac.Scopes, model.GrantAuthorizationCode)
}

func (e *Engine) exchangeRefresh(ctx context.Context, client model.OAuthClient, req TokenRequest) (*model.TokenPair, error) {
	if !client.AllowsGrant(model.GrantRefreshToken) {
		return nil, unauthorizedClient("client may not use the refresh token grant")
	}
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	refreshKey := refreshKeyPrefix + auth.HashToken(req.RefreshToken)
	rec, err := e.tokens.Get(ctx, refreshKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalidGrant("refresh token is invalid")
		}
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if rec.Revoked || rec.RefreshExpired(e.now()) || rec.ClientID != client.ID {
		return nil, invalidGrant("refresh token is invalid")
	}

	scopes := rec.Scopes
	if requested := parseScopes(req.Scope); len(requested) > 0 {
		if !subsetOf(requested, rec.Scopes) {
			return nil, invalidScope("requested scope exceeds the original grant")
		}
		scopes = requested
	}

	rec, err = e.tokens.Take(ctx, refreshKey)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, invalidGrant("refresh token is invalid")
		}
		return nil, fmt.Errorf("failed to redeem refresh token: %w", err)
	}
	if rec.Revoked || rec.RefreshExpired(e.now()) {
		return nil, invalidGrant("refresh token is invalid")
	}
	if err := e.tokens.Delete(ctx, accessKeyPrefix+rec.AccessTokenHash); err != nil {
		return nil, fmt.Errorf("failed to delete access token: %w", err)
	}
	return e.mint(ctx, client, rec.UserID, scopes, model.GrantRefreshToken)
}

func (e *Engine) mint(ctx context.Context, client model.OAuthClient, userID string, scopes []string, grant string) (*model.TokenPair, error) {
	now := e.now()
	access, accessHash, err := auth.GenerateOpaqueToken()
	if err != nil {
		return nil, err
	}

	rec := model.Token{
		AccessTokenHash:      accessHash,
		AccessTokenExpiresAt: now.Add(e.cfg.AccessTokenTTL).UTC(),
		ClientID:             client.ID,
		UserID:               userID,
		Scopes:               scopes,
		IssuedAt:             now.UTC(),
	}
	pair := &model.TokenPair{
		AccessToken: access,
		TokenType:   tokenTypeBearer,
		ExpiresIn:   int64(e.cfg.AccessTokenTTL / time.Second),
		Scope:       joinScopes(scopes),
	}

	if client.AllowsGrant(model.GrantRefreshToken) {
		refresh, refreshHash, err := auth.GenerateOpaqueToken()
		if err != nil {
			return nil, err
		}
		rec.RefreshTokenHash = refreshHash
		rec.RefreshTokenExpiresAt = now.Add(e.cfg.RefreshTokenTTL).UTC()
		pair.RefreshToken = refresh
	}

	if err := e.tokens.PutWithTTL(ctx, accessKeyPrefix+accessHash, rec, e.cfg.AccessTokenTTL); err != nil {
		return nil, fmt.Errorf("failed to store access token: %w", err)
	}
	if rec.RefreshTokenHash != "" {
		if err := e.tokens.PutWithTTL(ctx, refreshKeyPrefix+rec.RefreshTokenHash, rec, e.cfg.RefreshTokenTTL); err != nil {
			return nil, fmt.Errorf("failed to store refresh token: %w", err)
		}
	}

	if e.metrics != nil {
		e.metrics.TokensIssued.WithLabelValues(grant).Inc()
	}
	e.logger.Info("issued oauth token",
		zap.String("client_id", client.ID),
		zap.String("user_id", userID),
		zap.String("grant_type", grant),
	)
	return pair, nil
}

func (e *Engine) deleteToken(ctx context.Context, rec model.Token) error {
	if err := e.tokens.Delete(ctx, accessKeyPrefix+rec.AccessTokenHash); err != nil {
		return fmt.Errorf("failed to delete access token: %w", err)
	}
	if rec.RefreshTokenHash != "" {
		if err := e.tokens.Delete(ctx, refreshKeyPrefix+rec.RefreshTokenHash); err != nil {
			return fmt.Errorf("failed to delete refresh token: %w", err)
		}
	}
	return nil
}

// findToken looks token up as an access token, a refresh token or both,
// honouring hint for the lookup order.
func (e *Engine) findToken(ctx context.Context, token, hint string) (model.Token, bool, error) {
	hash := auth.HashToken(token)
	prefixes := []string{accessKeyPrefix, refreshKeyPrefix}
	if hint == HintRefreshToken {
		prefixes = []string{refreshKeyPrefix, accessKeyPrefix}
	}
	for _, p := range prefixes {
		rec, err := e.tokens.Get(ctx, p+hash)
		switch {
		case err == nil:
			return rec, true, nil
		case !errors.Is(err, repo.ErrNotFound):
			return model.Token{}, false, fmt.Errorf("failed to get token: %w", err)
		}
	}
	return model.Token{}, false, nil
}

// RevokeToken implements RFC 7009. Unknown tokens and tokens of other clients
// are ignored so the response never reveals them.
func (e *Engine) RevokeToken(ctx context.Context, creds ClientCredentials, token, hint string) error {
	client, err := e.AuthenticateClient(ctx, creds)
	if err != nil {
		return err
	}
	if token == "" {
		return invalidRequest("token is required")
	}

	rec, found, err := e.findToken(ctx, token, hint)
	if err != nil {
		return err
	}
	if !found || rec.ClientID != client.ID {
		return nil
	}
	return e.deleteToken(ctx, rec)
}

// Introspect reports whether token is a live access token (RFC 7662)
func (e *Engine) Introspect(ctx context.Context, token string) (Introspection, error) {
	rec, err := e.ValidateAccessToken(ctx, token)
	if err != nil {
		if errors.Is(err, autherr.ErrInvalidToken) {
			return Introspection{Active: false}, nil
		}
		return Introspection{}, err
	}
	return Introspection{
		Active:    true,
		ClientID:  rec.ClientID,
		Subject:   rec.UserID,
		Scope:     joinScopes(rec.Scopes),
		ExpiresAt: rec.AccessTokenExpiresAt.Unix(),
		TokenType: tokenTypeBearer,
	}, nil
}

// ValidateAccessToken returns the record of a live access token or an
// InvalidToken error.
func (e *Engine) ValidateAccessToken(ctx context.Context, token string) (model.Token, error) {
	if token == "" {
		return model.Token{}, autherr.InvalidToken(errors.New("empty access token"))
	}
	rec, err := e.tokens.Get(ctx, accessKeyPrefix+auth.HashToken(token))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.Token{}, autherr.InvalidToken(errors.New("unknown access token"))
		}
		return model.Token{}, fmt.Errorf("failed to get access token: %w", err)
	}
	if rec.Revoked || rec.AccessExpired(e.now()) {
		return model.Token{}, autherr.InvalidToken(errors.New("access token expired or revoked"))
	}
	return rec, nil
}
