// Package tests holds the end-to-end suites that drive the wired HTTP service.
package tests

import (
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/keyhold/server/internal/config"
	"github.com/keyhold/server/internal/model"
)

const (
	TestJWTSecret = "test-jwt-secret-at-least-32-characters-long"
	TestAdminKey  = "test-admin-secret"

	// Public single-page client using PKCE
	SPAClientID    = "spa"
	SPARedirectURI = "https://app.example.com/callback"

	// Confidential backend client allowed to introspect
	BackendClientID     = "backend"
	BackendClientSecret = "backend-client-secret"
	BackendRedirectURI  = "https://api.example.com/callback"

	// Rate limit large enough that flows never hit it
	unlimitedPerMinute = 600000
)

// NewConfig returns a valid configuration for the given store backend. dsn is
// the DATABASE_URL or REDIS_URL the backend needs, ignored for memory.
func NewConfig(storeBackend, dsn string) *config.Config {
	cfg := &config.Config{
		Port:               "0",
		PublicBaseURL:      "http://keyhold.test",
		DevMode:            true,
		LogLevel:           "debug",
		StoreBackend:       storeBackend,
		RedisKeyPrefix:     "keyhold-test:",
		JWTSecret:          TestJWTSecret,
		JWTClaimsNamespace: "https://hasura.io/jwt/claims",
		SessionTokenTTL:    time.Hour,
		PasswordMinLength:  10,
		BcryptCost:         bcrypt.MinCost,
		EmailVerifyTTL:     24 * time.Hour,
		PasswordResetTTL:   24 * time.Hour,
		MobileVerifyTTL:    15 * time.Minute,
		DirectoryMode:      config.DirectoryLocal,
		Notifier:           config.NotifierLog,
		SMSSenderID:        "Keyhold",
		OAuthClients: config.OAuthClients{
			{
				ID:           SPAClientID,
				RedirectURIs: []string{SPARedirectURI},
				GrantTypes:   []string{model.GrantAuthorizationCode, model.GrantRefreshToken},
				Scopes:       []string{"openid", "profile"},
			},
			{
				ID:           BackendClientID,
				Secret:       BackendClientSecret,
				RedirectURIs: []string{BackendRedirectURI},
				GrantTypes:   []string{model.GrantAuthorizationCode},
				Scopes:       []string{"openid"},
			},
		},
		OAuthCodeTTL:         10 * time.Minute,
		OAuthAccessTokenTTL:  2 * time.Hour,
		OAuthRefreshTokenTTL: 2 * time.Hour,
		AdminSecret:          TestAdminKey,
		RateLimitPerMinute:   unlimitedPerMinute,
	}
	switch storeBackend {
	case "postgres":
		cfg.DatabaseURL = dsn
	case "redis":
		cfg.RedisURL = dsn
	}
	return cfg
}
