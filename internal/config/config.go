package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"golang.org/x/crypto/bcrypt"

	"github.com/keyhold/server/internal/model"
)

// Directory modes
const (
	DirectoryLocal  = "local"
	DirectoryHasura = "hasura"
)

// Notifier kinds
const (
	NotifierLog = "log"
	NotifierAWS = "aws"
)

// Config holds the application configuration
type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:"http://localhost:8080"`
	DevMode       bool   `env:"DEV_MODE" envDefault:"false"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	StoreBackend   string `env:"STORE_BACKEND" envDefault:"memory"`
	DatabaseURL    string `env:"DATABASE_URL"`
	RedisURL       string `env:"REDIS_URL"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"keyhold:"`

	JWTSecret          string        `env:"JWT_SECRET"`
	JWTClaimsNamespace string        `env:"JWT_CLAIMS_NAMESPACE" envDefault:"https://hasura.io/jwt/claims"`
	SessionTokenTTL    time.Duration `env:"SESSION_TOKEN_TTL" envDefault:"24h"`

	PasswordMinLength int `env:"PASSWORD_MIN_LENGTH" envDefault:"10"`
	BcryptCost        int `env:"BCRYPT_COST" envDefault:"10"`

	EmailVerifyTTL   time.Duration `env:"EMAIL_VERIFY_TTL" envDefault:"24h"`
	PasswordResetTTL time.Duration `env:"PASSWORD_RESET_TTL" envDefault:"24h"`
	MobileVerifyTTL  time.Duration `env:"MOBILE_VERIFY_TTL" envDefault:"15m"`

	DirectoryMode     string `env:"DIRECTORY_MODE" envDefault:"local"`
	HasuraEndpoint    string `env:"HASURA_ENDPOINT"`
	HasuraAdminSecret string `env:"HASURA_ADMIN_SECRET"`

	Notifier    string `env:"NOTIFIER" envDefault:"log"`
	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`
	EmailFrom   string `env:"EMAIL_FROM" envDefault:"no-reply@localhost"`
	SMSSenderID string `env:"SMS_SENDER_ID" envDefault:"Keyhold"`

	OAuthClients         OAuthClients  `env:"OAUTH_CLIENTS"`
	OAuthCodeTTL         time.Duration `env:"OAUTH_CODE_TTL" envDefault:"10m"`
	OAuthAccessTokenTTL  time.Duration `env:"OAUTH_ACCESS_TOKEN_TTL" envDefault:"2h"`
	OAuthRefreshTokenTTL time.Duration `env:"OAUTH_REFRESH_TOKEN_TTL" envDefault:"2h"`

	AdminSecret        string `env:"ADMIN_SECRET"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"20"`
}

// OAuthClients decodes the OAUTH_CLIENTS JSON array
type OAuthClients []model.OAuthClient

// UnmarshalText implements encoding.TextUnmarshaler for env parsing
func (c *OAuthClients) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*c = nil
		return nil
	}
	var clients []model.OAuthClient
	if err := json.Unmarshal(text, &clients); err != nil {
		return fmt.Errorf("OAUTH_CLIENTS must be a JSON array of clients: %w", err)
	}
	*c = clients
	return nil
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required keys and value ranges
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET environment variable is required")
	}
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive")
	}

	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable is required for STORE_BACKEND=postgres")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL environment variable is required for STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, postgres, redis (got %q)", c.StoreBackend)
	}

	// in-memory state and logged tickets are for local development only
	if !c.DevMode {
		if c.StoreBackend == "memory" {
			return fmt.Errorf("STORE_BACKEND=memory requires DEV_MODE=true; use postgres or redis")
		}
		if c.Notifier == NotifierLog {
			return fmt.Errorf("NOTIFIER=log requires DEV_MODE=true; use aws")
		}
	}

	switch c.DirectoryMode {
	case DirectoryLocal:
	case DirectoryHasura:
		if c.HasuraEndpoint == "" {
			return fmt.Errorf("HASURA_ENDPOINT environment variable is required for DIRECTORY_MODE=hasura")
		}
	default:
		return fmt.Errorf("DIRECTORY_MODE must be local or hasura (got %q)", c.DirectoryMode)
	}

	switch c.Notifier {
	case NotifierLog, NotifierAWS:
	default:
		return fmt.Errorf("NOTIFIER must be log or aws (got %q)", c.Notifier)
	}

	if c.PasswordMinLength < 1 {
		return fmt.Errorf("PASSWORD_MIN_LENGTH must be at least 1")
	}
	if c.BcryptCost < bcrypt.MinCost || c.BcryptCost > bcrypt.MaxCost {
		return fmt.Errorf("BCRYPT_COST must be between %d and %d", bcrypt.MinCost, bcrypt.MaxCost)
	}

	for name, ttl := range map[string]time.Duration{
		"EMAIL_VERIFY_TTL":        c.EmailVerifyTTL,
		"PASSWORD_RESET_TTL":      c.PasswordResetTTL,
		"MOBILE_VERIFY_TTL":       c.MobileVerifyTTL,
		"OAUTH_ACCESS_TOKEN_TTL":  c.OAuthAccessTokenTTL,
		"OAUTH_REFRESH_TOKEN_TTL": c.OAuthRefreshTokenTTL,
	} {
		if ttl <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.OAuthCodeTTL < time.Minute || c.OAuthCodeTTL > 15*time.Minute {
		return fmt.Errorf("OAUTH_CODE_TTL must be between 1m and 15m")
	}

	for i, client := range c.OAuthClients {
		if client.ID == "" {
			return fmt.Errorf("OAUTH_CLIENTS[%d]: id is required", i)
		}
		if len(client.GrantTypes) == 0 {
			return fmt.Errorf("OAUTH_CLIENTS[%d]: at least one grant type is required", i)
		}
	}

	if c.RateLimitPerMinute < 1 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be at least 1")
	}
	return nil
}

// AdminEnabled reports whether the admin API is mounted
func (c *Config) AdminEnabled() bool {
	return c.AdminSecret != ""
}
