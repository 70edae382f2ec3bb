// Package app assembles the service from configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/keyhold/server/internal/auth"
	"github.com/keyhold/server/internal/config"
	"github.com/keyhold/server/internal/db"
	"github.com/keyhold/server/internal/directory"
	httphandler "github.com/keyhold/server/internal/http"
	"github.com/keyhold/server/internal/http/handlers"
	"github.com/keyhold/server/internal/metrics"
	"github.com/keyhold/server/internal/middleware"
	"github.com/keyhold/server/internal/model"
	"github.com/keyhold/server/internal/notify"
	"github.com/keyhold/server/internal/oauth"
	"github.com/keyhold/server/internal/repo"
)

const (
	productName        = "Keyhold"
	purgeInterval      = 10 * time.Minute
	directoryNamespace = "users"
)

// Options override collaborators that would otherwise be built from config
type Options struct {
	Notifier  notify.Notifier
	Directory directory.Directory
}

// App is a fully wired service
type App struct {
	Handler  http.Handler
	Identity *auth.IdentityService
	OAuth    *oauth.Engine
	JWT      *auth.JWTService
	Metrics  *metrics.Metrics

	backend *repo.Backend
	db      *sql.DB
	redis   redis.UniversalClient
	limiter *middleware.RateLimiter
	cancel  context.CancelFunc
	logger  *zap.Logger
}

type stores struct {
	credentials repo.ExpiringStore[model.Credential]
	tickets     repo.ExpiringStore[model.VerifyTicket]
	denylist    repo.ExpiringStore[bool]
	users       repo.ExpiringStore[model.User]
	clients     repo.ExpiringStore[model.OAuthClient]
	codes       repo.ExpiringStore[model.AuthorizationCode]
	tokens      repo.ExpiringStore[model.Token]
}

// New opens the configured backend and wires every component
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts Options) (*App, error) {
	a := &App{logger: logger, Metrics: metrics.New()}

	backend, err := a.openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.backend = backend

	s, err := openStores(backend)
	if err != nil {
		a.Close()
		return nil, err
	}

	if err := a.wire(ctx, cfg, s, opts); err != nil {
		a.Close()
		return nil, err
	}

	if a.db != nil {
		bg, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		go a.purgeLoop(bg)
	}
	return a, nil
}

func (a *App) openBackend(ctx context.Context, cfg *config.Config) (*repo.Backend, error) {
	switch cfg.StoreBackend {
	case repo.BackendPostgres:
		database, err := db.Open(ctx, cfg.DatabaseURL, a.logger)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(database); err != nil {
			database.Close()
			return nil, err
		}
		a.db = database
		return repo.NewPostgresBackend(database), nil
	case repo.BackendRedis:
		client, err := repo.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return repo.NewRedisBackend(client, cfg.RedisKeyPrefix), nil
	default:
		return repo.NewMemoryBackend(), nil
	}
}

func openStores(b *repo.Backend) (*stores, error) {
	var (
		s   stores
		err error
	)
	if s.credentials, err = repo.NewStore[model.Credential](b, "credentials"); err != nil {
		return nil, err
	}
	if s.tickets, err = repo.NewStore[model.VerifyTicket](b, "tickets"); err != nil {
		return nil, err
	}
	if s.denylist, err = repo.NewStore[bool](b, "session_denylist"); err != nil {
		return nil, err
	}
	if s.users, err = repo.NewStore[model.User](b, directoryNamespace); err != nil {
		return nil, err
	}
	if s.clients, err = repo.NewStore[model.OAuthClient](b, "oauth_clients"); err != nil {
		return nil, err
	}
	if s.codes, err = repo.NewStore[model.AuthorizationCode](b, "oauth_codes"); err != nil {
		return nil, err
	}
	if s.tokens, err = repo.NewStore[model.Token](b, "oauth_tokens"); err != nil {
		return nil, err
	}
	return &s, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config, s *stores, opts Options) error {
	dir := opts.Directory
	if dir == nil {
		switch cfg.DirectoryMode {
		case config.DirectoryHasura:
			dir = directory.NewHasura(cfg.HasuraEndpoint, cfg.HasuraAdminSecret, nil)
		default:
			dir = directory.NewLocal(s.users)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		switch cfg.Notifier {
		case config.NotifierAWS:
			n, err := notify.NewAWSNotifier(ctx, cfg.AWSRegion, cfg.EmailFrom, cfg.SMSSenderID)
			if err != nil {
				return err
			}
			notifier = n
		default:
			notifier = notify.NewLogNotifier(a.logger)
		}
	}

	a.JWT = auth.NewJWTService(cfg.JWTSecret, cfg.JWTClaimsNamespace, cfg.SessionTokenTTL, s.denylist)
	a.Identity = auth.NewIdentityService(auth.IdentityDeps{
		Credentials: s.credentials,
		Directory:   dir,
		Tickets:     auth.NewTicketEngine(s.tickets, a.Metrics),
		Hasher:      auth.NewPasswordHasher(cfg.BcryptCost),
		Policy:      auth.PasswordPolicy{MinLength: cfg.PasswordMinLength},
		JWT:         a.JWT,
		Notifier:    notifier,
		Logger:      a.logger,
		Metrics:     a.Metrics,
	}, auth.IdentityConfig{
		PublicBaseURL:    cfg.PublicBaseURL,
		EmailVerifyTTL:   cfg.EmailVerifyTTL,
		PasswordResetTTL: cfg.PasswordResetTTL,
		MobileVerifyTTL:  cfg.MobileVerifyTTL,
		SMSSender:        cfg.SMSSenderID,
		Templates:        notify.Templates{Product: productName},
	})

	if err := oauth.SeedClients(ctx, s.clients, cfg.OAuthClients); err != nil {
		return fmt.Errorf("failed to seed oauth clients: %w", err)
	}
	a.OAuth = oauth.NewEngine(s.clients, s.codes, s.tokens, oauth.Config{
		CodeTTL:         cfg.OAuthCodeTTL,
		AccessTokenTTL:  cfg.OAuthAccessTokenTTL,
		RefreshTokenTTL: cfg.OAuthRefreshTokenTTL,
	}, a.logger, a.Metrics)

	a.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMinute)

	var admin *handlers.AdminHandler
	if cfg.AdminEnabled() {
		admin = handlers.NewAdminHandler(a.Identity, cfg.AdminSecret, a.logger)
	}

	a.Handler = httphandler.NewRouter(httphandler.RouterDeps{
		Auth:          handlers.NewAuthHandler(a.Identity, a.JWT, a.logger, cfg.PasswordMinLength),
		OAuth:         handlers.NewOAuthHandler(a.OAuth, a.Identity, a.logger),
		Admin:         admin,
		Authenticator: middleware.NewAuthenticator(a.JWT, a.OAuth, a.Identity),
		Limiter:       a.limiter,
		Logger:        a.logger,
		Metrics:       a.Metrics,
	})

	a.logger.Info("service wired",
		zap.String("store_backend", cfg.StoreBackend),
		zap.String("directory", cfg.DirectoryMode),
		zap.String("notifier", cfg.Notifier),
		zap.Int("oauth_clients", len(cfg.OAuthClients)),
		zap.Bool("admin", admin != nil),
	)
	return nil
}

// purgeLoop deletes expired rows; the postgres backend filters them on read
// but never removes them itself.
func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.PurgeExpired(ctx, a.db)
			if err != nil {
				a.logger.Warn("purge of expired objects failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Debug("purged expired objects", zap.Int64("rows", n))
			}
		}
	}
}

// Close stops background work and releases connections
func (a *App) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.limiter != nil {
		a.limiter.Close()
	}
	if a.backend != nil {
		_ = a.backend.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
