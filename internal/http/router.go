package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/keyhold/server/internal/http/handlers"
	"github.com/keyhold/server/internal/metrics"
	"github.com/keyhold/server/internal/middleware"
)

// RouterDeps are the handlers and middleware the router mounts. Admin may be
// nil to leave /admin unmounted; Metrics may be nil to skip /metrics.
type RouterDeps struct {
	Auth          *handlers.AuthHandler
	OAuth         *handlers.OAuthHandler
	Admin         *handlers.AdminHandler
	Authenticator *middleware.Authenticator
	Limiter       *middleware.RateLimiter
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

// NewRouter creates a new HTTP router with all routes configured
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(d.Logger, d.Metrics))
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics.Handler())
	}

	// Email links point at /auth/...; API clients may use either prefix.
	mountAPI(r, d)
	r.Route("/auth", func(r chi.Router) {
		mountAPI(r, d)
	})

	if d.Admin != nil {
		r.Route("/admin", func(r chi.Router) {
			r.Use(d.Admin.RequireSecret)
			r.Get("/users/{id}", d.Admin.HandleGetUser)
			r.Post("/users", d.Admin.HandleCreateUser)
			r.Get("/user-by-email/{email}", d.Admin.HandleGetUserByEmail)
			r.Delete("/user-by-email/{email}", d.Admin.HandleDeleteUserByEmail)
			r.Post("/events", d.Admin.HandleEvent)
		})
	}

	return r
}

func mountAPI(r chi.Router, d RouterDeps) {
	limited := middleware.RateLimitMiddleware(d.Limiter, middleware.GetIPKey)

	r.Group(func(r chi.Router) {
		r.Use(limited)
		r.Post("/register", d.Auth.HandleRegister)
		r.Post("/login", d.Auth.HandleLogin)
		r.Post("/email-verify/request", d.Auth.HandleRequestEmailVerify)
		r.Post("/change-password/request", d.Auth.HandleRequestPasswordChange)
		r.Post("/token", d.OAuth.HandleToken)
		r.Post("/authorize", d.OAuth.HandleAuthorizeLogin)
	})

	r.Get("/email-verify/verify", d.Auth.HandleVerifyEmail)
	r.Get("/change-password", d.Auth.HandleChangePasswordForm)
	r.Post("/change-password/verify", d.Auth.HandleChangePassword)
	r.Post("/revoke", d.OAuth.HandleRevoke)
	r.Post("/introspect", d.OAuth.HandleIntrospect)

	r.With(d.Authenticator.Optional).Get("/authorize", d.OAuth.HandleAuthorize)

	// Protected routes (require a valid bearer token)
	r.Group(func(r chi.Router) {
		r.Use(d.Authenticator.Require)
		r.Get("/user-info", d.Auth.HandleUserInfo)
		r.Post("/logout", d.Auth.HandleLogout)
		r.With(limited).Post("/mobile-verify/request", d.Auth.HandleRequestMobileVerify)
		r.Post("/mobile-verify/verify", d.Auth.HandleVerifyMobile)
	})
}
