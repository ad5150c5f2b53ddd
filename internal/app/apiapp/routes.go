package apiapp

import (
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/config"
	accountssvc "github.com/celestya/backend/internal/services/accounts"
	authsvc "github.com/celestya/backend/internal/services/auth"
	"github.com/celestya/backend/internal/transport/http/handlers"
)

type Dependencies struct {
	AuthService    *authsvc.Service
	AccountService *accountssvc.Service
	RateLimiter    handlers.RateLimiter
	Sweeper        handlers.Sweeper
	Logger         *zap.Logger
	Config         config.Config
}

func RegisterRoutes(r chi.Router, deps Dependencies) {
	var throttle *handlers.Throttle
	if deps.RateLimiter != nil {
		throttle = handlers.NewThrottle(deps.RateLimiter, deps.Logger)
	}

	authHandler := handlers.NewAuthHandler(deps.AuthService, throttle)
	accountHandler := handlers.NewAccountHandler(deps.AccountService, throttle)
	adminHandler := handlers.NewAdminHandler(deps.AuthService, deps.Sweeper, deps.Logger)
	healthHandler := handlers.NewHealthHandler()
	authMW := AuthMiddleware(deps.AuthService, deps.Logger)
	adminMW := AdminTokenMiddleware(deps.Config.Admin.Token, deps.Logger)

	r.Get("/healthz", healthHandler.Get)

	r.Route("/v1/auth", func(r chi.Router) {
		r.Post("/register", accountHandler.Register)
		r.Post("/verify-email", accountHandler.VerifyEmail)
		r.Get("/verify-link", accountHandler.VerifyLink)
		r.Post("/resend-verification", accountHandler.ResendVerification)
		r.Post("/login", accountHandler.Login)
		r.Post("/refresh", authHandler.Refresh)
		r.Post("/logout", authHandler.Logout)
		r.With(authMW).Post("/logout-all", authHandler.LogoutAll)
		r.With(authMW).Get("/sessions", authHandler.Sessions)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(adminMW)
		r.Get("/sessions/stats", adminHandler.SessionStats)
		r.Post("/users/{id}/sessions/revoke", adminHandler.RevokeUserSessions)
		r.Post("/sessions/prune", adminHandler.Prune)
	})
}
