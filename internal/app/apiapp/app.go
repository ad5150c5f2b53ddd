package apiapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/app/bootstrap"
	"github.com/celestya/backend/internal/config"
	"github.com/celestya/backend/internal/infra/mailer"
	"github.com/celestya/backend/internal/jobs/pruning"
	redrepo "github.com/celestya/backend/internal/repo/redis"
	accountssvc "github.com/celestya/backend/internal/services/accounts"
	authsvc "github.com/celestya/backend/internal/services/auth"
	ratesvc "github.com/celestya/backend/internal/services/rate"
	"github.com/celestya/backend/internal/transport/http/handlers"
)

type App struct {
	cfg        config.Config
	logger     *zap.Logger
	server     *http.Server
	storage    bootstrap.Storage
	redis      *goredis.Client
	janitor    *pruning.Janitor
	mail       mailer.Sender
	httpRouter http.Handler

	jobsCancel context.CancelFunc
	jobsWG     sync.WaitGroup
}

func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		return nil, fmt.Errorf("logger is nil")
	}

	storage, err := bootstrap.OpenStorage(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	redisClient := bootstrap.OpenRedis(ctx, cfg.Redis, log)

	jwtManager, err := authsvc.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL)
	if err != nil {
		storage.Close()
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, fmt.Errorf("init jwt manager: %w", err)
	}

	janitor := bootstrap.NewJanitor(storage.Ledger, redisClient, cfg.Pruning, log)
	var pruner authsvc.PruneTrigger
	if cfg.Pruning.Enabled {
		pruner = janitor
	}

	var limiter handlers.RateLimiter
	if redisClient != nil && cfg.RateLimit.Enabled {
		limiter = ratesvc.NewLimiter(
			redrepo.NewWindowRepo(redisClient),
			cfg.RateLimit.PerMinute,
			cfg.RateLimit.Per10Sec,
		)
	}

	authService := authsvc.NewService(authsvc.Dependencies{
		Tokens: jwtManager,
		Ledger: storage.Ledger,
		Users:  storage.Users,
		Pruner: pruner,
		Logger: log,
	}, authsvc.Config{
		RefreshTTL:         cfg.Auth.RefreshTTL,
		RefreshSecretBytes: cfg.Auth.RefreshSecretBytes,
		MaxInsertAttempts:  cfg.Auth.MaxInsertAttempts,
		RevokeChainOnReuse: cfg.Auth.RevokeChainOnReuse,
	})

	mailSender := mailer.New(cfg.Mail, log)
	accountService := accountssvc.NewService(accountssvc.Dependencies{
		Users:    storage.Users,
		Sessions: authService,
		Mailer:   mailSender,
		Logger:   log,
	}, accountssvc.Config{
		CodeTTL:       cfg.Verification.CodeTTL,
		LinkTTL:       cfg.Verification.LinkTTL,
		PublicBaseURL: cfg.Verification.PublicBaseURL,
	})

	r := chi.NewRouter()
	ApplyMiddlewares(r, log, cfg.CORS.AllowedOrigins, cfg.HTTP.TrustProxy)
	RegisterRoutes(r, Dependencies{
		AuthService:    authService,
		AccountService: accountService,
		RateLimiter:    limiter,
		Sweeper:        janitor,
		Logger:         log,
		Config:         cfg,
	})

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      r,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	return &App{
		cfg:        cfg,
		logger:     log,
		server:     server,
		storage:    storage,
		redis:      redisClient,
		janitor:    janitor,
		mail:       mailSender,
		httpRouter: r,
	}, nil
}

func (a *App) Run() error {
	a.startJobs()

	a.logger.Info("api server started", zap.String("addr", a.cfg.HTTP.Addr))
	err := a.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error

	if err := a.server.Shutdown(ctx); err != nil {
		shutdownErr = err
	}
	a.stopJobs()
	if err := a.mail.Close(ctx); err != nil && shutdownErr == nil {
		shutdownErr = err
	}
	a.storage.Close()
	if a.redis != nil {
		if err := a.redis.Close(); err != nil && shutdownErr == nil {
			shutdownErr = err
		}
	}

	return shutdownErr
}

func (a *App) Handler() http.Handler {
	return a.httpRouter
}

func (a *App) startJobs() {
	if !a.cfg.Pruning.Enabled || a.janitor == nil {
		a.logger.Info("session janitor disabled")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.jobsCancel = cancel
	a.jobsWG.Add(1)
	go func() {
		defer a.jobsWG.Done()
		if err := a.janitor.Run(ctx); err != nil {
			a.logger.Error("session janitor stopped", zap.Error(err))
		}
	}()
}

func (a *App) stopJobs() {
	if a.jobsCancel == nil {
		return
	}
	a.jobsCancel()
	a.jobsWG.Wait()
}
