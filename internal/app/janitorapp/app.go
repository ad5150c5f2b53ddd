package janitorapp

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/app/bootstrap"
	"github.com/celestya/backend/internal/config"
	"github.com/celestya/backend/internal/jobs/pruning"
	pgrepo "github.com/celestya/backend/internal/repo/postgres"
)

// App runs the periodic session sweep as its own process. Several copies may
// run at once; the redis sweep lock keeps one active per interval.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	postgres *pgxpool.Pool
	redis    *goredis.Client
	janitor  *pruning.Janitor
}

func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return nil, fmt.Errorf("janitor needs postgres: dsn is empty")
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("init postgres for janitor app: %w", err)
	}
	if err := pgrepo.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate schema for janitor app: %w", err)
	}

	redisClient := bootstrap.OpenRedis(ctx, cfg.Redis, logger)
	if redisClient == nil {
		logger.Warn("janitor running without sweep lock, run a single instance")
	}

	ledger := pgrepo.NewRefreshTokenRepo(pool, cfg.Postgres.TxTimeout)

	return &App{
		cfg:      cfg,
		logger:   logger,
		postgres: pool,
		redis:    redisClient,
		janitor:  bootstrap.NewJanitor(ledger, redisClient, cfg.Pruning, logger),
	}, nil
}

func (a *App) Run(ctx context.Context) error {
	a.logger.Info("session janitor started",
		zap.Duration("interval", a.cfg.Pruning.Interval),
		zap.Duration("retention", a.cfg.Pruning.Retention),
		zap.Int("max_active_per_user", a.cfg.Pruning.MaxActivePerUser),
	)
	return a.janitor.RunSweeps(ctx)
}

func (a *App) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("close redis", zap.Error(err))
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
}
