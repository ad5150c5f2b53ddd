package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/celestya/backend/internal/config"
	"github.com/celestya/backend/internal/jobs/pruning"
	"github.com/celestya/backend/internal/repo/memory"
	pgrepo "github.com/celestya/backend/internal/repo/postgres"
	redrepo "github.com/celestya/backend/internal/repo/redis"
	accountssvc "github.com/celestya/backend/internal/services/accounts"
	authsvc "github.com/celestya/backend/internal/services/auth"
)

const redisPingTimeout = 3 * time.Second

// Ledger is the refresh token store as seen by both the rotation protocol and
// the janitor.
type Ledger interface {
	authsvc.Ledger
	pruning.Store
}

type Users interface {
	accountssvc.UserStore
	authsvc.UserDirectory
}

type Storage struct {
	Pool   *pgxpool.Pool
	Ledger Ledger
	Users  Users
}

func (s Storage) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// OpenStorage connects to postgres and applies the schema. Outside production
// a missing or unreachable database falls back to in-process stores.
func OpenStorage(ctx context.Context, cfg config.Config, log *zap.Logger) (Storage, error) {
	if strings.TrimSpace(cfg.Postgres.DSN) == "" {
		log.Warn("postgres dsn is empty, using in-memory stores")
		return memoryStorage(), nil
	}

	pool, err := pgrepo.NewPool(ctx, cfg.Postgres.DSN)
	if err == nil {
		if err = pgrepo.Migrate(ctx, pool); err != nil {
			pool.Close()
			err = fmt.Errorf("migrate schema: %w", err)
		}
	}
	if err != nil {
		if cfg.Env == config.EnvProduction {
			return Storage{}, fmt.Errorf("open postgres: %w", err)
		}
		log.Warn("postgres init failed, continuing in degraded mode with in-memory stores", zap.Error(err))
		return memoryStorage(), nil
	}

	return Storage{
		Pool:   pool,
		Ledger: pgrepo.NewRefreshTokenRepo(pool, cfg.Postgres.TxTimeout),
		Users:  pgrepo.NewUserRepo(pool),
	}, nil
}

func memoryStorage() Storage {
	return Storage{
		Ledger: memory.NewLedger(),
		Users:  memory.NewUsers(),
	}
}

// OpenRedis returns nil when redis is not configured or does not answer.
// Callers treat a nil client as "no shared coordination".
func OpenRedis(ctx context.Context, cfg config.RedisConfig, log *zap.Logger) *goredis.Client {
	client := redrepo.NewClient(cfg.Addr, cfg.Password, cfg.DB)
	if client == nil {
		log.Warn("redis addr is empty, rate limiting and janitor locks are off")
		return nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := redrepo.Ping(pingCtx, client); err != nil {
		log.Warn("redis ping failed, continuing in degraded mode", zap.Error(err))
		_ = client.Close()
		return nil
	}
	return client
}

// NewJanitor wires the janitor to the ledger and, when available, to redis for
// the sweep lock and owner cooldowns.
func NewJanitor(ledger pruning.Store, client *goredis.Client, cfg config.PruningConfig, log *zap.Logger) *pruning.Janitor {
	var coord pruning.Coordinator
	if client != nil {
		coord = redrepo.NewLockRepo(client)
	}

	return pruning.New(ledger, coord, pruning.Config{
		Interval:         cfg.Interval,
		Retention:        cfg.Retention,
		MaxActivePerUser: cfg.MaxActivePerUser,
		OwnerCooldown:    cfg.OwnerCooldown,
		QueueSize:        cfg.QueueSize,
		BatchSize:        cfg.BatchSize,
		LockTTL:          cfg.LockTTL,
	}, log)
}
