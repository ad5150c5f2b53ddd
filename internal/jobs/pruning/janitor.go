package pruning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const sweepLockName = "janitor:sweep"

type Store interface {
	DeleteStaleForOwner(ctx context.Context, ownerID int64, cutoff time.Time) (int64, error)
	RevokeExcessForOwner(ctx context.Context, ownerID int64, keep int, now time.Time) (int64, error)
	DeleteStale(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	OwnersOverCap(ctx context.Context, keep int, now time.Time) ([]int64, error)
}

// Coordinator shares janitor state between instances: the sweep leader lock
// and the per-owner cooldown.
type Coordinator interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error)
	MarkOwnerPruned(ctx context.Context, ownerID int64, cooldown time.Duration) (bool, error)
}

type Config struct {
	Interval         time.Duration
	Retention        time.Duration
	MaxActivePerUser int
	OwnerCooldown    time.Duration
	QueueSize        int
	BatchSize        int
	LockTTL          time.Duration
}

type Result struct {
	Deleted int64
	Revoked int64
}

type Janitor struct {
	store  Store
	coord  Coordinator
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	queue  chan int64

	mu         sync.Mutex
	lastPruned map[int64]time.Time
}

func New(store Store, coord Coordinator, cfg Config, logger *zap.Logger) *Janitor {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.MaxActivePerUser <= 0 {
		cfg.MaxActivePerUser = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Janitor{
		store:      store,
		coord:      coord,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
		queue:      make(chan int64, cfg.QueueSize),
		lastPruned: make(map[int64]time.Time),
	}
}

// Trigger asks for one owner to be pruned soon. It never blocks: when the
// queue is full the request is dropped and the next sweep covers the owner.
func (j *Janitor) Trigger(ownerID int64) {
	if ownerID <= 0 {
		return
	}
	select {
	case j.queue <- ownerID:
	default:
		j.logger.Debug("prune queue full, dropping trigger", zap.Int64("owner_id", ownerID))
	}
}

// PruneOwner deletes the owner's records that expired or were revoked before
// the retention window, then revokes the oldest active records above the cap.
func (j *Janitor) PruneOwner(ctx context.Context, ownerID int64) (Result, error) {
	if j.store == nil {
		return Result{}, fmt.Errorf("pruning store is nil")
	}
	if ownerID <= 0 {
		return Result{}, fmt.Errorf("invalid owner id")
	}

	now := j.now().UTC()
	deleted, err := j.store.DeleteStaleForOwner(ctx, ownerID, now.Add(-j.cfg.Retention))
	if err != nil {
		return Result{}, fmt.Errorf("delete stale sessions: %w", err)
	}

	revoked, err := j.store.RevokeExcessForOwner(ctx, ownerID, j.cfg.MaxActivePerUser, now)
	if err != nil {
		return Result{Deleted: deleted}, fmt.Errorf("revoke excess sessions: %w", err)
	}

	if deleted > 0 || revoked > 0 {
		j.logger.Info("owner sessions pruned",
			zap.Int64("owner_id", ownerID),
			zap.Int64("deleted", deleted),
			zap.Int64("revoked", revoked),
		)
	}
	return Result{Deleted: deleted, Revoked: revoked}, nil
}

// Sweep prunes the whole ledger. With a coordinator only the instance holding
// the leader lock does the work; the others return a zero result.
func (j *Janitor) Sweep(ctx context.Context) (Result, error) {
	if j.store == nil {
		return Result{}, fmt.Errorf("pruning store is nil")
	}

	if j.coord != nil {
		release, acquired, err := j.coord.Acquire(ctx, sweepLockName, j.cfg.LockTTL)
		switch {
		case err != nil:
			j.logger.Warn("sweep lock unavailable, sweeping without it", zap.Error(err))
		case !acquired:
			j.logger.Debug("sweep skipped, another instance holds the lock")
			return Result{}, nil
		default:
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					j.logger.Warn("release sweep lock", zap.Error(err))
				}
			}()
		}
	}

	started := j.now()
	now := started.UTC()
	cutoff := now.Add(-j.cfg.Retention)

	var result Result
	for {
		deleted, err := j.store.DeleteStale(ctx, cutoff, j.cfg.BatchSize)
		if err != nil {
			return result, fmt.Errorf("delete stale sessions: %w", err)
		}
		result.Deleted += deleted
		if deleted < int64(j.cfg.BatchSize) {
			break
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
	}

	owners, err := j.store.OwnersOverCap(ctx, j.cfg.MaxActivePerUser, now)
	if err != nil {
		return result, fmt.Errorf("list owners over cap: %w", err)
	}
	for _, ownerID := range owners {
		revoked, err := j.store.RevokeExcessForOwner(ctx, ownerID, j.cfg.MaxActivePerUser, now)
		if err != nil {
			return result, fmt.Errorf("revoke excess sessions for owner %d: %w", ownerID, err)
		}
		result.Revoked += revoked
	}

	j.logger.Info("session sweep completed",
		zap.Int64("deleted", result.Deleted),
		zap.Int64("revoked", result.Revoked),
		zap.Int("owners_over_cap", len(owners)),
		zap.Duration("took", j.now().Sub(started)),
	)
	return result, nil
}

// Run sweeps once, then on every interval, and prunes triggered owners in
// between. It returns when ctx is done.
func (j *Janitor) Run(ctx context.Context) error {
	j.sweepLogged(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweepLogged(ctx)
		case ownerID := <-j.queue:
			j.pruneTriggered(ctx, ownerID)
		}
	}
}

// RunSweeps is Run without the trigger queue, for a standalone janitor process.
func (j *Janitor) RunSweeps(ctx context.Context) error {
	j.sweepLogged(ctx)

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.sweepLogged(ctx)
		}
	}
}

func (j *Janitor) sweepLogged(ctx context.Context) {
	if _, err := j.Sweep(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("session sweep failed", zap.Error(err))
	}
}

func (j *Janitor) pruneTriggered(ctx context.Context, ownerID int64) {
	if !j.allowOwner(ctx, ownerID) {
		return
	}
	if _, err := j.PruneOwner(ctx, ownerID); err != nil && ctx.Err() == nil {
		j.logger.Warn("owner prune failed", zap.Error(err), zap.Int64("owner_id", ownerID))
	}
}

// allowOwner applies the per-owner cooldown, shared through the coordinator
// when there is one and kept in process otherwise.
func (j *Janitor) allowOwner(ctx context.Context, ownerID int64) bool {
	if j.cfg.OwnerCooldown <= 0 {
		return true
	}

	if j.coord != nil {
		ok, err := j.coord.MarkOwnerPruned(ctx, ownerID, j.cfg.OwnerCooldown)
		if err == nil {
			return ok
		}
		j.logger.Debug("shared prune cooldown unavailable", zap.Error(err))
	}

	now := j.now()
	j.mu.Lock()
	defer j.mu.Unlock()

	if last, ok := j.lastPruned[ownerID]; ok && now.Sub(last) < j.cfg.OwnerCooldown {
		return false
	}
	if len(j.lastPruned) >= 4*j.cfg.QueueSize {
		for id, at := range j.lastPruned {
			if now.Sub(at) >= j.cfg.OwnerCooldown {
				delete(j.lastPruned, id)
			}
		}
	}
	j.lastPruned[ownerID] = now
	return true
}
