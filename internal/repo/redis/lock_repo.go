package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const (
	lockPrefix     = "lock:"
	cooldownPrefix = "prune_cooldown:"
)

// releaseScript deletes the lock only while it still holds our token.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type LockRepo struct {
	client *goredis.Client
}

func NewLockRepo(client *goredis.Client) *LockRepo {
	return &LockRepo{client: client}
}

// Acquire takes name for ttl. The returned release func is a no-op when the
// lock was not acquired.
func (r *LockRepo) Acquire(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	noop := func(context.Context) error { return nil }
	if r.client == nil {
		return noop, false, fmt.Errorf("redis client is nil")
	}
	if name == "" || ttl <= 0 {
		return noop, false, fmt.Errorf("invalid lock payload")
	}

	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, lockPrefix+name, token, ttl).Result()
	if err != nil {
		return noop, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return noop, false, nil
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, r.client, []string{lockPrefix + name}, token).Err(); err != nil && !errors.Is(err, goredis.Nil) {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}

// MarkOwnerPruned reports whether the owner may be pruned now. It returns
// false while a previous mark is still within cooldown.
func (r *LockRepo) MarkOwnerPruned(ctx context.Context, ownerID int64, cooldown time.Duration) (bool, error) {
	if r.client == nil {
		return false, fmt.Errorf("redis client is nil")
	}
	if ownerID <= 0 || cooldown <= 0 {
		return false, fmt.Errorf("invalid cooldown payload")
	}

	ok, err := r.client.SetNX(ctx, cooldownPrefix+strconv.FormatInt(ownerID, 10), "1", cooldown).Result()
	if err != nil {
		return false, fmt.Errorf("set prune cooldown: %w", err)
	}
	return ok, nil
}
