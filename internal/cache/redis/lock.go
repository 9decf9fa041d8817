package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/spotbot/internal/domain"
)

// unlockLua deletes the lock only while it still holds the caller's token.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

const lockRetryInterval = 25 * time.Millisecond

// LockManager implements domain.LockManager with SET NX PX and a
// token-checked release.
type LockManager struct {
	c        *Client
	unlockSc *redis.Script
	// waitFor is how long Acquire keeps retrying a held lock.
	waitFor time.Duration
}

// NewLockManager creates a LockManager. waitFor of zero fails fast.
func NewLockManager(c *Client, waitFor time.Duration) *LockManager {
	return &LockManager{c: c, unlockSc: redis.NewScript(unlockLua), waitFor: waitFor}
}

// Acquire takes the lock for key. It returns domain.ErrLockHeld when the
// lock is still held after the configured wait. The release func is
// idempotent and runs on its own short deadline.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	token := uuid.NewString()
	lk := lm.c.Key("lock", key)
	deadline := time.Now().Add(lm.waitFor)

	for {
		ok, err := lm.c.rdb.SetNX(ctx, lk, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if !time.Now().Before(deadline) {
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, domain.ErrLockHeld)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: acquire lock %s: %w", key, ctx.Err())
		case <-time.After(lockRetryInterval):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.unlockSc.Run(releaseCtx, lm.c.rdb, []string{lk}, token).Err()
		})
	}, nil
}

var _ domain.LockManager = (*LockManager)(nil)
