package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "crucible:lock:"

// releaseScript deletes the lock only when this instance still owns it, so a
// slow process cannot release a lock that already expired and moved on.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisDistributedLockManager holds locks as SET NX keys with a TTL. Locks
// expire on their own when the owner dies, which replaces the session cleanup
// that Postgres advisory locks get for free.
type RedisDistributedLockManager struct {
	client *redis.Client
	owner  string
	ttl    time.Duration
}

func NewRedisDistributedLockManager(client *redis.Client, owner string, ttl time.Duration) *RedisDistributedLockManager {
	return &RedisDistributedLockManager{
		client: client,
		owner:  owner,
		ttl:    ttl,
	}
}

func (l *RedisDistributedLockManager) key(lockID int) string {
	return fmt.Sprintf("%s%d", lockKeyPrefix, lockID)
}

func (l *RedisDistributedLockManager) Acquire(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := l.client.SetNX(ctx, l.key(lockID), l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock %d is held by another instance", lockID)
	}

	return nil
}

func (l *RedisDistributedLockManager) Release(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := releaseScript.Run(ctx, l.client, []string{l.key(lockID)}, l.owner).Result(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// Refresh extends the TTL of a held lock; long-lived owners call this from
// their heartbeat loop.
func (l *RedisDistributedLockManager) Refresh(lockID int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := l.client.Expire(ctx, l.key(lockID), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("lock %d no longer held", lockID)
	}
	return nil
}
