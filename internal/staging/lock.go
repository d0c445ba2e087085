package staging

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when it is still held by the caller.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript resets the lock TTL only when it is still held by the caller.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

func lockKey(logicalDate string) string {
	return "etl:lock:" + logicalDate
}

// AcquireRunLock claims the single running slot for a logical date. It reports
// false, without error, when another run already holds it. The TTL bounds how
// long a crashed holder can block the date.
func (s *Store) AcquireRunLock(ctx context.Context, logicalDate, runID string, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, lockKey(logicalDate), runID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire run lock for %s: %w", logicalDate, err)
	}
	return ok, nil
}

// ReleaseRunLock frees the slot if runID still owns it.
func (s *Store) ReleaseRunLock(ctx context.Context, logicalDate, runID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{lockKey(logicalDate)}, runID).Err(); err != nil {
		return fmt.Errorf("failed to release run lock for %s: %w", logicalDate, err)
	}
	return nil
}

// RenewRunLock extends the lock to ttl from now. It reports false when runID
// no longer holds the lock.
func (s *Store) RenewRunLock(ctx context.Context, logicalDate, runID string, ttl time.Duration) (bool, error) {
	n, err := renewScript.Run(ctx, s.client, []string{lockKey(logicalDate)}, runID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to renew run lock for %s: %w", logicalDate, err)
	}
	return n == 1, nil
}

// RunLockHolder returns the run id holding the lock, or "" when it is free.
func (s *Store) RunLockHolder(ctx context.Context, logicalDate string) (string, error) {
	holder, err := s.client.Get(ctx, lockKey(logicalDate)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return holder, err
}
