package locking

import (
	"context"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// Locker hands out per-class mutex locks backed by redis. Batch VM creation
// and class-settings commits serialize on these so two writers never race on
// the same class row.
type Locker struct {
	client *redislock.Client
}

func NewLocker(addr, password string) *Locker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &Locker{client: redislock.New(rdb)}
}

// ClassLock acquires the mutex for a class with exponential backoff between
// attempts. The ttl bounds how long a crashed holder can block others.
func (l *Locker) ClassLock(ctx context.Context, classID int64, ttl time.Duration, maxAttempts int, initialBackoff time.Duration) (*redislock.Lock, error) {
	return l.tryAcquireWithBackoff(ctx, fmt.Sprintf("class:%d", classID), ttl, maxAttempts, initialBackoff)
}

func (l *Locker) tryAcquireWithBackoff(ctx context.Context, lockKey string, ttl time.Duration, maxAttempts int, initialBackoff time.Duration) (*redislock.Lock, error) {
	backoff := initialBackoff

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lock, err := l.client.Obtain(ctx, lockKey, ttl, nil)
		if err == nil {
			return lock, nil
		}

		if err == redislock.ErrNotObtained {
			if attempt == maxAttempts {
				break
			}
			time.Sleep(backoff)
			backoff *= 2
			continue
		}

		return nil, fmt.Errorf("unexpected error while acquiring lock: %v", err)
	}

	return nil, fmt.Errorf("could not obtain lock %q after %d attempts", lockKey, maxAttempts)
}
