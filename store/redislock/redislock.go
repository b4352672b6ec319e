/*
Package redislock provides a Redis-backed mutual exclusion lock for batch
runs that may be started from more than one process.

PURPOSE:
  A cashback batch for one period must not run twice at the same time:
  both runs would compute the same owners and race on the unique index.
  The lock is a SET NX PX key holding a random token; release deletes the
  key only if it still holds our token, so an expired lock taken over by
  another process is never released by mistake.

USAGE:
  rdb, err := redislock.NewClient(cfg.RedisURL)
  locker := redislock.New(rdb, "ledger:")
  unlock, err := locker.Acquire(ctx, "cashback:2025", 30*time.Minute)
  if errors.Is(err, redislock.ErrLockHeld) { ... }
  defer unlock(ctx)
*/
package redislock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock held by another process")

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewClient creates and validates a go-redis client connection.
func NewClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

type Locker struct {
	rdb    redis.UniversalClient
	prefix string
}

func New(rdb redis.UniversalClient, prefix string) *Locker {
	return &Locker{rdb: rdb, prefix: prefix}
}

// Acquire takes the lock for ttl. The returned function releases it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key
	ok, err := l.rdb.SetNX(ctx, fullKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", fullKey, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", fullKey, ErrLockHeld)
	}
	return func(ctx context.Context) error {
		return releaseScript.Run(ctx, l.rdb, []string{fullKey}, token).Err()
	}, nil
}
