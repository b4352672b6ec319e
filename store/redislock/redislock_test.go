//go:build integration

package redislock_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"

	"github.com/warp/ledger-engine/store/redislock"
)

func newTestLocker(t *testing.T) *redislock.Locker {
	t.Helper()
	ctx := context.Background()

	rdC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdC.Terminate(ctx) })

	url, err := rdC.ConnectionString(ctx)
	require.NoError(t, err)

	rdb, err := redislock.NewClient(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return redislock.New(rdb, "test:")
}

func TestLocker_ExclusiveUntilReleased(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	// GIVEN: one holder
	unlock, err := locker.Acquire(ctx, "cashback:2025", time.Minute)
	require.NoError(t, err)

	// WHEN: a second caller tries the same key
	_, err = locker.Acquire(ctx, "cashback:2025", time.Minute)

	// THEN: it is refused until the first releases
	assert.ErrorIs(t, err, redislock.ErrLockHeld)
	require.NoError(t, unlock(ctx))

	unlock2, err := locker.Acquire(ctx, "cashback:2025", time.Minute)
	require.NoError(t, err)
	require.NoError(t, unlock2(ctx))
}

func TestLocker_ExpiredLockNotReleasedByOldHolder(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	unlockOld, err := locker.Acquire(ctx, "k", 50*time.Millisecond)
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)

	unlockNew, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// The stale release must not free the new holder's lock
	require.NoError(t, unlockOld(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, redislock.ErrLockHeld)

	require.NoError(t, unlockNew(ctx))
}
