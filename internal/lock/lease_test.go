package lock_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BrandonDHaskell/Soteria/server/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRedisLease_ExclusiveUntilReleased(t *testing.T) {
	mr, rdb := newRedis(t)
	a := lock.NewRedisLease(rdb, "front", time.Minute)
	b := lock.NewRedisLease(rdb, "front", time.Minute)
	ctx := context.Background()

	release, err := a.TryAcquire(ctx)
	require.NoError(t, err)
	assert.True(t, mr.Exists("soteria:grant:front"))

	_, err = b.TryAcquire(ctx)
	assert.ErrorIs(t, err, lock.ErrLeaseHeld)

	release()
	assert.False(t, mr.Exists("soteria:grant:front"))

	release2, err := b.TryAcquire(ctx)
	require.NoError(t, err)
	release2()
}

func TestRedisLease_DoorsAreIndependent(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()

	r1, err := lock.NewRedisLease(rdb, "front", time.Minute).TryAcquire(ctx)
	require.NoError(t, err)
	defer r1()

	r2, err := lock.NewRedisLease(rdb, "back", time.Minute).TryAcquire(ctx)
	require.NoError(t, err)
	defer r2()
}

func TestRedisLease_StaleReleaseKeepsNewOwner(t *testing.T) {
	mr, rdb := newRedis(t)
	ctx := context.Background()
	l := lock.NewRedisLease(rdb, "front", time.Second)

	release, err := l.TryAcquire(ctx)
	require.NoError(t, err)

	// The first holder's lease expires and another session takes it.
	mr.FastForward(2 * time.Second)
	release2, err := l.TryAcquire(ctx)
	require.NoError(t, err)

	release()
	assert.True(t, mr.Exists("soteria:grant:front"), "stale release must not drop the new owner's lease")
	release2()
	assert.False(t, mr.Exists("soteria:grant:front"))
}

func TestRedisLease_AcquireWaitsForRelease(t *testing.T) {
	_, rdb := newRedis(t)
	ctx := context.Background()
	l := lock.NewRedisLease(rdb, "front", time.Minute)

	release, err := l.TryAcquire(ctx)
	require.NoError(t, err)

	go func() {
		time.Sleep(150 * time.Millisecond)
		release()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	release2, err := l.Acquire(waitCtx)
	require.NoError(t, err)
	release2()
}

func TestRedisLease_AcquireRespectsContext(t *testing.T) {
	_, rdb := newRedis(t)
	l := lock.NewRedisLease(rdb, "front", time.Minute)

	release, err := l.TryAcquire(context.Background())
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisLease_BackendDown(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := lock.NewRedisLease(rdb, "front", time.Minute).TryAcquire(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, lock.ErrLeaseHeld)
}
