package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned by TryAcquire when another holder owns the lease.
var ErrLeaseHeld = errors.New("lease held by another session")

// Lease makes a grant session exclusive across verifier processes that
// share one physical door.
type Lease interface {
	// Acquire blocks until the lease is held or ctx is done.
	Acquire(ctx context.Context) (release func(), err error)
	// TryAcquire returns ErrLeaseHeld instead of waiting.
	TryAcquire(ctx context.Context) (release func(), err error)
}

// releaseScript deletes the lease only if the caller still owns it.
// KEYS[1] = lease key, ARGV[1] = owner token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease is a SET NX PX lease.  TTL must exceed the grant hold so a
// crashed holder cannot wedge the door.
type RedisLease struct {
	client *redis.Client
	key    string
	ttl    time.Duration
	poll   time.Duration
}

func NewRedisLease(client *redis.Client, door string, ttl time.Duration) *RedisLease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLease{
		client: client,
		key:    fmt.Sprintf("soteria:grant:%s", door),
		ttl:    ttl,
		poll:   100 * time.Millisecond,
	}
}

func (l *RedisLease) TryAcquire(ctx context.Context) (func(), error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("lease acquire: %w", err)
	}
	if !ok {
		return nil, ErrLeaseHeld
	}
	return func() {
		// Release with a fresh context: the session context may already
		// be cancelled by a relock.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(rctx, l.client, []string{l.key}, token).Err()
	}, nil
}

func (l *RedisLease) Acquire(ctx context.Context) (func(), error) {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		release, err := l.TryAcquire(ctx)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, ErrLeaseHeld) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
