package hotspot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockTimeout is returned when the lock could not be acquired within
// the bounded wait.
var ErrLockTimeout = errors.New("hotspot: lock acquisition timed out")

// releaseScript deletes the lock only if it still carries our token, so an
// expired-and-reacquired lock is never released out from under its new
// holder.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker provides mutual exclusion on (device, counter) pairs for counter
// paths not encapsulated in a script. Locks self-expire after the lease so
// a crashed holder cannot wedge the pair.
type Locker struct {
	rdb   *redis.Client
	wait  time.Duration // bounded acquisition wait
	lease time.Duration // lock TTL
}

// NewLocker creates a locker with the given wait and lease bounds.
func NewLocker(rdb *redis.Client, wait, lease time.Duration) *Locker {
	if wait <= 0 {
		wait = 5 * time.Second
	}
	if lease <= 0 {
		lease = 10 * time.Second
	}
	return &Locker{rdb: rdb, wait: wait, lease: lease}
}

// Lock is a held lock. Release it when done; it also self-expires after
// the lease.
type Lock struct {
	locker *Locker
	key    string
	token  string
}

// Acquire takes the lock for a (device, counter) pair, polling until the
// wait bound or ctx cancellation.
func (l *Locker) Acquire(ctx context.Context, deviceID, counter string) (*Lock, error) {
	key := fmt.Sprintf("lock:device:%s:%s", deviceID, counter)
	token := uuid.NewString()

	deadline := time.Now().Add(l.wait)
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.lease).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			return &Lock{locker: l, key: key, token: token}, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Release frees the lock if this holder still owns it.
func (lk *Lock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, lk.locker.rdb, []string{lk.key}, lk.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", lk.key, err)
	}
	return nil
}

// WithLock runs fn while holding the (device, counter) lock.
func (l *Locker) WithLock(ctx context.Context, deviceID, counter string, fn func(ctx context.Context) error) error {
	lock, err := l.Acquire(ctx, deviceID, counter)
	if err != nil {
		return err
	}
	defer lock.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}
