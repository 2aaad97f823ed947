package hotspot

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/firesentinel/internal/model"
)

type captureEvents struct {
	mu     sync.Mutex
	events []*model.SuppressionEvent
}

func (c *captureEvents) PublishSuppression(_ context.Context, event *model.SuppressionEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return nil
}

func newTestService(t *testing.T) (*Service, *captureEvents, *miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	events := &captureEvents{}
	locker := NewLocker(rdb, 200*time.Millisecond, 10*time.Second)
	return New(rdb, events, locker, 30*time.Minute, zerolog.Nop()), events, mr, rdb
}

func seedDevice(t *testing.T, rdb *redis.Client, id string, enabled, connected bool) {
	t.Helper()
	ctx := context.Background()
	enabledVal := "0"
	if enabled {
		enabledVal = "1"
	}
	connectedVal := "false"
	if connected {
		connectedVal = "true"
	}
	require.NoError(t, rdb.HSet(ctx, "device:info:"+id, "name", id, "enabled", enabledVal).Err())
	require.NoError(t, rdb.HSet(ctx, "device:status:"+id, "connected", connectedVal).Err())
}

func TestActivateSuppression(t *testing.T) {
	svc, events, mr, rdb := newTestService(t)
	ctx := context.Background()
	seedDevice(t, rdb, "d1", true, true)

	result, err := svc.ActivateSuppression(ctx, "d1", "z1", "gas", 100)
	require.NoError(t, err)
	assert.Equal(t, ResultActivated, result)

	supp := rdb.HGetAll(ctx, "device:d1:suppression").Val()
	assert.Equal(t, "gas", supp["type"])
	assert.Equal(t, "100", supp["intensity"])
	assert.Equal(t, "z1", supp["zone"])
	assert.Greater(t, mr.TTL("device:d1:suppression"), time.Duration(0), "auto-expire set")

	counters := rdb.HGetAll(ctx, "device:d1:counters").Val()
	assert.Equal(t, "1", counters["total"])
	assert.Equal(t, "1", counters["gas"])

	history, err := svc.History(ctx, "d1", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	require.Len(t, events.events, 1)
	ev := events.events[0]
	assert.Equal(t, "suppression_activated", ev.Event)
	assert.Equal(t, "d1", ev.DeviceID)
	assert.Equal(t, "gas", ev.Type)
	assert.Equal(t, 100, ev.Intensity)
}

func TestActivateSameTypeUpdates(t *testing.T) {
	svc, events, _, rdb := newTestService(t)
	ctx := context.Background()
	seedDevice(t, rdb, "d1", true, true)

	_, err := svc.ActivateSuppression(ctx, "d1", "z1", "foam", 50)
	require.NoError(t, err)

	result, err := svc.ActivateSuppression(ctx, "d1", "z1", "foam", 80)
	require.NoError(t, err)
	assert.Equal(t, ResultUpdated, result)

	supp := rdb.HGetAll(ctx, "device:d1:suppression").Val()
	assert.Equal(t, "80", supp["intensity"])
	assert.Equal(t, "1", rdb.HGet(ctx, "device:d1:counters", "total").Val(), "update does not re-count")
	assert.Len(t, events.events, 1, "update publishes no event")
}

func TestActivateDifferentTypeConflicts(t *testing.T) {
	svc, _, _, rdb := newTestService(t)
	ctx := context.Background()
	seedDevice(t, rdb, "d1", true, true)

	_, err := svc.ActivateSuppression(ctx, "d1", "z1", "water", 100)
	require.NoError(t, err)

	result, err := svc.ActivateSuppression(ctx, "d1", "z1", "gas", 100)
	require.NoError(t, err)
	assert.Equal(t, ResultConflict, result)

	supp := rdb.HGetAll(ctx, "device:d1:suppression").Val()
	assert.Equal(t, "water", supp["type"], "existing medium untouched")
}

func TestActivateDeviceChecks(t *testing.T) {
	svc, _, _, rdb := newTestService(t)
	ctx := context.Background()

	_, err := svc.ActivateSuppression(ctx, "ghost", "z1", "water", 100)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	seedDevice(t, rdb, "off", false, true)
	_, err = svc.ActivateSuppression(ctx, "off", "z1", "water", 100)
	assert.ErrorIs(t, err, ErrDeviceDisabled)

	seedDevice(t, rdb, "away", true, false)
	_, err = svc.ActivateSuppression(ctx, "away", "z1", "water", 100)
	assert.ErrorIs(t, err, ErrDeviceDisconnected)

	seedDevice(t, rdb, "d1", true, true)
	_, err = svc.ActivateSuppression(ctx, "d1", "z1", "water", 150)
	assert.Error(t, err, "intensity out of range")
}

func TestSuppressionAutoExpires(t *testing.T) {
	svc, _, mr, rdb := newTestService(t)
	ctx := context.Background()
	seedDevice(t, rdb, "d1", true, true)

	_, err := svc.ActivateSuppression(ctx, "d1", "z1", "water", 100)
	require.NoError(t, err)

	mr.FastForward(31 * time.Minute)

	result, err := svc.ActivateSuppression(ctx, "d1", "z1", "gas", 100)
	require.NoError(t, err)
	assert.Equal(t, ResultActivated, result, "expired suppression no longer conflicts")
}

func TestIncrementCounter(t *testing.T) {
	svc, _, _, rdb := newTestService(t)
	ctx := context.Background()

	total, err := svc.IncrementCounter(ctx, "d1", "water")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)

	total, err = svc.IncrementCounter(ctx, "d1", "gas")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	counters := rdb.HGetAll(ctx, "device:d1:counters").Val()
	assert.Equal(t, "1", counters["water"])
	assert.Equal(t, "1", counters["gas"])
	assert.NotEmpty(t, counters["last_activation"])
}

func TestSetCounterRecomputesTotal(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.IncrementCounter(ctx, "d1", "water")
	require.NoError(t, err)
	_, err = svc.IncrementCounter(ctx, "d1", "gas")
	require.NoError(t, err)

	require.NoError(t, svc.SetCounter(ctx, "d1", "water", 5))

	water, err := svc.GetCounter(ctx, "d1", "water")
	require.NoError(t, err)
	assert.Equal(t, int64(5), water)

	total, err := svc.GetCounter(ctx, "d1", "total")
	require.NoError(t, err)
	assert.Equal(t, int64(6), total, "total recomputed from per-type counters")
}

func TestSetCounterRejectsDerivedFields(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()

	assert.Error(t, svc.SetCounter(ctx, "d1", "total", 7))
	assert.Error(t, svc.SetCounter(ctx, "d1", "last_activation", 7))
	assert.Error(t, svc.SetCounter(ctx, "d1", "water", -1))
}

func TestSetCounterBlocksBehindHeldLock(t *testing.T) {
	svc, _, _, rdb := newTestService(t)
	ctx := context.Background()

	// The lock lives in Redis, so a holder from another Locker instance
	// excludes the service's write path just the same.
	blocker := NewLocker(rdb, 100*time.Millisecond, 10*time.Second)
	lock, err := blocker.Acquire(ctx, "d1", "water")
	require.NoError(t, err)

	err = svc.SetCounter(ctx, "d1", "water", 3)
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, lock.Release(ctx))
	require.NoError(t, svc.SetCounter(ctx, "d1", "water", 3))

	n, err := svc.GetCounter(ctx, "d1", "water")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestGetCounterMissingReadsZero(t *testing.T) {
	svc, _, _, _ := newTestService(t)
	n, err := svc.GetCounter(context.Background(), "ghost", "water")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStatus(t *testing.T) {
	svc, _, _, rdb := newTestService(t)
	ctx := context.Background()
	seedDevice(t, rdb, "d1", true, true)

	_, err := svc.ActivateSuppression(ctx, "d1", "z1", "foam", 70)
	require.NoError(t, err)

	status, err := svc.Status(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "1", status.Info["enabled"])
	assert.Equal(t, "true", status.Status["connected"])
	assert.Equal(t, "foam", status.Suppression["type"])
	assert.Equal(t, "1", status.Counters["total"])

	_, err = svc.Status(ctx, "ghost")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestLockerMutualExclusion(t *testing.T) {
	_, _, _, rdb := newTestService(t)
	ctx := context.Background()
	locker := NewLocker(rdb, 200*time.Millisecond, 10*time.Second)

	lock, err := locker.Acquire(ctx, "d1", "total")
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, "d1", "total")
	assert.ErrorIs(t, err, ErrLockTimeout)

	other, err := locker.Acquire(ctx, "d1", "gas")
	require.NoError(t, err, "different counter, different lock")
	require.NoError(t, other.Release(ctx))

	require.NoError(t, lock.Release(ctx))
	again, err := locker.Acquire(ctx, "d1", "total")
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLockExpiresWithLease(t *testing.T) {
	_, _, mr, rdb := newTestService(t)
	ctx := context.Background()
	locker := NewLocker(rdb, 200*time.Millisecond, time.Second)

	stale, err := locker.Acquire(ctx, "d1", "total")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, "d1", "total")
	require.NoError(t, err, "lease expired, lock reacquirable")

	// The stale holder's release must not free the new holder's lock.
	require.NoError(t, stale.Release(ctx))
	_, err = locker.Acquire(ctx, "d1", "total")
	assert.ErrorIs(t, err, ErrLockTimeout)

	require.NoError(t, fresh.Release(ctx))
}

func TestWithLock(t *testing.T) {
	_, _, _, rdb := newTestService(t)
	ctx := context.Background()
	locker := NewLocker(rdb, 200*time.Millisecond, 10*time.Second)

	ran := false
	err := locker.WithLock(ctx, "d1", "total", func(ctx context.Context) error {
		ran = true
		held := rdb.Exists(ctx, "lock:device:d1:total").Val()
		assert.Equal(t, int64(1), held)
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(0), rdb.Exists(ctx, "lock:device:d1:total").Val(), "released after fn")
}
