package distributor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/firesentinel/internal/model"
)

type countingSink struct {
	name     string
	calls    atomic.Int64
	failures atomic.Int64 // fail this many leading calls
	block    chan struct{}
}

func (s *countingSink) Name() string { return s.name }

func (s *countingSink) Send(ctx context.Context, _ *model.AlarmEvent) error {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return errors.New("sink unavailable")
	}
	return nil
}

type ringFallback struct {
	mu       sync.Mutex
	retained []*model.AlarmEvent
}

func (r *ringFallback) Retain(alarm *model.AlarmEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.retained = append(r.retained, alarm)
}

func testAlarm(id string) *model.AlarmEvent {
	return &model.AlarmEvent{
		ID: id, DeviceID: "d1", AlarmType: "FIRE",
		Severity: model.SeverityHigh, Timestamp: time.Now().UTC(),
	}
}

func fastConfig() Config {
	return Config{
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		FailureRate: 0.5,
		Cooldown:    50 * time.Millisecond,
		Bulkhead:    4,
		Timeout:     100 * time.Millisecond,
	}
}

func TestAllSinksReceiveAlarm(t *testing.T) {
	s1 := &countingSink{name: "history"}
	s2 := &countingSink{name: "websocket"}
	s3 := &countingSink{name: "pubsub"}
	s4 := &countingSink{name: "sync"}
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop(), s1, s2, s3, s4)

	d.Distribute(context.Background(), testAlarm("a1"))

	for _, s := range []*countingSink{s1, s2, s3, s4} {
		assert.Equal(t, int64(1), s.calls.Load(), "sink %s", s.name)
	}
	assert.Empty(t, fb.retained)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	s := &countingSink{name: "flaky"}
	s.failures.Store(2)
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop(), s)

	d.Distribute(context.Background(), testAlarm("a1"))

	assert.Equal(t, int64(3), s.calls.Load(), "two failures then success")
	assert.Empty(t, fb.retained)
}

func TestOneSinkFailureDoesNotBlockOthers(t *testing.T) {
	bad := &countingSink{name: "bad"}
	bad.failures.Store(100)
	good := &countingSink{name: "good"}
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop(), bad, good)

	d.Distribute(context.Background(), testAlarm("a1"))

	assert.Equal(t, int64(1), good.calls.Load())
	assert.Empty(t, fb.retained, "one surviving sink keeps the alarm out of the fallback")
}

func TestAllSinksFailedRetainsInFallback(t *testing.T) {
	bad := &countingSink{name: "bad"}
	bad.failures.Store(100)
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop(), bad)

	d.Distribute(context.Background(), testAlarm("a1"))

	require.Len(t, fb.retained, 1)
	assert.Equal(t, "a1", fb.retained[0].ID)
}

func TestBreakerOpensAndShedsLoad(t *testing.T) {
	bad := &countingSink{name: "bad"}
	bad.failures.Store(1000)
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop(), bad)
	ctx := context.Background()

	// Enough deliveries to trip the breaker (5+ requests, all failing).
	for i := 0; i < 3; i++ {
		d.Distribute(ctx, testAlarm("warmup"))
	}
	tripped := bad.calls.Load()

	d.Distribute(ctx, testAlarm("a-shed"))
	assert.Equal(t, tripped, bad.calls.Load(), "open breaker short-circuits the sink call")
}

func TestSlowSinkHitsTimeout(t *testing.T) {
	slow := &countingSink{name: "slow", block: make(chan struct{})}
	fb := &ringFallback{}
	cfg := fastConfig()
	cfg.MaxAttempts = 1
	d := New(cfg, fb, zerolog.Nop(), slow)

	start := time.Now()
	d.Distribute(context.Background(), testAlarm("a1"))
	assert.Less(t, time.Since(start), 2*time.Second, "per-call timeout bounds a hung sink")
	require.Len(t, fb.retained, 1)
	close(slow.block)
}

func TestNoSinksIsNoop(t *testing.T) {
	fb := &ringFallback{}
	d := New(fastConfig(), fb, zerolog.Nop())
	d.Distribute(context.Background(), testAlarm("a1"))
	assert.Empty(t, fb.retained)
}
