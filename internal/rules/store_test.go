package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/firesentinel/internal/model"
)

func newTestStore(t *testing.T) (*Store, *redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return NewStore(rdb, zerolog.Nop()), rdb, mr
}

func testRule(id string) *model.Rule {
	return &model.Rule{
		ID:            id,
		Name:          "high temp " + id,
		DeviceID:      "device-1",
		SensorType:    model.SensorTemperature,
		Operator:      model.OpGreater,
		Threshold:     60,
		WindowSeconds: 300,
		Severity:      model.SeverityHigh,
		AlarmType:     "FIRE",
		Location:      model.Location{Building: "HQ", Room: "server room"},
		Enabled:       true,
	}
}

func TestCreateGetUpdateDelete(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	rule := testRule("")
	require.NoError(t, store.Create(ctx, rule))
	require.NotEmpty(t, rule.ID, "create assigns an ID")

	got, err := store.Get(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.Name, got.Name)
	assert.Equal(t, rule.Threshold, got.Threshold)

	got.Threshold = 70
	require.NoError(t, store.Update(ctx, got))

	threshold, ok, err := store.Threshold(ctx, "device-1", model.SensorTemperature)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 70.0, threshold)

	require.NoError(t, store.Delete(ctx, rule.ID))
	_, err = store.Get(ctx, rule.ID)
	assert.ErrorIs(t, err, ErrRuleNotFound)
	_, ok, err = store.Threshold(ctx, "device-1", model.SensorTemperature)
	require.NoError(t, err)
	assert.False(t, ok, "hot path removed with the rule")
}

func TestDeleteKeepsSharedThreshold(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRule("r1")))
	r2 := testRule("r2")
	r2.Threshold = 75
	require.NoError(t, store.Create(ctx, r2))

	// Both rules share alarm:threshold:device-1:temperature. Deleting one
	// must rewrite the hot path from the survivor, not drop it.
	require.NoError(t, store.Delete(ctx, "r2"))

	threshold, ok, err := store.Threshold(ctx, "device-1", model.SensorTemperature)
	require.NoError(t, err)
	require.True(t, ok, "surviving rule keeps the hot path alive")
	assert.Equal(t, 60.0, threshold, "rewritten from the surviving rule")

	require.NoError(t, store.Delete(ctx, "r1"))
	_, ok, err = store.Threshold(ctx, "device-1", model.SensorTemperature)
	require.NoError(t, err)
	assert.False(t, ok, "last rule for the pair removes the hot path")
}

func TestUpdateUnknownRule(t *testing.T) {
	store, _, _ := newTestStore(t)
	err := store.Update(context.Background(), testRule("missing"))
	assert.ErrorIs(t, err, ErrRuleNotFound)
}

func TestCreateRejectsInvalidRule(t *testing.T) {
	store, _, _ := newTestStore(t)
	bad := testRule("")
	bad.Operator = "~"
	assert.Error(t, store.Create(context.Background(), bad))
}

func TestList(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, testRule("r1")))
	require.NoError(t, store.Create(ctx, testRule("r2")))

	rules, err := store.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rules, 2)
}

func TestThresholdWrittenBeforeNotification(t *testing.T) {
	store, rdb, _ := newTestStore(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, ChannelRuleChanged)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)
	ch := sub.Channel()

	rule := testRule("r1")
	require.NoError(t, store.Create(ctx, rule))

	select {
	case msg := <-ch:
		var note ChangeNotification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &note))
		assert.Equal(t, "create", note.Op)
		assert.Equal(t, "r1", note.RuleID)
		assert.NotZero(t, note.EmittedAt)

		// The hot path must already hold the new threshold when the
		// notification arrives.
		threshold, ok, err := store.Threshold(ctx, "device-1", model.SensorTemperature)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 60.0, threshold)
	case <-time.After(2 * time.Second):
		t.Fatal("no change notification received")
	}
}

func TestCacheMatchAndQuarantine(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx := context.Background()

	enabled := testRule("r1")
	require.NoError(t, store.Create(ctx, enabled))

	disabled := testRule("r2")
	disabled.Enabled = false
	require.NoError(t, store.Create(ctx, disabled))

	// Corrupt rule written behind the store's back.
	broken := testRule("r3")
	broken.Operator = "~"
	data, _ := json.Marshal(broken)
	require.NoError(t, store.rdb.Set(ctx, rulePrefix+"r3", data, 0).Err())

	cache := NewCache(store, time.Minute, 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, cache.Reload(ctx))

	matched := cache.Match("device-1", model.SensorTemperature)
	require.Len(t, matched, 1)
	assert.Equal(t, "r1", matched[0].ID)

	assert.Empty(t, cache.Match("device-2", model.SensorTemperature))

	unhealthy := cache.Unhealthy()
	assert.Contains(t, unhealthy, "r3")
}

func TestCacheWarnsWhenUpdateExceedsBudget(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Backdate the notification clock so the observed lag always beats
	// the 200ms budget.
	store.now = func() time.Time { return time.Now().Add(-time.Second) }

	var buf bytes.Buffer
	cache := NewCache(store, time.Minute, 200*time.Millisecond, zerolog.New(&buf))
	done := make(chan struct{})
	go func() { cache.Run(ctx); close(done) }()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.Create(ctx, testRule("r1")))
	require.Eventually(t, func() bool {
		return len(cache.Match("device-1", model.SensorTemperature)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.Contains(t, buf.String(), "Rule update exceeded latency budget")
}

func TestCacheFollowsChanges(t *testing.T) {
	store, _, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cache := NewCache(store, time.Minute, 200*time.Millisecond, zerolog.Nop())
	go cache.Run(ctx)

	// Wait for the subscription to be live.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, store.Create(ctx, testRule("r1")))

	require.Eventually(t, func() bool {
		return len(cache.Match("device-1", model.SensorTemperature)) == 1
	}, 2*time.Second, 10*time.Millisecond, "cache picks up created rule")

	require.NoError(t, store.Delete(ctx, "r1"))
	require.Eventually(t, func() bool {
		return len(cache.Match("device-1", model.SensorTemperature)) == 0
	}, 2*time.Second, 10*time.Millisecond, "cache picks up deletion")
}
