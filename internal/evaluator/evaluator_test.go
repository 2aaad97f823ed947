package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/queue"
	"github.com/firesentinel/firesentinel/internal/rules"
)

type captureEmitter struct {
	emitted []model.Fingerprint
	fail    error
}

func (c *captureEmitter) Emit(_ context.Context, rule *model.Rule, event *model.SensorEvent) error {
	if c.fail != nil {
		return c.fail
	}
	c.emitted = append(c.emitted, model.Fingerprint{
		RuleID: rule.ID, DeviceID: event.DeviceID, SensorType: event.SensorType,
	})
	return nil
}

func newTestEvaluator(t *testing.T, epsilon float64, testRules ...*model.Rule) (*Evaluator, *captureEmitter) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store := rules.NewStore(rdb, zerolog.Nop())
	for _, r := range testRules {
		require.NoError(t, store.Create(context.Background(), r))
	}
	cache := rules.NewCache(store, time.Minute, 200*time.Millisecond, zerolog.Nop())
	require.NoError(t, cache.Reload(context.Background()))

	emitter := &captureEmitter{}
	return New(cache, emitter, epsilon, zerolog.Nop()), emitter
}

func rule(id, device, sensor string, op model.Operator, threshold float64, window int) *model.Rule {
	return &model.Rule{
		ID: id, Name: id, DeviceID: device, SensorType: sensor,
		Operator: op, Threshold: threshold, WindowSeconds: window,
		Severity: model.SeverityHigh, AlarmType: "FIRE", Enabled: true,
	}
}

func message(t *testing.T, device, sensor string, value float64) *queue.Message {
	t.Helper()
	payload, err := json.Marshal(model.SensorEvent{
		ID: 1, DeviceID: device, SensorType: sensor, Value: value,
		Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)
	return &queue.Message{Topic: queue.TopicSensorData, Key: device, Value: payload}
}

func TestMatchingRuleEmits(t *testing.T) {
	e, emitter := newTestEvaluator(t, 0, rule("r1", "d1", model.SensorTemperature, model.OpGreater, 60, 0))

	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 75)))
	require.Len(t, emitter.emitted, 1)
	assert.Equal(t, "r1", emitter.emitted[0].RuleID)

	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 50)))
	assert.Len(t, emitter.emitted, 1, "below threshold does not fire")
}

func TestAllMatchingRulesFire(t *testing.T) {
	e, emitter := newTestEvaluator(t, 0,
		rule("r1", "d1", model.SensorTemperature, model.OpGreater, 60, 0),
		rule("r2", "d1", model.SensorTemperature, model.OpGreaterEqual, 70, 0),
		rule("r3", "d2", model.SensorTemperature, model.OpGreater, 60, 0),
	)

	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 75)))
	assert.Len(t, emitter.emitted, 2, "both d1 rules fire, d2's does not")
}

func TestWindowedRuleFiresOncePerWindow(t *testing.T) {
	e, emitter := newTestEvaluator(t, 0, rule("r1", "d1", model.SensorTemperature, model.OpGreater, 60, 300))
	base := time.Now()
	e.now = func() time.Time { return base }

	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 75)))
	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 80)))
	assert.Len(t, emitter.emitted, 1, "second match inside the window is silent")

	e.now = func() time.Time { return base.Add(301 * time.Second) }
	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 80)))
	assert.Len(t, emitter.emitted, 2, "window elapsed, fires again")
}

func TestEmitFailureReopensWindow(t *testing.T) {
	e, emitter := newTestEvaluator(t, 0, rule("r1", "d1", model.SensorTemperature, model.OpGreater, 60, 300))

	emitter.fail = errors.New("broker down")
	err := e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 75))
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "emitter failures are retryable")

	emitter.fail = nil
	require.NoError(t, e.Handle(context.Background(), message(t, "d1", model.SensorTemperature, 75)))
	assert.Len(t, emitter.emitted, 1, "redelivery fires despite the windowed rule")
}

func TestUndecodableMessageIsPermanent(t *testing.T) {
	e, _ := newTestEvaluator(t, 0)
	err := e.Handle(context.Background(), &queue.Message{Value: []byte("{not json")})
	require.Error(t, err)
	assert.True(t, queue.IsPermanent(err))
}

func TestCompare(t *testing.T) {
	cases := []struct {
		value     float64
		op        model.Operator
		threshold float64
		epsilon   float64
		want      bool
	}{
		{75, model.OpGreater, 60, 0, true},
		{60, model.OpGreater, 60, 0, false},
		{60, model.OpGreaterEqual, 60, 0, true},
		{50, model.OpLess, 60, 0, true},
		{60, model.OpLessEqual, 60, 0, true},
		{60, model.OpEqual, 60, 0, true},
		{60.0001, model.OpEqual, 60, 0, false},
		{60.0001, model.OpEqual, 60, 0.001, true},
		{60.0001, model.OpNotEqual, 60, 0, true},
		{60.0001, model.OpNotEqual, 60, 0.001, false},
		{1, "~", 1, 0, false},
	}
	for _, tc := range cases {
		got := Compare(tc.value, tc.op, tc.threshold, tc.epsilon)
		assert.Equal(t, tc.want, got, "%v %s %v (eps %v)", tc.value, tc.op, tc.threshold, tc.epsilon)
	}
}
