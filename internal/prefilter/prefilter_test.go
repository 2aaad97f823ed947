package prefilter

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firesentinel/firesentinel/internal/ident"
	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/queue"
)

func newTestFilter(t *testing.T) (*Filter, *queue.MemoryBroker, func() []model.SensorEvent) {
	t.Helper()
	broker := queue.NewMemoryBroker(3)
	t.Cleanup(broker.Close)

	gen, err := ident.NewGenerator(1)
	require.NoError(t, err)

	f := New(Config{}, gen, broker, zerolog.Nop())

	var events []model.SensorEvent
	drain := func() []model.SensorEvent {
		ctx, cancel := context.WithCancel(context.Background())
		consumer := queue.NewMemoryConsumer(broker, queue.TopicSensorData, func(_ context.Context, msg *queue.Message) error {
			var ev model.SensorEvent
			require.NoError(t, json.Unmarshal(msg.Value, &ev))
			events = append(events, ev)
			return nil
		})
		done := make(chan struct{})
		go func() { consumer.Run(ctx); close(done) }()
		broker.Close()
		<-done
		cancel()
		return events
	}
	return f, broker, drain
}

func msg(readings ...model.Reading) *model.DataMessage {
	return msgAt(1700000000000, readings...)
}

func msgAt(ts int64, readings ...model.Reading) *model.DataMessage {
	return &model.DataMessage{Type: "data", Readings: readings, Timestamp: ts}
}

func TestFirstReadingAlwaysForwarded(t *testing.T) {
	f, _, drain := newTestFilter(t)
	ctx := context.Background()

	n, err := f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 21.0, Unit: "C"}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := drain()
	require.Len(t, events, 1)
	assert.Equal(t, "d1", events[0].DeviceID)
	assert.Equal(t, model.SensorTemperature, events[0].SensorType)
	assert.Equal(t, 21.0, events[0].Value)
	assert.NotZero(t, events[0].ID)
	assert.NotZero(t, events[0].PreprocessedAt)
}

func TestTrivialTemperatureChangeDropped(t *testing.T) {
	f, _, _ := newTestFilter(t)
	ctx := context.Background()

	n, err := f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 21.0}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Delta 0.4 is below the 0.5 threshold.
	n, err = f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 21.4}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Delta measured against the last FORWARDED value (21.0), so 21.6 passes.
	n, err = f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 21.6}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOutOfRangeDropped(t *testing.T) {
	f, _, _ := newTestFilter(t)
	ctx := context.Background()

	cases := []model.Reading{
		{Type: model.SensorTemperature, Value: -51},
		{Type: model.SensorTemperature, Value: 101},
		{Type: model.SensorHumidity, Value: -1},
		{Type: model.SensorHumidity, Value: 100.5},
		{Type: model.SensorSmoke, Value: -0.1},
		{Type: model.SensorCO, Value: -2},
		{Type: "pressure", Value: 50},
	}
	for _, r := range cases {
		n, err := f.Process(ctx, "d1", msg(r))
		require.NoError(t, err)
		assert.Equal(t, 0, n, "reading %+v must be dropped", r)
	}
}

func TestAccumulationFloorSemantics(t *testing.T) {
	f, _, _ := newTestFilter(t)
	ctx := context.Background()

	n, err := f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorSmoke, Value: 1.0}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Both prior and current below the 5.0 floor: quiet.
	n, err = f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorSmoke, Value: 1.2}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Crossing the floor forwards, even from a small delta baseline.
	n, err = f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorSmoke, Value: 6.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// Above the floor every change forwards, however small.
	n, err = f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorSmoke, Value: 6.01}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMixedMessageForwardsSurvivors(t *testing.T) {
	f, _, drain := newTestFilter(t)
	ctx := context.Background()

	_, err := f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 20.0}))
	require.NoError(t, err)

	n, err := f.Process(ctx, "d1", msg(
		model.Reading{Type: model.SensorTemperature, Value: 20.1}, // trivial
		model.Reading{Type: model.SensorHumidity, Value: 55.0},   // first reading
		model.Reading{Type: "bogus", Value: 1},                   // invalid
	))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := drain()
	require.Len(t, events, 2)
	assert.Equal(t, model.SensorHumidity, events[1].SensorType)
}

func TestRegressedTimestampDropped(t *testing.T) {
	f, _, drain := newTestFilter(t)
	ctx := context.Background()

	n, err := f.Process(ctx, "d1", msgAt(1700000100000, model.Reading{Type: model.SensorTemperature, Value: 20.0}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Device clock ran 100s backwards; the value moved but the reading
	// must be dropped as malformed.
	n, err = f.Process(ctx, "d1", msgAt(1700000000000, model.Reading{Type: model.SensorTemperature, Value: 30.0}))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Non-decreasing, not strictly increasing: an equal timestamp passes.
	n, err = f.Process(ctx, "d1", msgAt(1700000100000, model.Reading{Type: model.SensorTemperature, Value: 30.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	events := drain()
	require.Len(t, events, 2)
	assert.Equal(t, 20.0, events[0].Value)
	assert.Equal(t, 30.0, events[1].Value)
}

func TestDeviceStateIsolated(t *testing.T) {
	f, _, _ := newTestFilter(t)
	ctx := context.Background()

	n, err := f.Process(ctx, "d1", msg(model.Reading{Type: model.SensorTemperature, Value: 20.0}))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// Same value from a different device is that device's first reading.
	n, err = f.Process(ctx, "d2", msg(model.Reading{Type: model.SensorTemperature, Value: 20.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestEmptyMessageCounted(t *testing.T) {
	f, _, _ := newTestFilter(t)

	n, err := f.Process(context.Background(), "d1", msg())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	received, dropped := f.Stats()
	assert.Equal(t, uint64(1), received)
	assert.Equal(t, uint64(1), dropped)
}
