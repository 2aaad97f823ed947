// Package prefilter drops malformed and trivially-changed readings before
// they enter the pipeline.
//
// A reading is invalid when it falls outside the declared physical range of
// its sensor type, when the type is unknown, or when its timestamp regressed
// behind the last forwarded reading for the (device, sensor) pair. A reading
// is trivial when it changed less than the type's threshold since the last
// forwarded value.
// Smoke and CO accumulate, so their readings are trivial only while both the
// prior and current value sit below an absolute alarm floor; once either
// crosses the floor, every change is forwarded. A message is dropped only
// when every reading in it is invalid or trivial.
package prefilter

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/ident"
	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
	"github.com/firesentinel/firesentinel/internal/queue"
)

// Physical ranges per sensor type.
const (
	tempMin     = -50.0
	tempMax     = 100.0
	humidityMin = 0.0
	humidityMax = 100.0
)

const stripeCount = 64

// Config holds the per-type change thresholds.
type Config struct {
	TemperatureThreshold float64 // default 0.5
	HumidityThreshold    float64 // default 1.0
	SmokeFloor           float64 // default 5.0
	COFloor              float64 // default 5.0
}

func (c *Config) applyDefaults() {
	if c.TemperatureThreshold == 0 {
		c.TemperatureThreshold = 0.5
	}
	if c.HumidityThreshold == 0 {
		c.HumidityThreshold = 1.0
	}
	if c.SmokeFloor == 0 {
		c.SmokeFloor = 5.0
	}
	if c.COFloor == 0 {
		c.COFloor = 5.0
	}
}

type baseline struct {
	value float64
	ts    int64 // epoch ms, device clock
}

type stripe struct {
	mu   sync.Mutex
	last map[string]baseline // "<device>:<sensor>" -> last forwarded reading
}

// Filter is the pre-filter stage. Safe for concurrent use by all sessions.
type Filter struct {
	cfg    Config
	ids    *ident.Generator
	pub    queue.Publisher
	logger zerolog.Logger

	stripes [stripeCount]stripe

	received atomic.Uint64
	dropped  atomic.Uint64

	now func() time.Time
}

// New creates a filter that forwards surviving readings to the sensor-data
// topic.
func New(cfg Config, ids *ident.Generator, pub queue.Publisher, logger zerolog.Logger) *Filter {
	cfg.applyDefaults()
	f := &Filter{
		cfg:    cfg,
		ids:    ids,
		pub:    pub,
		logger: logger.With().Str("component", "prefilter").Logger(),
		now:    time.Now,
	}
	for i := range f.stripes {
		f.stripes[i].last = make(map[string]baseline)
	}
	return f
}

// Process classifies one data message and forwards the surviving readings.
// Returns the number of readings forwarded. A fully dropped message is not
// an error.
func (f *Filter) Process(ctx context.Context, deviceID string, msg *model.DataMessage) (int, error) {
	monitoring.PacketsReceived.Inc()
	total := f.received.Add(1)

	if deviceID == "" || msg == nil || len(msg.Readings) == 0 {
		f.drop(total, "malformed")
		return 0, nil
	}

	forwarded := 0
	invalid := 0
	for _, r := range msg.Readings {
		switch f.classify(deviceID, r, msg.Timestamp) {
		case verdictInvalid:
			invalid++
		case verdictTrivial:
		case verdictForward:
			if err := f.forward(ctx, deviceID, msg.Timestamp, r); err != nil {
				return forwarded, err
			}
			forwarded++
		}
	}

	if forwarded == 0 {
		if invalid == len(msg.Readings) {
			f.drop(total, "malformed")
		} else {
			f.drop(total, "trivial")
		}
	} else {
		f.maybeLogRate(total)
	}
	return forwarded, nil
}

type verdict int

const (
	verdictInvalid verdict = iota
	verdictTrivial
	verdictForward
)

// classify decides a single reading's fate and, when it forwards, records
// the value and timestamp as the new baseline for the (device, sensor)
// pair. Timestamps must be non-decreasing per pair; a regression means the
// device clock ran backwards and the reading cannot be trusted.
func (f *Filter) classify(deviceID string, r model.Reading, ts int64) verdict {
	var threshold, floor float64
	switch r.Type {
	case model.SensorTemperature:
		if r.Value < tempMin || r.Value > tempMax {
			return verdictInvalid
		}
		threshold = f.cfg.TemperatureThreshold
	case model.SensorHumidity:
		if r.Value < humidityMin || r.Value > humidityMax {
			return verdictInvalid
		}
		threshold = f.cfg.HumidityThreshold
	case model.SensorSmoke:
		if r.Value < 0 {
			return verdictInvalid
		}
		floor = f.cfg.SmokeFloor
	case model.SensorCO:
		if r.Value < 0 {
			return verdictInvalid
		}
		floor = f.cfg.COFloor
	default:
		return verdictInvalid
	}

	key := deviceID + ":" + r.Type
	s := &f.stripes[stripeFor(key)]
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, seen := s.last[key]
	if seen && ts < prior.ts {
		return verdictInvalid
	}
	trivial := false
	if seen {
		if floor > 0 {
			// Accumulation sensors: quiet only while both sides of the
			// transition stay under the alarm floor.
			trivial = prior.value < floor && r.Value < floor
		} else {
			delta := r.Value - prior.value
			if delta < 0 {
				delta = -delta
			}
			trivial = delta < threshold
		}
	}
	if trivial {
		return verdictTrivial
	}
	s.last[key] = baseline{value: r.Value, ts: ts}
	return verdictForward
}

func (f *Filter) forward(ctx context.Context, deviceID string, ts int64, r model.Reading) error {
	id, err := f.ids.Next(ident.TypeReading)
	if err != nil {
		return fmt.Errorf("allocate reading id: %w", err)
	}
	event := model.SensorEvent{
		ID:             id,
		DeviceID:       deviceID,
		SensorType:     r.Type,
		Value:          r.Value,
		Unit:           r.Unit,
		Timestamp:      ts,
		PreprocessedAt: f.now().UnixMilli(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode sensor event: %w", err)
	}
	return f.pub.Publish(ctx, queue.TopicSensorData, deviceID, payload)
}

func (f *Filter) drop(total uint64, reason string) {
	f.dropped.Add(1)
	monitoring.PacketsFiltered.WithLabelValues(reason).Inc()
	f.maybeLogRate(total)
}

// maybeLogRate reports the running filter rate every 100 packets.
func (f *Filter) maybeLogRate(total uint64) {
	if total%100 != 0 {
		return
	}
	dropped := f.dropped.Load()
	f.logger.Info().
		Uint64("packets_received", total).
		Uint64("packets_dropped", dropped).
		Float64("filter_rate", float64(dropped)/float64(total)*100).
		Msg("Pre-filter rate")
}

// Stats returns the received and dropped packet counts.
func (f *Filter) Stats() (received, dropped uint64) {
	return f.received.Load(), f.dropped.Load()
}

func stripeFor(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % stripeCount
}
