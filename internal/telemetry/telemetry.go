// Package telemetry is the storage-side consumer of the sensor stream.
//
// It attaches to sensor-data as the low-concurrency batch group and folds
// each partition batch into hourly per-sensor rollups (count, sum, min,
// max) so dashboards can trend a device without replaying the stream.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/queue"
)

const rollupPrefix = "telemetry:rollup:"

// ErrNoRollup is returned when a bucket holds no data.
var ErrNoRollup = errors.New("telemetry: no rollup for bucket")

// mergeScript folds one batch aggregate into a bucket hash. min/max need
// the previous field values, so the merge runs server-side.
var mergeScript = redis.NewScript(`
local count = tonumber(ARGV[1])
local sum = tonumber(ARGV[2])
local lo = tonumber(ARGV[3])
local hi = tonumber(ARGV[4])

redis.call('HINCRBY', KEYS[1], 'count', count)
redis.call('HINCRBYFLOAT', KEYS[1], 'sum', sum)

local prevLo = redis.call('HGET', KEYS[1], 'min')
if not prevLo or lo < tonumber(prevLo) then
  redis.call('HSET', KEYS[1], 'min', lo)
end
local prevHi = redis.call('HGET', KEYS[1], 'max')
if not prevHi or hi > tonumber(prevHi) then
  redis.call('HSET', KEYS[1], 'max', hi)
end

redis.call('PEXPIRE', KEYS[1], ARGV[5])
return redis.status_reply('OK')
`)

// Rollup is one hourly aggregate for a (device, sensor) pair.
type Rollup struct {
	Count int64
	Sum   float64
	Min   float64
	Max   float64
}

// Mean returns the average value in the bucket.
func (r *Rollup) Mean() float64 {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / float64(r.Count)
}

// Archiver aggregates sensor-data batches into Redis rollup buckets.
type Archiver struct {
	rdb       *redis.Client
	retention time.Duration
	logger    zerolog.Logger
}

// NewArchiver creates an archiver. Buckets expire after retention.
func NewArchiver(rdb *redis.Client, retention time.Duration, logger zerolog.Logger) *Archiver {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	return &Archiver{
		rdb:       rdb,
		retention: retention,
		logger:    logger.With().Str("component", "telemetry").Logger(),
	}
}

type bucketAgg struct {
	count int64
	sum   float64
	lo    float64
	hi    float64
}

// HandleBatch folds one partition batch into its rollup buckets.
// Undecodable events are skipped and counted; they would fail identically
// on redelivery.
func (a *Archiver) HandleBatch(ctx context.Context, msgs []*queue.Message) error {
	aggs := make(map[string]*bucketAgg)
	skipped := 0

	for _, msg := range msgs {
		var event model.SensorEvent
		if err := json.Unmarshal(msg.Value, &event); err != nil {
			skipped++
			continue
		}
		if event.DeviceID == "" || event.SensorType == "" {
			skipped++
			continue
		}

		key := a.bucketKey(event.DeviceID, event.SensorType, time.UnixMilli(event.Timestamp))
		agg, ok := aggs[key]
		if !ok {
			agg = &bucketAgg{lo: event.Value, hi: event.Value}
			aggs[key] = agg
		}
		agg.count++
		agg.sum += event.Value
		if event.Value < agg.lo {
			agg.lo = event.Value
		}
		if event.Value > agg.hi {
			agg.hi = event.Value
		}
	}

	if skipped > 0 {
		a.logger.Warn().Int("skipped", skipped).Msg("Undecodable events in batch")
	}

	for key, agg := range aggs {
		err := mergeScript.Run(ctx, a.rdb, []string{key},
			agg.count,
			agg.sum,
			agg.lo,
			agg.hi,
			a.retention.Milliseconds(),
		).Err()
		if err != nil {
			return fmt.Errorf("merge rollup %s: %w", key, err)
		}
	}
	return nil
}

// Window reads the rollup bucket covering the given instant.
func (a *Archiver) Window(ctx context.Context, deviceID, sensorType string, at time.Time) (*Rollup, error) {
	key := a.bucketKey(deviceID, sensorType, at)
	fields, err := a.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("read rollup %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNoRollup
	}

	r := &Rollup{}
	r.Count, _ = strconv.ParseInt(fields["count"], 10, 64)
	r.Sum, _ = strconv.ParseFloat(fields["sum"], 64)
	r.Min, _ = strconv.ParseFloat(fields["min"], 64)
	r.Max, _ = strconv.ParseFloat(fields["max"], 64)
	return r, nil
}

// bucketKey renders the hourly bucket key for a reading timestamp.
func (a *Archiver) bucketKey(deviceID, sensorType string, t time.Time) string {
	bucket := t.UTC().Truncate(time.Hour).Unix()
	return rollupPrefix + deviceID + ":" + sensorType + ":" + strconv.FormatInt(bucket, 10)
}
