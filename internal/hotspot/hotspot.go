// Package hotspot holds the scripted atomic primitives for suppression
// state. Read-modify-write sequences on a device's suppression, counters,
// and history run server-side as single scripts, so concurrent activations
// against the same device cannot interleave.
package hotspot

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
	"github.com/firesentinel/firesentinel/internal/monitoring"
)

// Result of an activation attempt.
type Result string

const (
	ResultActivated Result = "activated"
	ResultUpdated   Result = "updated"
	ResultConflict  Result = "conflict"
)

// Activation failure reasons.
var (
	ErrDeviceNotFound     = errors.New("hotspot: device not found")
	ErrDeviceDisabled     = errors.New("hotspot: device disabled")
	ErrDeviceDisconnected = errors.New("hotspot: device disconnected")
)

// EventPublisher broadcasts suppression events to subscribers.
type EventPublisher interface {
	PublishSuppression(ctx context.Context, event *model.SuppressionEvent) error
}

const historyLimit = 100

// activate checks the device, then creates or updates the suppression
// record, bumps counters, and appends bounded history, all in one script.
var activateScript = redis.NewScript(`
local enabled = redis.call('HGET', KEYS[1], 'enabled')
if not enabled then return 'not_found' end
if enabled ~= '1' then return 'disabled' end
if redis.call('HGET', KEYS[2], 'connected') ~= 'true' then return 'disconnected' end

local current = redis.call('HGET', KEYS[3], 'type')
if current then
  if current ~= ARGV[2] then return 'conflict' end
  redis.call('HSET', KEYS[3], 'intensity', ARGV[3], 'last_updated', ARGV[4])
  return 'updated'
end

redis.call('HSET', KEYS[3],
  'type', ARGV[2], 'zone', ARGV[1], 'intensity', ARGV[3],
  'activated_at', ARGV[4], 'last_updated', ARGV[4])
redis.call('PEXPIRE', KEYS[3], ARGV[5])
redis.call('HINCRBY', KEYS[4], 'total', 1)
redis.call('HINCRBY', KEYS[4], ARGV[2], 1)
redis.call('HSET', KEYS[4], 'last_activation', ARGV[4])
redis.call('LPUSH', KEYS[5], ARGV[6])
redis.call('LTRIM', KEYS[5], 0, 99)
return 'activated'
`)

var incrementScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'total', 1)
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
redis.call('HSET', KEYS[1], 'last_activation', ARGV[2])
return redis.call('HGET', KEYS[1], 'total')
`)

var statusScript = redis.NewScript(`
local info = redis.call('HGETALL', KEYS[1])
if #info == 0 then return false end
return {
  info,
  redis.call('HGETALL', KEYS[2]),
  redis.call('HGETALL', KEYS[3]),
  redis.call('HGETALL', KEYS[4]),
}
`)

// Service executes the hotspot primitives.
type Service struct {
	rdb        *redis.Client
	events     EventPublisher
	locker     *Locker
	autoExpire time.Duration
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates the hotspot service. autoExpire is the suppression ceiling
// after which a suppression record expires on its own. A nil locker gets
// the default wait and lease bounds.
func New(rdb *redis.Client, events EventPublisher, locker *Locker, autoExpire time.Duration, logger zerolog.Logger) *Service {
	if autoExpire <= 0 {
		autoExpire = 30 * time.Minute
	}
	if locker == nil {
		locker = NewLocker(rdb, 0, 0)
	}
	return &Service{
		rdb:        rdb,
		events:     events,
		locker:     locker,
		autoExpire: autoExpire,
		logger:     logger.With().Str("component", "hotspot").Logger(),
		now:        time.Now,
	}
}

// ActivateSuppression atomically activates suppression for a device.
// Returns ResultConflict when a different medium is already active; a
// repeat activation of the same medium refreshes intensity and returns
// ResultUpdated.
func (s *Service) ActivateSuppression(ctx context.Context, deviceID, zoneID, suppressionType string, intensity int) (Result, error) {
	if intensity < 0 || intensity > 100 {
		return "", fmt.Errorf("hotspot: intensity %d out of range 0-100", intensity)
	}
	now := s.now().UnixMilli()

	entry, err := json.Marshal(map[string]any{
		"type":      suppressionType,
		"zone_id":   zoneID,
		"intensity": intensity,
		"timestamp": now,
	})
	if err != nil {
		return "", err
	}

	keys := []string{
		"device:info:" + deviceID,
		"device:status:" + deviceID,
		"device:" + deviceID + ":suppression",
		"device:" + deviceID + ":counters",
		"device:" + deviceID + ":history",
	}
	raw, err := activateScript.Run(ctx, s.rdb, keys,
		zoneID, suppressionType, intensity, now, s.autoExpire.Milliseconds(), string(entry),
	).Text()
	if err != nil {
		return "", fmt.Errorf("activate suppression for %s: %w", deviceID, err)
	}

	switch raw {
	case "not_found":
		return "", ErrDeviceNotFound
	case "disabled":
		return "", ErrDeviceDisabled
	case "disconnected":
		return "", ErrDeviceDisconnected
	case "conflict":
		return ResultConflict, nil
	case "updated":
		return ResultUpdated, nil
	case "activated":
		monitoring.SuppressionActivations.WithLabelValues(suppressionType).Inc()
		s.publishEvent(ctx, deviceID, zoneID, suppressionType, intensity, now)
		return ResultActivated, nil
	}
	return "", fmt.Errorf("activate suppression for %s: unexpected result %q", deviceID, raw)
}

func (s *Service) publishEvent(ctx context.Context, deviceID, zoneID, suppressionType string, intensity int, now int64) {
	if s.events == nil {
		return
	}
	event := &model.SuppressionEvent{
		Event:     "suppression_activated",
		DeviceID:  deviceID,
		ZoneID:    zoneID,
		Type:      suppressionType,
		Intensity: intensity,
		Timestamp: now,
	}
	if err := s.events.PublishSuppression(ctx, event); err != nil {
		s.logger.Error().Err(err).Str("device_id", deviceID).Msg("Suppression event publish failed")
	}
}

// IncrementCounter atomically bumps a device's per-type and total
// suppression counters. Returns the new total.
func (s *Service) IncrementCounter(ctx context.Context, deviceID, suppressionType string) (int64, error) {
	raw, err := incrementScript.Run(ctx, s.rdb,
		[]string{"device:" + deviceID + ":counters"},
		suppressionType, s.now().UnixMilli(),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("increment counter for %s: %w", deviceID, err)
	}
	var total int64
	if _, err := fmt.Sscan(raw, &total); err != nil {
		return 0, fmt.Errorf("parse counter total %q: %w", raw, err)
	}
	return total, nil
}

// SetCounter sets one per-type counter to an explicit value and recomputes
// the total from the per-type fields. The read-modify-write spans several
// commands, so it runs under the (device, counter) lock rather than a
// script.
func (s *Service) SetCounter(ctx context.Context, deviceID, counter string, value int64) error {
	if counter == "total" || counter == "last_activation" {
		return fmt.Errorf("hotspot: counter %q is derived, not settable", counter)
	}
	if value < 0 {
		return fmt.Errorf("hotspot: counter value %d must be >= 0", value)
	}
	key := "device:" + deviceID + ":counters"
	return s.locker.WithLock(ctx, deviceID, counter, func(ctx context.Context) error {
		if err := s.rdb.HSet(ctx, key, counter, value).Err(); err != nil {
			return fmt.Errorf("set counter %s for %s: %w", counter, deviceID, err)
		}
		fields, err := s.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("read counters for %s: %w", deviceID, err)
		}
		var total int64
		for field, raw := range fields {
			if field == "total" || field == "last_activation" {
				continue
			}
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			total += n
		}
		if err := s.rdb.HSet(ctx, key, "total", total).Err(); err != nil {
			return fmt.Errorf("recompute counter total for %s: %w", deviceID, err)
		}
		return nil
	})
}

// GetCounter reads one counter field. A missing device or field reads as
// zero.
func (s *Service) GetCounter(ctx context.Context, deviceID, counter string) (int64, error) {
	raw, err := s.rdb.HGet(ctx, "device:"+deviceID+":counters", counter).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get counter %s for %s: %w", counter, deviceID, err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse counter %s=%q: %w", counter, raw, err)
	}
	return n, nil
}

// DeviceStatus is the combined state snapshot returned by Status.
type DeviceStatus struct {
	Info        map[string]string `json:"info"`
	Status      map[string]string `json:"status"`
	Suppression map[string]string `json:"suppression"`
	Counters    map[string]string `json:"counters"`
}

// Status reads a device's record, liveness, suppression, and counters in
// one consistent snapshot.
func (s *Service) Status(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	keys := []string{
		"device:info:" + deviceID,
		"device:status:" + deviceID,
		"device:" + deviceID + ":suppression",
		"device:" + deviceID + ":counters",
	}
	raw, err := statusScript.Run(ctx, s.rdb, keys).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("device status for %s: %w", deviceID, err)
	}

	sections, ok := raw.([]any)
	if !ok || len(sections) != 4 {
		return nil, fmt.Errorf("device status for %s: unexpected script reply %T", deviceID, raw)
	}
	return &DeviceStatus{
		Info:        pairsToMap(sections[0]),
		Status:      pairsToMap(sections[1]),
		Suppression: pairsToMap(sections[2]),
		Counters:    pairsToMap(sections[3]),
	}, nil
}

// History returns a device's suppression history, newest first.
func (s *Service) History(ctx context.Context, deviceID string, n int) ([]string, error) {
	if n <= 0 || n > historyLimit {
		n = historyLimit
	}
	entries, err := s.rdb.LRange(ctx, "device:"+deviceID+":history", 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("suppression history for %s: %w", deviceID, err)
	}
	return entries, nil
}

func pairsToMap(section any) map[string]string {
	pairs, ok := section.([]any)
	if !ok {
		return map[string]string{}
	}
	m := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		k, kok := pairs[i].(string)
		v, vok := pairs[i+1].(string)
		if kok && vok {
			m[k] = v
		}
	}
	return m
}
