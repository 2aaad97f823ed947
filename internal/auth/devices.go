package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
)

// Redis key prefixes for device state.
const (
	deviceInfoPrefix   = "device:info:"
	deviceStatusPrefix = "device:status:"
)

// DeviceStore persists device identity records and liveness status.
type DeviceStore struct {
	rdb    *redis.Client
	logger zerolog.Logger
}

// NewDeviceStore wraps a Redis client with the device key schema.
func NewDeviceStore(rdb *redis.Client, logger zerolog.Logger) *DeviceStore {
	return &DeviceStore{
		rdb:    rdb,
		logger: logger.With().Str("component", "device-store").Logger(),
	}
}

// Get loads a device record. Returns redis.Nil-wrapped error when missing.
func (s *DeviceStore) Get(ctx context.Context, deviceID string) (*model.Device, error) {
	fields, err := s.rdb.HGetAll(ctx, deviceInfoPrefix+deviceID).Result()
	if err != nil {
		return nil, fmt.Errorf("load device %s: %w", deviceID, err)
	}
	if len(fields) == 0 {
		return nil, ErrInvalidCredentials
	}

	dev := &model.Device{
		DeviceID: deviceID,
		Name:     fields["name"],
		Type:     fields["type"],
		APIKey:   fields["api_key"],
		Enabled:  fields["enabled"] == "1",
	}
	if v, ok := fields["registered_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			dev.RegisteredAt = time.UnixMilli(ms)
		}
	}
	if v, ok := fields["last_seen_at"]; ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			dev.LastSeenAt = time.UnixMilli(ms)
		}
	}
	return dev, nil
}

// Save writes a device record. Used by onboarding and tests.
func (s *DeviceStore) Save(ctx context.Context, dev *model.Device) error {
	enabled := "0"
	if dev.Enabled {
		enabled = "1"
	}
	fields := map[string]any{
		"name":    dev.Name,
		"type":    dev.Type,
		"api_key": dev.APIKey,
		"enabled": enabled,
	}
	if !dev.RegisteredAt.IsZero() {
		fields["registered_at"] = dev.RegisteredAt.UnixMilli()
	}
	if !dev.LastSeenAt.IsZero() {
		fields["last_seen_at"] = dev.LastSeenAt.UnixMilli()
	}
	if err := s.rdb.HSet(ctx, deviceInfoPrefix+dev.DeviceID, fields).Err(); err != nil {
		return fmt.Errorf("save device %s: %w", dev.DeviceID, err)
	}
	return nil
}

// SetEnabled flips the admin enable flag.
func (s *DeviceStore) SetEnabled(ctx context.Context, deviceID string, enabled bool) error {
	v := "0"
	if enabled {
		v = "1"
	}
	return s.rdb.HSet(ctx, deviceInfoPrefix+deviceID, "enabled", v).Err()
}

// TouchLastSeen updates the device's last_seen_at timestamp.
func (s *DeviceStore) TouchLastSeen(ctx context.Context, deviceID string, now time.Time) error {
	return s.rdb.HSet(ctx, deviceInfoPrefix+deviceID, "last_seen_at", now.UnixMilli()).Err()
}

// PublishStatus writes the device liveness record. The TTL must exceed the
// session idle timeout so a live session always has a live status entry.
func (s *DeviceStore) PublishStatus(ctx context.Context, deviceID string, connected bool, ttl time.Duration) error {
	fields := map[string]any{
		"device_id": deviceID,
		"connected": strconv.FormatBool(connected),
		"last_seen": time.Now().UTC().Format(time.RFC3339),
	}
	key := deviceStatusPrefix + deviceID
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, key, fields)
	if connected {
		pipe.Expire(ctx, key, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("publish status %s: %w", deviceID, err)
	}
	return nil
}

// Status reads the liveness record for a device. The second return is false
// when no status entry exists (expired or never connected).
func (s *DeviceStore) Status(ctx context.Context, deviceID string) (map[string]string, bool, error) {
	fields, err := s.rdb.HGetAll(ctx, deviceStatusPrefix+deviceID).Result()
	if err != nil {
		return nil, false, err
	}
	return fields, len(fields) > 0, nil
}
