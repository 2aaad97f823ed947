package alarm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/queue"
)

// Suppression media.
const (
	SuppressionWater = "water"
	SuppressionFoam  = "foam"
	SuppressionGas   = "gas"
)

// AlarmTypeFire is the alarm type that triggers automatic suppression.
const AlarmTypeFire = "FIRE"

// ErrAlarmNotFound is returned for ack/resolve of an unknown alarm.
var ErrAlarmNotFound = errors.New("alarm: not found in active index")

// Suppressor activates physical fire suppression for a device.
type Suppressor interface {
	ActivateSuppression(ctx context.Context, deviceID, zoneID, suppressionType string, intensity int) error
}

// Distributor fans an alarm out to the delivery sinks.
type Distributor interface {
	Distribute(ctx context.Context, alarm *model.AlarmEvent)
}

// Consumer handles the alarm-events topic: it maintains the active-alarms
// index, triggers suppression for critical fire alarms, and hands each
// alarm to the distributor.
type Consumer struct {
	suppressor  Suppressor
	distributor Distributor
	logger      zerolog.Logger

	mu       sync.RWMutex
	byID     map[string]*model.AlarmEvent
	byDevice map[string]map[string]*model.AlarmEvent
	counts   map[model.Severity]uint64

	now func() time.Time
}

// NewConsumer creates the alarm-events handler.
func NewConsumer(suppressor Suppressor, distributor Distributor, logger zerolog.Logger) *Consumer {
	return &Consumer{
		suppressor:  suppressor,
		distributor: distributor,
		logger:      logger.With().Str("component", "alarm-consumer").Logger(),
		byID:        make(map[string]*model.AlarmEvent),
		byDevice:    make(map[string]map[string]*model.AlarmEvent),
		counts:      make(map[model.Severity]uint64),
		now:         time.Now,
	}
}

// Handle processes one alarm-events message.
func (c *Consumer) Handle(ctx context.Context, msg *queue.Message) error {
	alarm, err := model.DecodeAlarm(msg.Value)
	if err != nil {
		return queue.Permanent(err)
	}

	c.index(alarm)

	if alarm.Severity == model.SeverityHigh && alarm.AlarmType == AlarmTypeFire {
		c.triggerSuppression(ctx, alarm)
	}

	c.distributor.Distribute(ctx, alarm)
	return nil
}

func (c *Consumer) index(alarm *model.AlarmEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byID[alarm.ID] = alarm
	if c.byDevice[alarm.DeviceID] == nil {
		c.byDevice[alarm.DeviceID] = make(map[string]*model.AlarmEvent)
	}
	c.byDevice[alarm.DeviceID][alarm.ID] = alarm
	c.counts[alarm.Severity]++
}

// triggerSuppression picks the medium from the room tag and activates it at
// full intensity. A failed activation is logged and does not block the
// alarm's delivery path.
func (c *Consumer) triggerSuppression(ctx context.Context, alarm *model.AlarmEvent) {
	suppressionType := SuppressionTypeForRoom(alarm.Location.Room)
	zone := alarm.Location.Zone
	if zone == "" {
		zone = alarm.Location.Room
	}
	if err := c.suppressor.ActivateSuppression(ctx, alarm.DeviceID, zone, suppressionType, 100); err != nil {
		c.logger.Error().
			Err(err).
			Str("alarm_id", alarm.ID).
			Str("device_id", alarm.DeviceID).
			Str("suppression_type", suppressionType).
			Msg("Suppression activation failed")
		return
	}
	c.logger.Warn().
		Str("alarm_id", alarm.ID).
		Str("device_id", alarm.DeviceID).
		Str("suppression_type", suppressionType).
		Msg("Suppression activated")
}

// SuppressionTypeForRoom maps a room tag to the suppression medium. Rooms
// with electronics get gas, rooms with open flame or chemicals get foam,
// everything else gets water.
func SuppressionTypeForRoom(room string) string {
	r := strings.ToLower(room)
	switch {
	case strings.Contains(r, "server"), strings.Contains(r, "data"):
		return SuppressionGas
	case strings.Contains(r, "kitchen"), strings.Contains(r, "lab"):
		return SuppressionFoam
	default:
		return SuppressionWater
	}
}

// Ack marks an active alarm as acknowledged.
func (c *Consumer) Ack(alarmID, by string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	alarm, ok := c.byID[alarmID]
	if !ok {
		return ErrAlarmNotFound
	}
	alarm.Ack = true
	alarm.AckBy = by
	alarm.AckAt = c.now().UTC()
	return nil
}

// Resolve marks an alarm resolved and removes it from the active index.
func (c *Consumer) Resolve(alarmID, by string) (*model.AlarmEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	alarm, ok := c.byID[alarmID]
	if !ok {
		return nil, ErrAlarmNotFound
	}
	alarm.Resolved = true
	alarm.ResolvedBy = by
	alarm.ResolvedAt = c.now().UTC()

	delete(c.byID, alarmID)
	if perDevice := c.byDevice[alarm.DeviceID]; perDevice != nil {
		delete(perDevice, alarmID)
		if len(perDevice) == 0 {
			delete(c.byDevice, alarm.DeviceID)
		}
	}
	return alarm, nil
}

// Active returns the active alarms for a device.
func (c *Consumer) Active(deviceID string) []*model.AlarmEvent {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*model.AlarmEvent, 0, len(c.byDevice[deviceID]))
	for _, alarm := range c.byDevice[deviceID] {
		out = append(out, alarm)
	}
	return out
}

// ActiveCount returns the number of active alarms across all devices.
func (c *Consumer) ActiveCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byID)
}

// SeverityCounts returns how many alarms have been consumed per severity.
func (c *Consumer) SeverityCounts() map[model.Severity]uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[model.Severity]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
