// Package alarm turns matched rules into alarm events and consumes them on
// the other side of the alarm-events topic.
package alarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/dedup"
	"github.com/firesentinel/firesentinel/internal/ident"
	"github.com/firesentinel/firesentinel/internal/model"
	"github.com/firesentinel/firesentinel/internal/monitoring"
	"github.com/firesentinel/firesentinel/internal/queue"
)

// Producer builds AlarmEvents from candidates and publishes them to the
// alarm-events topic, partitioned by device.
type Producer struct {
	ids     *ident.Generator
	deduper *dedup.Deduper
	pub     queue.Publisher
	logger  zerolog.Logger
	now     func() time.Time
}

// NewProducer creates an alarm producer.
func NewProducer(ids *ident.Generator, deduper *dedup.Deduper, pub queue.Publisher, logger zerolog.Logger) *Producer {
	return &Producer{
		ids:     ids,
		deduper: deduper,
		pub:     pub,
		logger:  logger.With().Str("component", "alarm-producer").Logger(),
		now:     time.Now,
	}
}

// Emit deduplicates the candidate, enriches it into an AlarmEvent with a
// fresh ID, and publishes it. Suppressed duplicates return nil.
func (p *Producer) Emit(ctx context.Context, rule *model.Rule, event *model.SensorEvent) error {
	fp := model.Fingerprint{RuleID: rule.ID, DeviceID: event.DeviceID, SensorType: event.SensorType}
	if !p.deduper.IsNew(ctx, fp) {
		p.logger.Debug().Str("fingerprint", fp.String()).Msg("Duplicate alarm suppressed")
		return nil
	}

	id, err := p.ids.Next(ident.TypeAlarm)
	if err != nil {
		return fmt.Errorf("allocate alarm id: %w", err)
	}

	alarm := &model.AlarmEvent{
		ID:        strconv.FormatInt(id, 10),
		DeviceID:  event.DeviceID,
		AlarmType: rule.AlarmType,
		Severity:  rule.Severity,
		Value:     event.Value,
		Unit:      event.Unit,
		Timestamp: p.now().UTC(),
		Location:  rule.Location,
		Notes:     "triggered by rule: " + rule.Name,
	}
	if len(rule.Metadata) > 0 {
		if meta, err := encodeMetadata(rule.Metadata); err == nil {
			alarm.Metadata = meta
		}
	}

	payload, err := model.EncodeAlarm(alarm)
	if err != nil {
		return fmt.Errorf("encode alarm %s: %w", alarm.ID, err)
	}
	if err := p.pub.Publish(ctx, queue.TopicAlarmEvents, alarm.DeviceID, payload); err != nil {
		return err
	}

	monitoring.AlarmsEmitted.WithLabelValues(string(alarm.Severity)).Inc()
	p.logger.Info().
		Str("alarm_id", alarm.ID).
		Str("device_id", alarm.DeviceID).
		Str("alarm_type", alarm.AlarmType).
		Str("severity", string(alarm.Severity)).
		Float64("value", alarm.Value).
		Msg("Alarm emitted")
	return nil
}

func encodeMetadata(meta map[string]string) (string, error) {
	data, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
