// Package pubsub publishes alarm and suppression events to NATS for
// off-box subscribers (notification services, automation, analytics).
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/firesentinel/firesentinel/internal/model"
)

// Subjects.
const (
	SubjectAlarmAll    = "alarm.all"
	SubjectSuppression = "suppression.activated"
	SubjectSnapshot    = "alarm.snapshot"
)

// SubjectForSeverity returns the per-severity alarm subject.
func SubjectForSeverity(severity model.Severity) string {
	return "alarm." + strings.ToLower(string(severity))
}

// Publisher is a NATS-backed event publisher.
type Publisher struct {
	nc     *nats.Conn
	logger zerolog.Logger
}

// Connect dials NATS with reconnection enabled.
func Connect(url string, logger zerolog.Logger) (*Publisher, error) {
	log := logger.With().Str("component", "pubsub").Logger()
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	return &Publisher{nc: nc, logger: log}, nil
}

// PublishAlarm publishes an alarm to alarm.all and its severity subject.
func (p *Publisher) PublishAlarm(_ context.Context, alarm *model.AlarmEvent) error {
	payload, err := model.EncodeAlarm(alarm)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(SubjectAlarmAll, payload); err != nil {
		return fmt.Errorf("publish alarm %s: %w", alarm.ID, err)
	}
	if err := p.nc.Publish(SubjectForSeverity(alarm.Severity), payload); err != nil {
		return fmt.Errorf("publish alarm %s: %w", alarm.ID, err)
	}
	return nil
}

// PublishSuppression publishes a suppression activation event.
func (p *Publisher) PublishSuppression(_ context.Context, event *model.SuppressionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := p.nc.Publish(SubjectSuppression, payload); err != nil {
		return fmt.Errorf("publish suppression event for %s: %w", event.DeviceID, err)
	}
	return nil
}

// PublishSnapshot publishes a bootstrap snapshot payload.
func (p *Publisher) PublishSnapshot(_ context.Context, payload []byte) error {
	if err := p.nc.Publish(SubjectSnapshot, payload); err != nil {
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// Close flushes and closes the connection.
func (p *Publisher) Close() {
	if err := p.nc.Flush(); err != nil {
		p.logger.Warn().Err(err).Msg("NATS flush on close failed")
	}
	p.nc.Close()
}
