// Package model holds the wire and domain types shared across the pipeline.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Sensor types understood by the platform.
const (
	SensorTemperature = "temperature"
	SensorHumidity    = "humidity"
	SensorSmoke       = "smoke"
	SensorCO          = "co"
)

// Severity of an alarm.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Operator is a rule comparison operator.
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "="
	OpNotEqual     Operator = "!="
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

// Location tags a device position inside a building.
type Location struct {
	Building string `json:"building,omitempty"`
	Floor    string `json:"floor,omitempty"`
	Room     string `json:"room,omitempty"`
	Zone     string `json:"zone,omitempty"`
}

// Device is the identity record for a connected sensor unit.
type Device struct {
	DeviceID     string    `json:"device_id"`
	Name         string    `json:"name,omitempty"`
	Type         string    `json:"type,omitempty"`
	APIKey       string    `json:"api_key,omitempty"`
	Enabled      bool      `json:"enabled"`
	RegisteredAt time.Time `json:"registered_at,omitempty"`
	LastSeenAt   time.Time `json:"last_seen_at,omitempty"`
}

// Reading is one sensor measurement inside a data message.
type Reading struct {
	Type  string  `json:"type"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// DataMessage is the device wire format for sensor data.
type DataMessage struct {
	Type      string    `json:"type"`
	Readings  []Reading `json:"readings"`
	Timestamp int64     `json:"timestamp"` // epoch ms, device clock
}

// SensorEvent is a single reading after pre-filtering, enriched and keyed
// for the sensor-data topic.
type SensorEvent struct {
	ID             int64   `json:"id"`
	DeviceID       string  `json:"device_id"`
	SensorType     string  `json:"sensor_type"`
	Value          float64 `json:"value"`
	Unit           string  `json:"unit,omitempty"`
	Timestamp      int64   `json:"timestamp"`       // epoch ms, device clock
	PreprocessedAt int64   `json:"preprocessed_at"` // epoch ms, server clock
}

// Rule is a threshold rule evaluated against the sensor stream.
type Rule struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	DeviceID      string            `json:"device_id"`
	SensorType    string            `json:"sensor_type"`
	Operator      Operator          `json:"operator"`
	Threshold     float64           `json:"threshold"`
	WindowSeconds int               `json:"window_seconds"`
	Severity      Severity          `json:"severity"`
	AlarmType     string            `json:"alarm_type"`
	Location      Location          `json:"location"`
	Enabled       bool              `json:"enabled"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Validate checks the rule for structural errors.
func (r *Rule) Validate() error {
	if r.DeviceID == "" {
		return fmt.Errorf("rule %q: device_id is required", r.Name)
	}
	if r.SensorType == "" {
		return fmt.Errorf("rule %q: sensor_type is required", r.Name)
	}
	if !r.Operator.Valid() {
		return fmt.Errorf("rule %q: unknown operator %q", r.Name, r.Operator)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("rule %q: unknown severity %q", r.Name, r.Severity)
	}
	if r.WindowSeconds < 0 {
		return fmt.Errorf("rule %q: window_seconds must be >= 0", r.Name)
	}
	return nil
}

// Fingerprint identifies a logically recurring alarm.
type Fingerprint struct {
	RuleID     string
	DeviceID   string
	SensorType string
}

// String renders the fingerprint as the dedup key component.
func (f Fingerprint) String() string {
	return f.RuleID + ":" + f.DeviceID + ":" + f.SensorType
}

// AlarmEvent is an emitted alarm. Immutable after emission except for the
// ack/resolve transitions.
type AlarmEvent struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	AlarmType  string    `json:"alarm_type"`
	Severity   Severity  `json:"severity"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Location   Location  `json:"location"`
	Ack        bool      `json:"acknowledged"`
	AckBy      string    `json:"acknowledged_by,omitempty"`
	AckAt      time.Time `json:"acknowledged_at,omitempty"`
	Resolved   bool      `json:"resolved"`
	ResolvedBy string    `json:"resolved_by,omitempty"`
	ResolvedAt time.Time `json:"resolved_at,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Metadata   string    `json:"metadata,omitempty"`
}

// EncodeAlarm serializes an alarm for queueing, history, and notification.
func EncodeAlarm(a *AlarmEvent) ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAlarm is the inverse of EncodeAlarm.
func DecodeAlarm(data []byte) (*AlarmEvent, error) {
	var a AlarmEvent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("decode alarm: %w", err)
	}
	return &a, nil
}

// SuppressionEvent is published after a successful suppression activation.
type SuppressionEvent struct {
	Event     string `json:"event"` // always "suppression_activated"
	DeviceID  string `json:"device_id"`
	ZoneID    string `json:"zone_id"`
	Type      string `json:"type"` // water | foam | gas
	Intensity int    `json:"intensity"`
	Timestamp int64  `json:"timestamp"` // epoch ms
}

// Session wire messages.

// AuthRequest is the first message a device must send.
type AuthRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// AuthResponse acknowledges or rejects authentication.
type AuthResponse struct {
	Type   string `json:"type"`   // "auth_response"
	Status string `json:"status"` // "success" | "failure"
	Reason string `json:"reason,omitempty"`
}

// HeartbeatResponse replies to a device heartbeat with the server clock.
type HeartbeatResponse struct {
	Type      string `json:"type"`      // "heartbeat_response"
	Timestamp string `json:"timestamp"` // ISO-8601
}

// NewHeartbeatResponse builds a heartbeat reply for the given instant.
func NewHeartbeatResponse(now time.Time) HeartbeatResponse {
	return HeartbeatResponse{
		Type:      "heartbeat_response",
		Timestamp: now.UTC().Format(time.RFC3339),
	}
}
