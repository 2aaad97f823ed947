package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAlarmEncodeDecodeRoundTrip(t *testing.T) {
	original := &AlarmEvent{
		ID:        "123456789",
		DeviceID:  "device-1",
		AlarmType: "FIRE",
		Severity:  SeverityHigh,
		Value:     87.5,
		Unit:      "ppm",
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Location: Location{
			Building: "hq",
			Floor:    "3",
			Room:     "server-rack-2",
			Zone:     "z-14",
		},
		Notes:    "Triggered by rule: smoke-high",
		Metadata: "sensor-batch=7",
	}

	data, err := EncodeAlarm(original)
	require.NoError(t, err)

	decoded, err := DecodeAlarm(data)
	require.NoError(t, err)
	assert.Equal(t, original, decoded)
}

func TestAlarmEnvelopeFields(t *testing.T) {
	a := &AlarmEvent{
		ID:        "1",
		DeviceID:  "d1",
		AlarmType: "SMOKE",
		Severity:  SeverityMedium,
		Timestamp: time.Unix(1700000000, 0).UTC(),
	}
	data, err := EncodeAlarm(a)
	require.NoError(t, err)

	var envelope map[string]any
	require.NoError(t, json.Unmarshal(data, &envelope))

	// Ack/resolve flags must always be present, even when false.
	assert.Contains(t, envelope, "acknowledged")
	assert.Contains(t, envelope, "resolved")
	assert.Equal(t, "d1", envelope["device_id"])
	assert.Equal(t, "MEDIUM", envelope["severity"])
}

func TestRuleValidate(t *testing.T) {
	valid := Rule{
		Name:       "smoke-high",
		DeviceID:   "d1",
		SensorType: SensorSmoke,
		Operator:   OpGreater,
		Threshold:  50,
		Severity:   SeverityHigh,
		AlarmType:  "SMOKE",
	}
	assert.NoError(t, valid.Validate())

	cases := []struct {
		name   string
		mutate func(*Rule)
	}{
		{"missing device", func(r *Rule) { r.DeviceID = "" }},
		{"missing sensor", func(r *Rule) { r.SensorType = "" }},
		{"bad operator", func(r *Rule) { r.Operator = "~=" }},
		{"bad severity", func(r *Rule) { r.Severity = "CRITICAL" }},
		{"negative window", func(r *Rule) { r.WindowSeconds = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := valid
			tc.mutate(&r)
			assert.Error(t, r.Validate())
		})
	}
}

func TestDataMessageWireShape(t *testing.T) {
	raw := `{"type":"data","readings":[{"type":"temperature","value":25.0,"unit":"C"}],"timestamp":1700000000000}`

	var msg DataMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))
	assert.Equal(t, "data", msg.Type)
	require.Len(t, msg.Readings, 1)
	assert.Equal(t, SensorTemperature, msg.Readings[0].Type)
	assert.Equal(t, 25.0, msg.Readings[0].Value)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestHeartbeatResponseISO8601(t *testing.T) {
	now := time.Date(2026, 8, 25, 9, 30, 0, 0, time.UTC)
	resp := NewHeartbeatResponse(now)
	assert.Equal(t, "heartbeat_response", resp.Type)

	parsed, err := time.Parse(time.RFC3339, resp.Timestamp)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(now))
}

func TestFingerprintString(t *testing.T) {
	fp := Fingerprint{RuleID: "r1", DeviceID: "d1", SensorType: SensorSmoke}
	assert.Equal(t, "r1:d1:smoke", fp.String())
}
