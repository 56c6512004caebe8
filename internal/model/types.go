package model

import (
	"fmt"
	"time"
)

// MinSampleInterval is the shortest sampling cadence a meter may be configured with, in seconds.
const MinSampleInterval = 10

// MeterConfig describes how a meter connects and how often it samples.
type MeterConfig struct {
	MeterID        string     `json:"meter_id"`
	SSID           string     `json:"ssid"`
	Password       string     `json:"password"`
	ServerURL      string     `json:"server_url"`
	SampleInterval int        `json:"sample_interval"`
	LastSeen       *time.Time `json:"last_seen,omitempty"`
}

// TelemetryRecord is one parsed sensor line as stored in a telemetry stream.
type TelemetryRecord struct {
	ReceivedAt      time.Time `json:"received_at"`
	SerialNumber    string    `json:"serial_number"`
	DeviceTimestamp string    `json:"device_timestamp"`
	Status          string    `json:"status"`
	Temperature     string    `json:"temperature"`
	BatteryADC      string    `json:"battery_adc"`
}

// DroppedPayload captures a telemetry upload that was accepted but not persisted.
type DroppedPayload struct {
	MeterID   string    `json:"meter_id"`
	SensorID  string    `json:"sensor_id"`
	Payload   string    `json:"payload"`
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
}

// StreamInfo describes one telemetry stream file on disk.
type StreamInfo struct {
	Filename string    `json:"filename"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Validation reasons shared by the registry and the ingestion pipeline.
const (
	ReasonMissingField      = "missing field"
	ReasonIntervalTooLow    = "interval too low"
	ReasonInvalidIdentifier = "invalid identifier"
)

// ValidationError reports caller input that violates a stated constraint.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Field)
}
