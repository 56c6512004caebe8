// Package telemetry parses raw meter sensor lines and appends them to
// per-(meter, sensor) CSV streams.
package telemetry

import (
	"errors"
	"strings"
	"time"

	"meterhub/server/internal/model"
)

// MinTokens is the number of whitespace-separated tokens a sensor line must carry.
const MinTokens = 6

// ErrShortPayload is returned by Parse when a line has fewer than MinTokens tokens.
var ErrShortPayload = errors.New("telemetry payload has too few tokens")

// Parse turns one raw sensor line into a record stamped with receivedAt.
//
// The line is "<serial> <date> <time> <status> <temperature> <battery_adc>";
// date and time are rejoined into DeviceTimestamp. Tokens after the sixth are ignored.
func Parse(raw string, receivedAt time.Time) (model.TelemetryRecord, error) {
	parts := strings.Fields(raw)
	if len(parts) < MinTokens {
		return model.TelemetryRecord{}, ErrShortPayload
	}

	return model.TelemetryRecord{
		ReceivedAt:      receivedAt,
		SerialNumber:    parts[0],
		DeviceTimestamp: parts[1] + " " + parts[2],
		Status:          parts[3],
		Temperature:     parts[4],
		BatteryADC:      parts[5],
	}, nil
}
