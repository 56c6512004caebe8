// Package ingest accepts raw telemetry uploads from configured meters and
// appends them to their telemetry streams.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"meterhub/server/internal/model"
	"meterhub/server/internal/store"
	"meterhub/server/internal/telemetry"
)

// MeterLookup finds a meter's configuration; it returns store.ErrNotFound when none exists.
type MeterLookup interface {
	GetMeter(ctx context.Context, id string) (model.MeterConfig, error)
}

// LastSeenToucher records that a meter was heard from.
type LastSeenToucher interface {
	TouchLastSeen(ctx context.Context, id string, at time.Time) error
}

// StreamAppender appends one record to a (meter, sensor) stream.
type StreamAppender interface {
	Append(meterID, sensorID string, rec model.TelemetryRecord) error
}

// DropRecorder observes uploads that were accepted but not persisted.
type DropRecorder interface {
	InsertDrop(ctx context.Context, d model.DroppedPayload) error
}

// Status is the outcome of an upload that passed validation.
type Status int

const (
	// Accepted means the upload was taken; the record may still have been dropped.
	Accepted Status = iota
	// ConfigRequired means the meter has no configuration and must provision before uploading.
	ConfigRequired
)

func (s Status) String() string {
	switch s {
	case Accepted:
		return "accepted"
	case ConfigRequired:
		return "config_required"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Upload is one telemetry report. A nil Data means the field was absent.
type Upload struct {
	MeterID  string  `json:"meter_id"`
	SensorID string  `json:"sensor_id"`
	Data     *string `json:"data"`
}

// Outcome describes what Ingest did with an upload.
type Outcome struct {
	Status  Status
	Dropped bool
}

const maxDropPayload = 4096

// Deps are the collaborators of a Pipeline. Drops and Logger are optional.
type Deps struct {
	Meters   MeterLookup
	LastSeen LastSeenToucher
	Streams  StreamAppender
	Drops    DropRecorder
	Logger   *slog.Logger
	Now      func() time.Time
}

// Pipeline gatekeeps, parses and persists telemetry uploads.
type Pipeline struct {
	meters   MeterLookup
	lastSeen LastSeenToucher
	streams  StreamAppender
	drops    DropRecorder
	logger   *slog.Logger
	now      func() time.Time

	dropped atomic.Uint64
}

// New builds a pipeline from deps.
func New(deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Pipeline{
		meters:   deps.Meters,
		lastSeen: deps.LastSeen,
		streams:  deps.Streams,
		drops:    deps.Drops,
		logger:   logger,
		now:      now,
	}
}

// Drops returns how many short payloads this pipeline has dropped since it was built.
func (p *Pipeline) Drops() uint64 {
	return p.dropped.Load()
}

// Ingest handles one upload. Validation failures are returned as *model.ValidationError;
// any other error is a storage fault.
func (p *Pipeline) Ingest(ctx context.Context, u Upload) (Outcome, error) {
	switch {
	case u.MeterID == "":
		return Outcome{}, &model.ValidationError{Field: "meter_id", Reason: model.ReasonMissingField}
	case u.SensorID == "":
		return Outcome{}, &model.ValidationError{Field: "sensor_id", Reason: model.ReasonMissingField}
	case u.Data == nil:
		return Outcome{}, &model.ValidationError{Field: "data", Reason: model.ReasonMissingField}
	}

	if !telemetry.ValidIdentifier(u.MeterID) {
		return Outcome{}, &model.ValidationError{Field: "meter_id", Reason: model.ReasonInvalidIdentifier}
	}
	if !telemetry.ValidSensorIdentifier(u.SensorID) {
		return Outcome{}, &model.ValidationError{Field: "sensor_id", Reason: model.ReasonInvalidIdentifier}
	}

	if _, err := p.meters.GetMeter(ctx, u.MeterID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			p.logger.Info("upload from unconfigured meter", "meter", u.MeterID, "sensor", u.SensorID)
			return Outcome{Status: ConfigRequired}, nil
		}
		return Outcome{}, fmt.Errorf("lookup meter: %w", err)
	}

	receivedAt := p.now()
	rec, err := telemetry.Parse(*u.Data, receivedAt)
	if err != nil {
		p.recordDrop(ctx, u, err)
		return Outcome{Status: Accepted, Dropped: true}, nil
	}

	if err := p.streams.Append(u.MeterID, u.SensorID, rec); err != nil {
		return Outcome{}, fmt.Errorf("append telemetry: %w", err)
	}

	if err := p.lastSeen.TouchLastSeen(ctx, u.MeterID, receivedAt); err != nil {
		p.logger.Warn("update last seen failed", "meter", u.MeterID, "error", err)
	}

	p.logger.Debug("ingested telemetry", "meter", u.MeterID, "sensor", u.SensorID, "serial", rec.SerialNumber)
	return Outcome{Status: Accepted}, nil
}

func (p *Pipeline) recordDrop(ctx context.Context, u Upload, cause error) {
	total := p.dropped.Add(1)
	p.logger.Warn("dropped telemetry payload",
		"meter", u.MeterID,
		"sensor", u.SensorID,
		"reason", cause,
		"dropped_total", total,
	)

	if p.drops == nil {
		return
	}

	entry := model.DroppedPayload{
		MeterID:   u.MeterID,
		SensorID:  u.SensorID,
		Payload:   truncateString(*u.Data, maxDropPayload),
		Reason:    cause.Error(),
		CreatedAt: p.now(),
	}
	if err := p.drops.InsertDrop(ctx, entry); err != nil {
		p.logger.Error("failed to persist dropped payload", "meter", u.MeterID, "error", err)
	}
}

func truncateString(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
