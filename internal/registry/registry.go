// Package registry validates meter configuration requests and persists them.
package registry

import (
	"context"
	"strings"
	"time"

	"meterhub/server/internal/model"
	"meterhub/server/internal/telemetry"
)

// Store is the persistence the registry needs.
type Store interface {
	UpsertMeter(ctx context.Context, m model.MeterConfig) error
	GetMeter(ctx context.Context, id string) (model.MeterConfig, error)
	ListMeters(ctx context.Context) ([]model.MeterConfig, error)
}

// ConfigureRequest carries a configuration upsert. Nil fields were absent from the request.
type ConfigureRequest struct {
	MeterID        *string `json:"meter_id"`
	SSID           *string `json:"ssid"`
	Password       *string `json:"password"`
	ServerURL      *string `json:"server_url"`
	SampleInterval *int    `json:"sample_interval"`
}

// Registry is the configuration registry for meters.
type Registry struct {
	store Store
	now   func() time.Time
}

// New returns a registry backed by store. A nil now uses time.Now.
func New(store Store, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{store: store, now: now}
}

// Configure validates req and inserts or fully replaces the meter's configuration,
// stamping LastSeen. Nothing is written when validation fails.
func (r *Registry) Configure(ctx context.Context, req ConfigureRequest) (model.MeterConfig, error) {
	if err := validate(req); err != nil {
		return model.MeterConfig{}, err
	}

	seen := r.now()
	m := model.MeterConfig{
		MeterID:        *req.MeterID,
		SSID:           *req.SSID,
		Password:       *req.Password,
		ServerURL:      *req.ServerURL,
		SampleInterval: *req.SampleInterval,
		LastSeen:       &seen,
	}

	if err := r.store.UpsertMeter(ctx, m); err != nil {
		return model.MeterConfig{}, err
	}
	return m, nil
}

// Get returns the configuration for meterID. It does not touch LastSeen.
func (r *Registry) Get(ctx context.Context, meterID string) (model.MeterConfig, error) {
	return r.store.GetMeter(ctx, meterID)
}

// List returns all meters, most recently seen first.
func (r *Registry) List(ctx context.Context) ([]model.MeterConfig, error) {
	return r.store.ListMeters(ctx)
}

func validate(req ConfigureRequest) error {
	missing := func(field string) error {
		return &model.ValidationError{Field: field, Reason: model.ReasonMissingField}
	}

	switch {
	case req.MeterID == nil || strings.TrimSpace(*req.MeterID) == "":
		return missing("meter_id")
	case req.SSID == nil:
		return missing("ssid")
	case req.Password == nil:
		return missing("password")
	case req.ServerURL == nil:
		return missing("server_url")
	case req.SampleInterval == nil:
		return missing("sample_interval")
	}

	if !telemetry.ValidIdentifier(*req.MeterID) {
		return &model.ValidationError{Field: "meter_id", Reason: model.ReasonInvalidIdentifier}
	}

	if *req.SampleInterval < model.MinSampleInterval {
		return &model.ValidationError{Field: "sample_interval", Reason: model.ReasonIntervalTooLow}
	}
	return nil
}
