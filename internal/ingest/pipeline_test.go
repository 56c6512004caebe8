package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"meterhub/server/internal/model"
	"meterhub/server/internal/registry"
	"meterhub/server/internal/store"
	"meterhub/server/internal/telemetry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	dataDir  string
	store    *store.Store
	writer   *telemetry.Writer
	registry *registry.Registry
	pipeline *Pipeline
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "meters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))

	dataDir := filepath.Join(dir, "meter_data")
	w, err := telemetry.NewWriter(dataDir)
	require.NoError(t, err)

	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}

	return &harness{
		dataDir:  dataDir,
		store:    s,
		writer:   w,
		registry: registry.New(s, now),
		pipeline: New(Deps{Meters: s, LastSeen: s, Streams: w, Drops: s, Now: now}),
	}
}

func (h *harness) configure(t *testing.T, id string) {
	t.Helper()
	ssid, pass, url, interval := "wifi", "pw", "http://srv/upload", 60
	_, err := h.registry.Configure(context.Background(), registry.ConfigureRequest{
		MeterID:        &id,
		SSID:           &ssid,
		Password:       &pass,
		ServerURL:      &url,
		SampleInterval: &interval,
	})
	require.NoError(t, err)
}

func (h *harness) streamRows(t *testing.T, meterID, sensorID string) [][]string {
	t.Helper()
	f, err := os.Open(filepath.Join(h.dataDir, telemetry.StreamName(meterID, sensorID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func upload(meterID, sensorID, data string) Upload {
	return Upload{MeterID: meterID, SensorID: sensorID, Data: &data}
}

const goodLine = "SN123 2024-01-01 12:00:00 OK 21.5 800"

func TestIngestAppendsRecord(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")

	out, err := h.pipeline.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.Status)
	assert.False(t, out.Dropped)

	rows := h.streamRows(t, "m-1", "s-1")
	require.Len(t, rows, 2)
	assert.Equal(t, telemetry.Header, rows[0])
	assert.Equal(t, []string{"SN123", "2024-01-01 12:00:00", "OK", "21.5", "800"}, rows[1][1:])
}

func TestIngestUnconfiguredMeter(t *testing.T) {
	h := newHarness(t)

	out, err := h.pipeline.Ingest(context.Background(), upload("ghost", "s-1", goodLine))
	require.NoError(t, err)
	assert.Equal(t, ConfigRequired, out.Status)
	assert.Nil(t, h.streamRows(t, "ghost", "s-1"))
}

func TestIngestShortPayloadIsDropped(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")
	ctx := context.Background()

	out, err := h.pipeline.Ingest(ctx, upload("m-1", "s-1", "SN123 OK"))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.Status)
	assert.True(t, out.Dropped)

	assert.Nil(t, h.streamRows(t, "m-1", "s-1"))
	assert.Equal(t, uint64(1), h.pipeline.Drops())

	count, err := h.store.CountDrops(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestIngestEmptyDataIsDropped(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")

	out, err := h.pipeline.Ingest(context.Background(), upload("m-1", "s-1", ""))
	require.NoError(t, err)
	assert.True(t, out.Dropped)
}

func TestIngestValidation(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")

	tests := []struct {
		name   string
		upload Upload
		field  string
		reason string
	}{
		{"missing meter", upload("", "s-1", goodLine), "meter_id", model.ReasonMissingField},
		{"missing sensor", upload("m-1", "", goodLine), "sensor_id", model.ReasonMissingField},
		{"missing data", Upload{MeterID: "m-1", SensorID: "s-1"}, "data", model.ReasonMissingField},
		{"bad meter", upload("../m-1", "s-1", goodLine), "meter_id", model.ReasonInvalidIdentifier},
		{"bad sensor", upload("m-1", "a/b", goodLine), "sensor_id", model.ReasonInvalidIdentifier},
		{"sensor with separator", upload("m-1", "b_c", goodLine), "sensor_id", model.ReasonInvalidIdentifier},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.pipeline.Ingest(context.Background(), tt.upload)
			var verr *model.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, tt.reason, verr.Reason)
		})
	}
}

func TestIngestGrowsStreamWithoutRewriting(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")
	ctx := context.Background()
	path := filepath.Join(h.dataDir, telemetry.StreamName("m-1", "s-1"))

	before := []byte{}
	for i := 0; i < 3; i++ {
		_, err := h.pipeline.Ingest(ctx, upload("m-1", "s-1", goodLine))
		require.NoError(t, err)

		after, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Greater(t, len(after), len(before))
		assert.True(t, bytes.HasPrefix(after, before), "append %d rewrote earlier lines", i)
		before = after
	}

	assert.Len(t, h.streamRows(t, "m-1", "s-1"), 4)
}

func TestIngestAdvancesLastSeen(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")
	ctx := context.Background()

	before, err := h.registry.Get(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, before.LastSeen)

	_, err = h.pipeline.Ingest(ctx, upload("m-1", "s-1", goodLine))
	require.NoError(t, err)

	after, err := h.registry.Get(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, after.LastSeen)
	assert.False(t, after.LastSeen.Before(*before.LastSeen))
	assert.True(t, after.LastSeen.After(*before.LastSeen))
}

func TestIngestReordersMeterList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.configure(t, "A")
	h.configure(t, "B")

	_, err := h.pipeline.Ingest(ctx, upload("A", "s-1", goodLine))
	require.NoError(t, err)

	meters, err := h.registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, meters, 2)
	assert.Equal(t, "A", meters[0].MeterID)
	assert.Equal(t, "B", meters[1].MeterID)
}

func TestIngestConcurrentUploads(t *testing.T) {
	h := newHarness(t)
	h.configure(t, "m-1")

	const uploads = 40
	var wg sync.WaitGroup
	for i := 0; i < uploads; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.pipeline.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, h.streamRows(t, "m-1", "s-1"), uploads+1)
}

type fakeMeters struct {
	err error
}

func (f fakeMeters) GetMeter(_ context.Context, id string) (model.MeterConfig, error) {
	if f.err != nil {
		return model.MeterConfig{}, f.err
	}
	return model.MeterConfig{MeterID: id}, nil
}

type fakeToucher struct {
	err   error
	calls int
}

func (f *fakeToucher) TouchLastSeen(context.Context, string, time.Time) error {
	f.calls++
	return f.err
}

type fakeStreams struct {
	err     error
	records []model.TelemetryRecord
}

func (f *fakeStreams) Append(_, _ string, rec model.TelemetryRecord) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, rec)
	return nil
}

type fakeDrops struct {
	entries []model.DroppedPayload
}

func (f *fakeDrops) InsertDrop(_ context.Context, d model.DroppedPayload) error {
	f.entries = append(f.entries, d)
	return nil
}

func TestIngestTouchFailureIsNotFatal(t *testing.T) {
	toucher := &fakeToucher{err: store.ErrNotFound}
	streams := &fakeStreams{}
	p := New(Deps{Meters: fakeMeters{}, LastSeen: toucher, Streams: streams})

	out, err := p.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
	require.NoError(t, err)
	assert.Equal(t, Accepted, out.Status)
	assert.Equal(t, 1, toucher.calls)
	assert.Len(t, streams.records, 1)
}

func TestIngestAppendFailure(t *testing.T) {
	toucher := &fakeToucher{}
	p := New(Deps{Meters: fakeMeters{}, LastSeen: toucher, Streams: &fakeStreams{err: errors.New("disk full")}})

	_, err := p.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, toucher.calls)
}

func TestIngestLookupFailure(t *testing.T) {
	p := New(Deps{Meters: fakeMeters{err: errors.New("database is locked")}, LastSeen: &fakeToucher{}, Streams: &fakeStreams{}})

	_, err := p.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
	require.Error(t, err)

	var verr *model.ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestIngestReceivedAtFromPipelineClock(t *testing.T) {
	at := time.Date(2030, 5, 6, 7, 8, 9, 0, time.UTC)
	streams := &fakeStreams{}
	p := New(Deps{Meters: fakeMeters{}, LastSeen: &fakeToucher{}, Streams: streams, Now: func() time.Time { return at }})

	_, err := p.Ingest(context.Background(), upload("m-1", "s-1", goodLine))
	require.NoError(t, err)
	require.Len(t, streams.records, 1)
	assert.Equal(t, at, streams.records[0].ReceivedAt)
}

func TestDropPayloadIsTruncated(t *testing.T) {
	drops := &fakeDrops{}
	p := New(Deps{Meters: fakeMeters{}, LastSeen: &fakeToucher{}, Streams: &fakeStreams{}, Drops: drops})

	long := strings.Repeat("x", maxDropPayload+100)
	out, err := p.Ingest(context.Background(), upload("m-1", "s-1", long))
	require.NoError(t, err)
	assert.True(t, out.Dropped)

	require.Len(t, drops.entries, 1)
	assert.Len(t, drops.entries[0].Payload, maxDropPayload)
	assert.Equal(t, telemetry.ErrShortPayload.Error(), drops.entries[0].Reason)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "config_required", ConfigRequired.String())
	assert.Equal(t, "status(7)", Status(7).String())
}
