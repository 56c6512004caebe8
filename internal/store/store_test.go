package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"meterhub/server/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "meters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.InitSchema(context.Background()))
	return s
}

func meterAt(id string, seen time.Time) model.MeterConfig {
	return model.MeterConfig{
		MeterID:        id,
		SSID:           "plant-wifi",
		Password:       "hunter2",
		ServerURL:      "http://10.0.0.5:5000/upload",
		SampleInterval: 60,
		LastSeen:       &seen,
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "nested", "meters.db"))
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Ping(context.Background()))
	assert.DirExists(t, filepath.Join(dir, "nested"))
}

func TestInitSchemaIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.InitSchema(context.Background()))
}

func TestUpsertAndGetMeter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seen := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMeter(ctx, meterAt("m-1", seen)))

	got, err := s.GetMeter(ctx, "m-1")
	require.NoError(t, err)

	assert.Equal(t, "m-1", got.MeterID)
	assert.Equal(t, "plant-wifi", got.SSID)
	assert.Equal(t, "hunter2", got.Password)
	assert.Equal(t, "http://10.0.0.5:5000/upload", got.ServerURL)
	assert.Equal(t, 60, got.SampleInterval)
	require.NotNil(t, got.LastSeen)
	assert.True(t, seen.Equal(*got.LastSeen))
}

func TestUpsertReplacesAllFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.UpsertMeter(ctx, meterAt("m-1", first)))

	second := model.MeterConfig{
		MeterID:        "m-1",
		SSID:           "new-ssid",
		Password:       "",
		ServerURL:      "http://example.test/upload",
		SampleInterval: 10,
		LastSeen:       ptr(first.Add(time.Minute)),
	}
	require.NoError(t, s.UpsertMeter(ctx, second))

	got, err := s.GetMeter(ctx, "m-1")
	require.NoError(t, err)
	assert.Equal(t, "new-ssid", got.SSID)
	assert.Empty(t, got.Password)
	assert.Equal(t, "http://example.test/upload", got.ServerURL)
	assert.Equal(t, 10, got.SampleInterval)

	count, err := s.CountMeters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetMeterNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMeter(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTouchLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	first := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpsertMeter(ctx, meterAt("m-1", first)))

	later := first.Add(90 * time.Second)
	require.NoError(t, s.TouchLastSeen(ctx, "m-1", later))

	got, err := s.GetMeter(ctx, "m-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastSeen)
	assert.True(t, later.Equal(*got.LastSeen))
	assert.Equal(t, "plant-wifi", got.SSID)
}

func TestTouchLastSeenNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.TouchLastSeen(context.Background(), "ghost", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListMetersOrdersByLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	// Sub-second offsets exercise the fixed-width timestamp ordering.
	require.NoError(t, s.UpsertMeter(ctx, meterAt("a", base)))
	require.NoError(t, s.UpsertMeter(ctx, meterAt("b", base.Add(500*time.Millisecond))))
	require.NoError(t, s.UpsertMeter(ctx, meterAt("c", base.Add(time.Second))))
	require.NoError(t, s.TouchLastSeen(ctx, "a", base.Add(1500*time.Millisecond)))

	meters, err := s.ListMeters(ctx)
	require.NoError(t, err)
	require.Len(t, meters, 3)

	assert.Equal(t, "a", meters[0].MeterID)
	assert.Equal(t, "c", meters[1].MeterID)
	assert.Equal(t, "b", meters[2].MeterID)
}

func TestListMetersEmpty(t *testing.T) {
	s := newTestStore(t)

	meters, err := s.ListMeters(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, meters)
	assert.Empty(t, meters)
}

func TestMeterWithoutLastSeen(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := meterAt("m-1", time.Time{})
	m.LastSeen = nil
	require.NoError(t, s.UpsertMeter(ctx, m))

	got, err := s.GetMeter(ctx, "m-1")
	require.NoError(t, err)
	assert.Nil(t, got.LastSeen)
}

func TestInsertAndCountDrops(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	count, err := s.CountDrops(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)

	require.NoError(t, s.InsertDrop(ctx, model.DroppedPayload{
		MeterID:  "m-1",
		SensorID: "s-1",
		Payload:  "SN123 OK",
		Reason:   "short payload",
	}))
	require.NoError(t, s.InsertDrop(ctx, model.DroppedPayload{
		MeterID:   "m-1",
		SensorID:  "s-2",
		Reason:    "short payload",
		CreatedAt: time.Now(),
	}))

	count, err = s.CountDrops(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestClosedStoreFails(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "meters.db"))
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(context.Background()))
	require.NoError(t, s.Close())

	err = s.UpsertMeter(context.Background(), meterAt("m-1", time.Now()))
	assert.Error(t, err)
}

func ptr[T any](v T) *T { return &v }
