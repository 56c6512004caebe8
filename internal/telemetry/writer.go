package telemetry

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"meterhub/server/internal/model"
)

// Header is the first line of every stream file.
var Header = []string{
	"timestamp",
	"serial_number",
	"datetime",
	"status",
	"temperature",
	"battery_adc",
}

const (
	streamExt = ".csv"
	streamSep = "_"
)

// ErrInvalidStreamName is returned for identifiers or filenames that cannot name a stream file.
var ErrInvalidStreamName = errors.New("invalid stream name")

// Writer appends telemetry records to one CSV file per (meter, sensor) pair.
// Appends to the same stream are serialized; different streams never share a lock.
type Writer struct {
	dir string

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// NewWriter creates the data directory if needed and returns a writer rooted at it.
func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Writer{dir: dir, streams: make(map[string]*sync.Mutex)}, nil
}

// ValidIdentifier reports whether id can be embedded in a stream filename.
func ValidIdentifier(id string) bool {
	if id == "" || id == "." || id == ".." {
		return false
	}
	return !strings.ContainsAny(id, "/\\\x00")
}

// ValidSensorIdentifier reports whether id can name a sensor. Sensor ids may not
// contain the '_' separator, so every stream filename maps back to one (meter, sensor) pair.
func ValidSensorIdentifier(id string) bool {
	return ValidIdentifier(id) && !strings.Contains(id, streamSep)
}

// StreamName returns the filename of the stream for meterID and sensorID.
func StreamName(meterID, sensorID string) string {
	return meterID + streamSep + sensorID + streamExt
}

// Append writes rec as one line of the (meterID, sensorID) stream, writing
// the header first if the stream is empty. The data is synced before Append returns.
func (w *Writer) Append(meterID, sensorID string, rec model.TelemetryRecord) error {
	if !ValidIdentifier(meterID) || !ValidSensorIdentifier(sensorID) {
		return ErrInvalidStreamName
	}

	name := StreamName(meterID, sensorID)
	lock := w.streamLock(name)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open stream %s: %w", name, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat stream %s: %w", name, err)
	}

	cw := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := cw.Write(Header); err != nil {
			return fmt.Errorf("write stream header %s: %w", name, err)
		}
	}

	if err := cw.Write(recordRow(rec)); err != nil {
		return fmt.Errorf("write stream record %s: %w", name, err)
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush stream %s: %w", name, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync stream %s: %w", name, err)
	}
	return nil
}

// Streams lists the stream files that belong to meterID, sorted by filename.
func (w *Writer) Streams(meterID string) ([]model.StreamInfo, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read data directory: %w", err)
	}

	prefix := meterID + streamSep
	streams := []model.StreamInfo{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, streamExt) {
			continue
		}
		// m-1_x_s-1.csv belongs to meter m-1_x.
		if !ValidSensorIdentifier(strings.TrimSuffix(strings.TrimPrefix(name, prefix), streamExt)) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}

		streams = append(streams, model.StreamInfo{
			Filename: name,
			Size:     info.Size(),
			Modified: info.ModTime(),
		})
	}

	sort.Slice(streams, func(i, j int) bool {
		return streams[i].Filename < streams[j].Filename
	})
	return streams, nil
}

// Open opens a stream file for reading. filename must be a bare .csv name inside the data directory.
func (w *Writer) Open(filename string) (*os.File, error) {
	if filename == "" || filepath.Base(filename) != filename || !strings.HasSuffix(filename, streamExt) ||
		strings.ContainsAny(filename, "\\\x00") {
		return nil, ErrInvalidStreamName
	}

	f, err := os.Open(filepath.Join(w.dir, filename))
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (w *Writer) streamLock(name string) *sync.Mutex {
	w.mu.Lock()
	defer w.mu.Unlock()

	lock, ok := w.streams[name]
	if !ok {
		lock = &sync.Mutex{}
		w.streams[name] = lock
	}
	return lock
}

func recordRow(rec model.TelemetryRecord) []string {
	return []string{
		rec.ReceivedAt.UTC().Format(time.RFC3339Nano),
		rec.SerialNumber,
		rec.DeviceTimestamp,
		rec.Status,
		rec.Temperature,
		rec.BatteryADC,
	}
}
