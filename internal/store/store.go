package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"meterhub/server/internal/model"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no meter row exists for the requested id.
var ErrNotFound = errors.New("meter not configured")

// timeLayout is fixed width so that lexical order of stored values matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// One connection: every statement is serialized.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meters (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			meter_id TEXT UNIQUE,
			ssid TEXT,
			password TEXT,
			server_url TEXT,
			sample_interval INTEGER,
			last_seen TEXT
		);`,
		`CREATE TABLE IF NOT EXISTS ingestion_drops (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			meter_id TEXT NOT NULL,
			sensor_id TEXT NOT NULL,
			payload TEXT,
			reason TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	return s.db.PingContext(ctx)
}

// UpsertMeter inserts the meter or replaces every column of its existing row.
func (s *Store) UpsertMeter(ctx context.Context, m model.MeterConfig) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO meters (meter_id, ssid, password, server_url, sample_interval, last_seen)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(meter_id)
		 DO UPDATE SET ssid = excluded.ssid,
				 password = excluded.password,
				 server_url = excluded.server_url,
				 sample_interval = excluded.sample_interval,
				 last_seen = excluded.last_seen;`,
		m.MeterID,
		m.SSID,
		m.Password,
		m.ServerURL,
		m.SampleInterval,
		formatTime(m.LastSeen),
	)
	if err != nil {
		return fmt.Errorf("upsert meter: %w", err)
	}
	return nil
}

// GetMeter returns the stored configuration for id, or ErrNotFound.
func (s *Store) GetMeter(ctx context.Context, id string) (model.MeterConfig, error) {
	if s.db == nil {
		return model.MeterConfig{}, fmt.Errorf("store not initialized")
	}

	row := s.db.QueryRowContext(
		ctx,
		`SELECT meter_id, ssid, password, server_url, sample_interval, last_seen FROM meters WHERE meter_id = ?;`,
		id,
	)

	m, err := scanMeter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.MeterConfig{}, ErrNotFound
	}
	if err != nil {
		return model.MeterConfig{}, fmt.Errorf("get meter: %w", err)
	}
	return m, nil
}

// TouchLastSeen sets only the last_seen column of an existing meter.
func (s *Store) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(
		ctx,
		`UPDATE meters SET last_seen = ? WHERE meter_id = ?;`,
		at.UTC().Format(timeLayout),
		id,
	)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListMeters returns every configured meter, most recently seen first.
func (s *Store) ListMeters(ctx context.Context) ([]model.MeterConfig, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT meter_id, ssid, password, server_url, sample_interval, last_seen
		 FROM meters
		 ORDER BY last_seen DESC, meter_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("query meters: %w", err)
	}
	defer rows.Close()

	meters := []model.MeterConfig{}
	for rows.Next() {
		m, err := scanMeter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan meter: %w", err)
		}
		meters = append(meters, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meters: %w", err)
	}

	return meters, nil
}

// CountMeters returns the number of configured meters.
func (s *Store) CountMeters(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM meters;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count meters: %w", err)
	}
	return count, nil
}

// InsertDrop records a telemetry payload that was accepted but not persisted.
func (s *Store) InsertDrop(ctx context.Context, d model.DroppedPayload) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := d.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO ingestion_drops (meter_id, sensor_id, payload, reason, created_at) VALUES (?, ?, ?, ?, ?);`,
		d.MeterID,
		d.SensorID,
		d.Payload,
		d.Reason,
		createdAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert ingestion drop: %w", err)
	}
	return nil
}

// CountDrops returns how many payloads have been dropped since the database was created.
func (s *Store) CountDrops(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ingestion_drops;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count ingestion drops: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMeter(row rowScanner) (model.MeterConfig, error) {
	var (
		m        model.MeterConfig
		lastSeen sql.NullString
	)

	if err := row.Scan(&m.MeterID, &m.SSID, &m.Password, &m.ServerURL, &m.SampleInterval, &lastSeen); err != nil {
		return model.MeterConfig{}, err
	}

	if lastSeen.Valid && lastSeen.String != "" {
		ts, err := time.Parse(timeLayout, lastSeen.String)
		if err != nil {
			ts, err = time.Parse(time.RFC3339Nano, lastSeen.String)
		}
		if err == nil {
			m.LastSeen = &ts
		}
	}

	return m, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}
