// Package state persists what the bridge has heard from spa controllers:
// the latest payload per device and channel, and a log of alerts with
// their notification status. Both tables live in one SQLite database so
// device history survives restarts.
package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DeviceState is the latest payload seen on one device channel.
type DeviceState struct {
	DeviceID  string    `json:"device_id"`
	Channel   string    `json:"channel"`
	Payload   string    `json:"payload"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Alert is one alert received from a device.
type Alert struct {
	ID         int64     `json:"id"`
	DeviceID   string    `json:"device_id"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
	Notified   bool      `json:"notified"`
}

// ErrNotFound is returned when a device or alert does not exist.
var ErrNotFound = errors.New("not found")

// Store persists device state and alerts in SQLite. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the state database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewStore wraps an open database, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device_state (
		device_id  TEXT NOT NULL,
		channel    TEXT NOT NULL,
		payload    TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (device_id, channel)
	);
	CREATE TABLE IF NOT EXISTS alerts (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		device_id   TEXT NOT NULL,
		payload     TEXT NOT NULL,
		received_at TEXT NOT NULL,
		notified    INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_device ON alerts (device_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

// RecordState upserts the latest payload for a device channel.
func (s *Store) RecordState(deviceID, channel string, payload []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO device_state (device_id, channel, payload, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (device_id, channel) DO UPDATE
		 SET payload = excluded.payload, updated_at = excluded.updated_at`,
		deviceID, channel, string(payload), s.timestamp(),
	)
	if err != nil {
		return fmt.Errorf("record state %s/%s: %w", deviceID, channel, err)
	}
	return nil
}

// Latest returns every channel recorded for a device, ordered by channel.
// It returns [ErrNotFound] for a device never heard from.
func (s *Store) Latest(deviceID string) ([]DeviceState, error) {
	rows, err := s.db.Query(
		`SELECT device_id, channel, payload, updated_at
		 FROM device_state WHERE device_id = ? ORDER BY channel`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("latest %s: %w", deviceID, err)
	}
	defer rows.Close()

	var out []DeviceState
	for rows.Next() {
		var ds DeviceState
		var ts string
		if err := rows.Scan(&ds.DeviceID, &ds.Channel, &ds.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan %s: %w", deviceID, err)
		}
		ds.UpdatedAt = parseTime(ts)
		out = append(out, ds)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
	}
	return out, nil
}

// Devices returns the IDs of every device with recorded state.
func (s *Store) Devices() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT device_id FROM device_state ORDER BY device_id`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// RecordAlert appends an alert and returns its ID.
func (s *Store) RecordAlert(deviceID string, payload []byte) (int64, error) {
	res, err := s.db.Exec(
		`INSERT INTO alerts (device_id, payload, received_at) VALUES (?, ?, ?)`,
		deviceID, string(payload), s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("record alert for %s: %w", deviceID, err)
	}
	return res.LastInsertId()
}

// MarkNotified flags an alert as delivered to the notifier.
func (s *Store) MarkNotified(id int64) error {
	res, err := s.db.Exec(`UPDATE alerts SET notified = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark alert %d notified: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("alert %d: %w", id, ErrNotFound)
	}
	return nil
}

// RecentAlerts returns up to limit alerts, newest first.
func (s *Store) RecentAlerts(limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(
		`SELECT id, device_id, payload, received_at, notified
		 FROM alerts ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	defer rows.Close()

	alerts := []Alert{}
	for rows.Next() {
		var a Alert
		var ts string
		if err := rows.Scan(&a.ID, &a.DeviceID, &a.Payload, &ts, &a.Notified); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		a.ReceivedAt = parseTime(ts)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}
