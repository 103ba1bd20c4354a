// Package journal persists the backend lifecycle (launches, readiness, crashes,
// restarts) to a local sqlite database for later diagnosis.
package journal

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/tomyedwab/pinup/sidecarhost/processes"
)

// DefaultFileName is the journal database inside the data directory.
const DefaultFileName = "supervisor.db"

// Event represents a lifecycle journal entry in the database
type Event struct {
	ID        string `db:"id" json:"id"`
	EventType string `db:"event_type" json:"event_type"`
	Timestamp int64  `db:"timestamp" json:"timestamp"` // Unix milliseconds
	Port      int    `db:"port" json:"port"`
	PID       int    `db:"pid" json:"pid,omitempty"`
	LaunchID  string `db:"launch_id" json:"launch_id,omitempty"`
	Message   string `db:"message" json:"message,omitempty"`
}

// Journal records supervisor lifecycle events
type Journal struct {
	db *sqlx.DB
}

// Open connects to (and creates if needed) the sqlite journal at path.
func Open(path string) (*Journal, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal database %s: %w", path, err)
	}
	// sqlite allows one writer; serialize through a single connection.
	db.SetMaxOpenConns(1)

	j, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// New creates a journal on an existing connection
func New(db *sqlx.DB) (*Journal, error) {
	if err := DBInit(db); err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}
	return &Journal{
		db: db,
	}, nil
}

// DBInit initializes the lifecycle events database table
func DBInit(db *sqlx.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		port INTEGER NOT NULL DEFAULT 0,
		pid INTEGER NOT NULL DEFAULT 0,
		launch_id TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT ''
	)
	`)
	if err != nil {
		return err
	}

	// Create indexes for common queries
	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_timestamp ON lifecycle_events(timestamp)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_launch_id ON lifecycle_events(launch_id)`)
	if err != nil {
		return err
	}

	_, err = db.Exec(`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_event_type ON lifecycle_events(event_type)`)
	return err
}

// Record inserts an event, filling in ID and Timestamp when unset.
func (j *Journal) Record(event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UTC().UnixMilli()
	}
	_, err := j.db.Exec(`
		INSERT INTO lifecycle_events (
			id, event_type, timestamp, port, pid, launch_id, message
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID,
		event.EventType,
		event.Timestamp,
		event.Port,
		event.PID,
		event.LaunchID,
		event.Message,
	)
	return err
}

// RecordLifecycle records a supervisor lifecycle event.
func (j *Journal) RecordLifecycle(event processes.LifecycleEvent, launchID string, port uint16, pid int, message string) error {
	return j.Record(&Event{
		EventType: string(event),
		Port:      int(port),
		PID:       pid,
		LaunchID:  launchID,
		Message:   message,
	})
}

// Recent retrieves the most recent events, newest first
func (j *Journal) Recent(limit int) ([]Event, error) {
	events := []Event{}
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events ORDER BY timestamp DESC, rowid DESC LIMIT $1",
		limit)
	return events, err
}

// ByType retrieves events of a specific type, newest first
func (j *Journal) ByType(eventType processes.LifecycleEvent, limit int) ([]Event, error) {
	events := []Event{}
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE event_type = $1 ORDER BY timestamp DESC, rowid DESC LIMIT $2",
		string(eventType), limit)
	return events, err
}

// ByLaunch retrieves every event of one launch in the order they happened
func (j *Journal) ByLaunch(launchID string) ([]Event, error) {
	events := []Event{}
	err := j.db.Select(&events,
		"SELECT * FROM lifecycle_events WHERE launch_id = $1 ORDER BY timestamp ASC, rowid ASC",
		launchID)
	return events, err
}

// DeleteOlderThan deletes events older than the specified duration
func (j *Journal) DeleteOlderThan(olderThan time.Duration) (int64, error) {
	threshold := time.Now().UTC().Add(-olderThan).UnixMilli()
	result, err := j.db.Exec("DELETE FROM lifecycle_events WHERE timestamp < $1", threshold)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Close closes the underlying database
func (j *Journal) Close() error {
	return j.db.Close()
}

var _ processes.LifecycleRecorder = (*Journal)(nil)
