package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"presencegate/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS presence_events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id TEXT NOT NULL,
	user_id       TEXT,
	user_name     TEXT,
	event         TEXT NOT NULL,
	occurred_at   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_presence_events_user ON presence_events(user_id, occurred_at);
`

// Recorder appends presence lifecycle events to a local SQLite database.
// It is an operational audit trail, not message storage: one row per
// connect or disconnect. The gateway treats recorder failures as
// log-and-continue.
type Recorder struct {
	db *sql.DB
}

// Open creates or opens the audit database at path and ensures the schema
// exists. WAL mode keeps the single writer from blocking concurrent reads
// by external tooling.
func Open(path string) (*Recorder, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	// Only the gateway loop writes; a single connection avoids SQLite
	// write contention.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}

	return &Recorder{db: db}, nil
}

// RecordConnect appends an admission event.
func (r *Recorder) RecordConnect(ctx context.Context, session types.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presence_events (connection_id, user_id, user_name, event, occurred_at) VALUES (?, ?, ?, 'connect', ?)`,
		session.ConnectionID, session.Profile.ID, session.Profile.Name, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record connect event: %w", err)
	}
	return nil
}

// RecordDisconnect appends a removal event. The profile is not repeated;
// the connect row carries it.
func (r *Recorder) RecordDisconnect(ctx context.Context, connectionID string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO presence_events (connection_id, event, occurred_at) VALUES (?, 'disconnect', ?)`,
		connectionID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record disconnect event: %w", err)
	}
	return nil
}

// CountEvents returns the number of recorded events for a connection,
// used by health tooling and tests.
func (r *Recorder) CountEvents(ctx context.Context, connectionID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM presence_events WHERE connection_id = ?`, connectionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count audit events: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (r *Recorder) Close() error {
	return r.db.Close()
}
