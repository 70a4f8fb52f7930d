// Package queue implements the durable store of conversation and control
// items shared by the dispatcher, the activity monitor, and the CLI.
// Storage is a single SQLite file in WAL mode so that many short-lived
// enqueuer processes and one dispatcher can write concurrently.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ControlIDToken is rewritten to the assigned control id inside the insert
// transaction, so enqueuers can embed the id in the instruction itself.
const ControlIDToken = "__CONTROL_ID__"

// ErrNotFound is returned when no row matches the requested id.
var ErrNotFound = errors.New("queue: item not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id INTEGER PRIMARY KEY,
	direction TEXT NOT NULL,
	channel TEXT NOT NULL,
	endpoint TEXT NOT NULL DEFAULT '',
	content TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 3,
	require_idle INTEGER NOT NULL DEFAULT 0,
	retry_count INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS control_queue (
	id INTEGER PRIMARY KEY,
	content TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 0,
	require_idle INTEGER NOT NULL DEFAULT 0,
	bypass_state INTEGER NOT NULL DEFAULT 0,
	ack_deadline_at INTEGER NOT NULL DEFAULT 0,
	available_at INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'pending',
	retry_count INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS checkpoints (
	id INTEGER PRIMARY KEY,
	start_conversation_id INTEGER NOT NULL,
	end_conversation_id INTEGER NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL
);
`

// indexes for the dispatcher's selection queries and the deadline sweep.
const indexes = `
CREATE INDEX IF NOT EXISTS idx_conversations_status_priority ON conversations(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_control_status_priority ON control_queue(status, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_control_available ON control_queue(available_at);
CREATE INDEX IF NOT EXISTS idx_control_deadline ON control_queue(ack_deadline_at);
`

// Store is the queue database handle. Safe for concurrent use; every state
// transition is a single conditional UPDATE or a single transaction.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the queue database at path.
// WAL mode and a busy timeout are required because several processes
// write to the same file.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("queue mkdir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("queue open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue schema: %w", err)
	}
	if _, err := db.Exec(indexes); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue indexes: %w", err)
	}
	// Migrations for databases created by earlier versions (already-applied
	// migrations fail and are ignored).
	_ = runMigrations(db)
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	_, _ = db.Exec("ALTER TABLE conversations ADD COLUMN updated_at TEXT NOT NULL DEFAULT ''")
	_, _ = db.Exec("ALTER TABLE control_queue ADD COLUMN last_error TEXT NOT NULL DEFAULT ''")
	return nil
}

// Close releases the database connection. Call on shutdown for clean exit.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// fmtTime normalizes timestamps to UTC RFC3339Nano for storage.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime parses RFC3339Nano or returns zero time and error.
func parseTime(s, context string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s: parse timestamp %q: %w", context, s, err)
	}
	return t, nil
}

// unixOrZero converts a nullable absolute time to its stored form
// (unix seconds, 0 = unset).
func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// timeOrZero converts stored unix seconds back to a time (0 = zero time).
func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
