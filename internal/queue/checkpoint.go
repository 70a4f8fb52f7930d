package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Checkpoint marks a contiguous range of conversation ids as summarised.
// Ranges never overlap and never leave gaps: each checkpoint starts right
// after the previous one ended.
type Checkpoint struct {
	ID      int64
	StartID int64
	EndID   int64
	Summary string
	Created time.Time
}

// Range describes the span of conversation items past the last checkpoint.
type Range struct {
	BeginID int64
	EndID   int64
	Count   int
}

// LastCheckpoint returns the most recent checkpoint, or nil when none exists.
func (s *Store) LastCheckpoint() (*Checkpoint, error) {
	row := s.db.QueryRow(`SELECT id, start_conversation_id, end_conversation_id, summary, timestamp
		FROM checkpoints ORDER BY end_conversation_id DESC LIMIT 1`)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return cp, err
}

// CreateCheckpoint records that conversations up to endID are summarised.
// The start is derived from the previous checkpoint inside the same
// transaction, so concurrent creators cannot produce overlapping ranges.
func (s *Store) CreateCheckpoint(endID int64, summary string) (*Checkpoint, error) {
	if endID <= 0 {
		return nil, fmt.Errorf("queue: checkpoint end id must be positive, got %d", endID)
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastEnd int64
	err = tx.QueryRow("SELECT COALESCE(MAX(end_conversation_id), 0) FROM checkpoints").Scan(&lastEnd)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	start := lastEnd + 1
	if endID < start {
		return nil, fmt.Errorf("queue: checkpoint end %d precedes watermark %d", endID, start)
	}
	res, err := tx.Exec(`INSERT INTO checkpoints
		(start_conversation_id, end_conversation_id, summary, timestamp)
		VALUES (?, ?, ?, ?)`,
		start, endID, summary, fmtTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("create checkpoint: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create checkpoint id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("create checkpoint commit: %w", err)
	}
	row := s.db.QueryRow(`SELECT id, start_conversation_id, end_conversation_id, summary, timestamp
		FROM checkpoints WHERE id = ?`, id)
	return scanCheckpoint(row)
}

// ListCheckpoints returns checkpoints newest first, at most limit rows.
// A non-positive limit falls back to 10.
func (s *Store) ListCheckpoints(limit int) ([]Checkpoint, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`SELECT id, start_conversation_id, end_conversation_id, summary, timestamp
		FROM checkpoints ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []Checkpoint
	for rows.Next() {
		var (
			cp Checkpoint
			ts string
		)
		if err := rows.Scan(&cp.ID, &cp.StartID, &cp.EndID, &cp.Summary, &ts); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		if cp.Created, err = parseTime(ts, "checkpoint"); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// UnsummarizedRange reports the conversation items past the last
// checkpoint. A zero Range means everything is summarised.
func (s *Store) UnsummarizedRange() (Range, error) {
	last, err := s.LastCheckpoint()
	if err != nil {
		return Range{}, err
	}
	var lastEnd int64
	if last != nil {
		lastEnd = last.EndID
	}
	var (
		begin sql.NullInt64
		end   sql.NullInt64
		count int
	)
	err = s.db.QueryRow(
		"SELECT MIN(id), MAX(id), COUNT(*) FROM conversations WHERE id > ?", lastEnd).
		Scan(&begin, &end, &count)
	if err != nil {
		return Range{}, fmt.Errorf("unsummarized range: %w", err)
	}
	if count == 0 {
		return Range{}, nil
	}
	return Range{BeginID: begin.Int64, EndID: end.Int64, Count: count}, nil
}

// ConversationsByRange returns conversation items with begin <= id <= end,
// ordered by id. Used to render history for summarisation.
func (s *Store) ConversationsByRange(begin, end int64) ([]Conversation, error) {
	rows, err := s.db.Query("SELECT "+conversationCols+` FROM conversations
		WHERE id >= ? AND id <= ? ORDER BY id ASC`, begin, end)
	if err != nil {
		return nil, fmt.Errorf("conversations by range: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var (
			c           Conversation
			direction   string
			status      string
			requireIdle int
			createdAt   string
			updatedAt   string
		)
		err := rows.Scan(&c.ID, &direction, &c.Channel, &c.Endpoint, &c.Content,
			&status, &c.Priority, &requireIdle, &c.RetryCount, &createdAt, &updatedAt)
		if err != nil {
			return nil, fmt.Errorf("conversations by range: %w", err)
		}
		c.Direction = Direction(direction)
		c.Status = ConversationStatus(status)
		c.RequireIdle = requireIdle != 0
		if c.CreatedAt, err = parseTime(createdAt, "conversation"); err != nil {
			return nil, err
		}
		if c.UpdatedAt, err = parseTime(updatedAt, "conversation"); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var (
		cp Checkpoint
		ts string
	)
	err := row.Scan(&cp.ID, &cp.StartID, &cp.EndID, &cp.Summary, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	if cp.Created, err = parseTime(ts, "checkpoint"); err != nil {
		return nil, err
	}
	return &cp, nil
}
