package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Direction of a conversation item relative to the agent.
type Direction string

const (
	// Inbound items are destined for the agent and start pending.
	Inbound Direction = "inbound"
	// Outbound items are produced by the agent and start delivered.
	Outbound Direction = "outbound"
)

// ConversationStatus is the lifecycle state of a conversation item.
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "pending"
	ConversationRunning   ConversationStatus = "running"
	ConversationDelivered ConversationStatus = "delivered"
	ConversationFailed    ConversationStatus = "failed"
)

// Conversation is one message moving through the queue.
type Conversation struct {
	ID          int64
	Direction   Direction
	Channel     string
	Endpoint    string
	Content     string
	Status      ConversationStatus
	Priority    int
	RequireIdle bool
	RetryCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ConversationInsert carries the fields of a new conversation item.
// Status defaults by direction: inbound items are pending (to be
// dispatched), outbound items are delivered (already handled, recorded
// for history). Priority 0 means the default of 3.
type ConversationInsert struct {
	Direction   Direction
	Channel     string
	Endpoint    string
	Content     string
	Status      ConversationStatus
	Priority    int
	RequireIdle bool
}

const conversationCols = "id, direction, channel, endpoint, content, status, priority, require_idle, retry_count, created_at, updated_at"

// InsertConversation appends a conversation item and returns the stored record.
func (s *Store) InsertConversation(p ConversationInsert) (*Conversation, error) {
	switch p.Direction {
	case Inbound, Outbound:
	default:
		return nil, fmt.Errorf("queue: unknown direction %q", p.Direction)
	}
	if p.Status == "" {
		if p.Direction == Inbound {
			p.Status = ConversationPending
		} else {
			p.Status = ConversationDelivered
		}
	}
	if p.Priority == 0 {
		p.Priority = 3
	}
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`INSERT INTO conversations
		(direction, channel, endpoint, content, status, priority, require_idle, retry_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
		string(p.Direction), p.Channel, p.Endpoint, p.Content, string(p.Status),
		p.Priority, boolToInt(p.RequireIdle), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert conversation id: %w", err)
	}
	return s.GetConversation(id)
}

// GetConversation loads one conversation item by id.
func (s *Store) GetConversation(id int64) (*Conversation, error) {
	row := s.db.QueryRow("SELECT "+conversationCols+" FROM conversations WHERE id = ?", id)
	return scanConversation(row)
}

// NextPendingConversation returns the most urgent pending conversation
// item (priority ascending, then arrival order), or nil when the
// conversation queue is empty.
func (s *Store) NextPendingConversation() (*Conversation, error) {
	row := s.db.QueryRow("SELECT " + conversationCols + ` FROM conversations
		WHERE status = 'pending'
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`)
	c, err := scanConversation(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// ClaimConversation transitions id from pending to running. It reports
// false when the row was not pending, so concurrent claimers cannot both
// win the same item.
func (s *Store) ClaimConversation(id int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE conversations SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'",
		fmtTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("claim conversation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim conversation %d: %w", id, err)
	}
	return n == 1, nil
}

// RequeueConversation returns a claimed item to pending without touching
// its retry count. Used when dispatch is abandoned before any delivery
// attempt (gating, preemption, shutdown).
func (s *Store) RequeueConversation(id int64) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'running'",
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("requeue conversation %d: %w", id, err)
	}
	return nil
}

// IncrementRetryCount bumps the delivery-failure counter and returns the
// new value. Only genuine delivery failures call this.
func (s *Store) IncrementRetryCount(id int64) (int, error) {
	_, err := s.db.Exec(
		"UPDATE conversations SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?",
		fmtTime(time.Now()), id)
	if err != nil {
		return 0, fmt.Errorf("increment retry %d: %w", id, err)
	}
	var count int
	err = s.db.QueryRow("SELECT retry_count FROM conversations WHERE id = ?", id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment retry %d: %w", id, err)
	}
	return count, nil
}

// MarkDelivered finalizes a running item as delivered. A row that already
// left running is untouched, so an item makes at most one final transition.
func (s *Store) MarkDelivered(id int64) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET status = 'delivered', updated_at = ? WHERE id = ? AND status = 'running'",
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark delivered %d: %w", id, err)
	}
	return nil
}

// MarkFailed finalizes a running item as failed.
func (s *Store) MarkFailed(id int64) error {
	_, err := s.db.Exec(
		"UPDATE conversations SET status = 'failed', updated_at = ? WHERE id = ? AND status = 'running'",
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark failed %d: %w", id, err)
	}
	return nil
}

// CountPendingConversations reports the depth of the pending conversation
// queue, for status surfaces.
func (s *Store) CountPendingConversations() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM conversations WHERE status = 'pending'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var (
		c           Conversation
		direction   string
		status      string
		requireIdle int
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&c.ID, &direction, &c.Channel, &c.Endpoint, &c.Content,
		&status, &c.Priority, &requireIdle, &c.RetryCount, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
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
	return &c, nil
}
