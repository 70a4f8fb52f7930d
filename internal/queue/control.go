package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ControlStatus is the lifecycle state of a control item.
type ControlStatus string

const (
	ControlPending ControlStatus = "pending"
	ControlRunning ControlStatus = "running"
	ControlDone    ControlStatus = "done"
	ControlFailed  ControlStatus = "failed"
	ControlTimeout ControlStatus = "timeout"
)

// Final reports whether the status is terminal.
func (s ControlStatus) Final() bool {
	return s == ControlDone || s == ControlFailed || s == ControlTimeout
}

// Control is one supervisor instruction moving through the control queue.
// Control items always outrank conversation items at dispatch.
type Control struct {
	ID          int64
	Content     string
	Priority    int
	RequireIdle bool
	BypassState bool
	AckDeadline time.Time // zero = no deadline
	AvailableAt time.Time // zero = immediately available
	Status      ControlStatus
	RetryCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ControlInsert carries the fields of a new control item. Priority is
// stored as given (0 is the most urgent, used by heartbeats).
type ControlInsert struct {
	Content     string
	Priority    int
	RequireIdle bool
	BypassState bool
	AckDeadline time.Time
	AvailableAt time.Time
}

const controlCols = "id, content, priority, require_idle, bypass_state, ack_deadline_at, available_at, status, retry_count, last_error, created_at, updated_at"

// InsertControl appends a control item. When the content contains
// ControlIDToken, the token is replaced with the assigned id inside the
// same transaction, so no reader can observe the raw token.
func (s *Store) InsertControl(p ControlInsert) (*Control, error) {
	now := fmtTime(time.Now())
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("insert control: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO control_queue
		(content, priority, require_idle, bypass_state, ack_deadline_at, available_at, status, retry_count, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 0, '', ?, ?)`,
		p.Content, p.Priority, boolToInt(p.RequireIdle), boolToInt(p.BypassState),
		unixOrZero(p.AckDeadline), unixOrZero(p.AvailableAt), now, now)
	if err != nil {
		return nil, fmt.Errorf("insert control: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert control id: %w", err)
	}
	if strings.Contains(p.Content, ControlIDToken) {
		content := strings.ReplaceAll(p.Content, ControlIDToken, fmt.Sprintf("%d", id))
		if _, err := tx.Exec("UPDATE control_queue SET content = ? WHERE id = ?", content, id); err != nil {
			return nil, fmt.Errorf("substitute control id %d: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("insert control commit: %w", err)
	}
	return s.GetControl(id)
}

// GetControl loads one control item by id.
func (s *Store) GetControl(id int64) (*Control, error) {
	row := s.db.QueryRow("SELECT "+controlCols+" FROM control_queue WHERE id = ?", id)
	return scanControl(row)
}

// NextPendingControl returns the most urgent pending control item whose
// available_at has passed, or nil when none qualifies. Items scheduled in
// the future stay invisible, whatever their priority.
func (s *Store) NextPendingControl(now time.Time) (*Control, error) {
	row := s.db.QueryRow("SELECT "+controlCols+` FROM control_queue
		WHERE status = 'pending' AND (available_at = 0 OR available_at <= ?)
		ORDER BY priority ASC, created_at ASC, id ASC LIMIT 1`, now.Unix())
	c, err := scanControl(row)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// ClaimControl transitions id from pending to running, reporting false
// when the row was not pending.
func (s *Store) ClaimControl(id int64) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE control_queue SET status = 'running', updated_at = ? WHERE id = ? AND status = 'pending'",
		fmtTime(time.Now()), id)
	if err != nil {
		return false, fmt.Errorf("claim control %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim control %d: %w", id, err)
	}
	return n == 1, nil
}

// RequeueControl returns a claimed control item to pending without
// touching its retry count.
func (s *Store) RequeueControl(id int64) error {
	_, err := s.db.Exec(
		"UPDATE control_queue SET status = 'pending', updated_at = ? WHERE id = ? AND status = 'running'",
		fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("requeue control %d: %w", id, err)
	}
	return nil
}

// AckResult reports the outcome of acknowledging a control item.
type AckResult struct {
	Found        bool
	AlreadyFinal bool
	Status       ControlStatus
}

// AckControl finalizes a control item. A live item whose ack deadline has
// already passed becomes timeout instead of done. Acking an item that is
// already final reports the existing state and changes nothing, so acks
// are idempotent and an item never makes two final transitions.
func (s *Store) AckControl(id int64, now time.Time) (AckResult, error) {
	ts := fmtTime(now)
	// Each step is one conditional UPDATE; whichever lands first wins and
	// the others see zero rows.
	res, err := s.db.Exec(`UPDATE control_queue SET status = 'timeout', updated_at = ?
		WHERE id = ? AND status IN ('pending','running') AND ack_deadline_at > 0 AND ack_deadline_at < ?`,
		ts, id, now.Unix())
	if err != nil {
		return AckResult{}, fmt.Errorf("ack control %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return AckResult{Found: true, Status: ControlTimeout}, nil
	}
	res, err = s.db.Exec(`UPDATE control_queue SET status = 'done', updated_at = ?
		WHERE id = ? AND status IN ('pending','running')`, ts, id)
	if err != nil {
		return AckResult{}, fmt.Errorf("ack control %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return AckResult{Found: true, Status: ControlDone}, nil
	}
	c, err := s.GetControl(id)
	if errors.Is(err, ErrNotFound) {
		return AckResult{}, nil
	}
	if err != nil {
		return AckResult{}, err
	}
	return AckResult{Found: true, AlreadyFinal: true, Status: c.Status}, nil
}

// RetryOrFailControl records a delivery failure for a running control
// item: the retry count is bumped and the item returns to pending, or to
// failed once the count reaches maxRetries. Returns the resulting status
// and count. A row that already left running is reported as-is.
func (s *Store) RetryOrFailControl(id int64, reason string, maxRetries int) (ControlStatus, int, error) {
	_, err := s.db.Exec(`UPDATE control_queue SET
			retry_count = retry_count + 1,
			last_error = ?,
			status = CASE WHEN retry_count + 1 >= ? THEN 'failed' ELSE 'pending' END,
			updated_at = ?
		WHERE id = ? AND status = 'running'`,
		reason, maxRetries, fmtTime(time.Now()), id)
	if err != nil {
		return "", 0, fmt.Errorf("retry control %d: %w", id, err)
	}
	c, err := s.GetControl(id)
	if err != nil {
		return "", 0, err
	}
	return c.Status, c.RetryCount, nil
}

// ExpireTimedOutControls transitions every live control item whose ack
// deadline has passed to timeout, returning how many changed. The
// dispatcher runs this sweep before selecting work, so an expired item is
// never delivered.
func (s *Store) ExpireTimedOutControls(now time.Time) (int, error) {
	res, err := s.db.Exec(`UPDATE control_queue SET status = 'timeout', updated_at = ?
		WHERE status IN ('pending','running') AND ack_deadline_at > 0 AND ack_deadline_at < ?`,
		fmtTime(now), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("expire controls: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire controls: %w", err)
	}
	return int(n), nil
}

// CleanupControlQueue deletes finished control items created before the
// cutoff, returning how many were removed. Live items are never touched.
func (s *Store) CleanupControlQueue(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(
		"DELETE FROM control_queue WHERE status IN ('done','failed','timeout') AND created_at < ?",
		fmtTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("cleanup control queue: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup control queue: %w", err)
	}
	return int(n), nil
}

// ResetStaleRunning returns running items older than olderThan to pending
// with one retry charged, in both queues. Run once at dispatcher startup
// to recover items stranded by a crash mid-dispatch.
func (s *Store) ResetStaleRunning(olderThan time.Duration) (int, error) {
	cutoff := fmtTime(time.Now().Add(-olderThan))
	total := 0
	res, err := s.db.Exec(`UPDATE control_queue SET status = 'pending', retry_count = retry_count + 1, updated_at = ?
		WHERE status = 'running' AND updated_at != '' AND updated_at < ?`,
		fmtTime(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale controls: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	res, err = s.db.Exec(`UPDATE conversations SET status = 'pending', retry_count = retry_count + 1, updated_at = ?
		WHERE status = 'running' AND updated_at != '' AND updated_at < ?`,
		fmtTime(time.Now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reset stale conversations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += int(n)
	}
	return total, nil
}

// CountPendingControls reports the depth of the pending control queue.
func (s *Store) CountPendingControls() (int, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(*) FROM control_queue WHERE status = 'pending'").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending controls: %w", err)
	}
	return n, nil
}

func scanControl(row *sql.Row) (*Control, error) {
	var (
		c           Control
		requireIdle int
		bypassState int
		deadline    int64
		available   int64
		status      string
		createdAt   string
		updatedAt   string
	)
	err := row.Scan(&c.ID, &c.Content, &c.Priority, &requireIdle, &bypassState,
		&deadline, &available, &status, &c.RetryCount, &c.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan control: %w", err)
	}
	c.RequireIdle = requireIdle != 0
	c.BypassState = bypassState != 0
	c.AckDeadline = timeOrZero(deadline)
	c.AvailableAt = timeOrZero(available)
	c.Status = ControlStatus(status)
	if c.CreatedAt, err = parseTime(createdAt, "control"); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt, "control"); err != nil {
		return nil, err
	}
	return &c, nil
}
