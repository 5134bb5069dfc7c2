package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrMessageNotFound is returned by queue lookups when no row matches.
var ErrMessageNotFound = errors.New("queue message not found")

// InsertMessage writes a queue row. It runs against ext so the queue engine
// can keep the insert and its read-your-writes verification in one
// transaction.
func InsertMessage(ctx context.Context, ext sqlx.ExtContext, m *QueueMessage) error {
	const q = `INSERT INTO message_queue
		(id, message_id, host_id, direction, message_type, message_data, status,
		 priority, retry_count, max_retries, execution_id, script_prefix,
		 created_at, scheduled_at, correlation_id, reply_to)
		VALUES (:id, :message_id, :host_id, :direction, :message_type, :message_data,
		 :status, :priority, :retry_count, :max_retries, :execution_id, :script_prefix,
		 :created_at, :scheduled_at, :correlation_id, :reply_to)`
	if _, err := sqlx.NamedExecContext(ctx, ext, q, m); err != nil {
		return fmt.Errorf("inserting message %s: %w", m.MessageID, err)
	}
	return nil
}

// GetMessageByMessageID looks a row up by its globally unique message_id.
func GetMessageByMessageID(ctx context.Context, ext sqlx.ExtContext, messageID string) (*QueueMessage, error) {
	var m QueueMessage
	err := sqlx.GetContext(ctx, ext, &m,
		ext.Rebind(`SELECT * FROM message_queue WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting message %s: %w", messageID, err)
	}
	return &m, nil
}

// FindActiveExecution returns the outbound command row carrying the given
// execution_id while still pending or in progress, or nil.
func FindActiveExecution(ctx context.Context, ext sqlx.ExtContext, executionID string) (*QueueMessage, error) {
	var m QueueMessage
	err := sqlx.GetContext(ctx, ext, &m, ext.Rebind(
		`SELECT * FROM message_queue
		 WHERE execution_id = ? AND direction = ? AND status IN (?, ?)
		 ORDER BY created_at LIMIT 1`),
		executionID, DirectionOutbound, StatusPending, StatusInProgress)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting active execution %s: %w", executionID, err)
	}
	return &m, nil
}

// FindRecentScriptPrefix returns a recent not-yet-acknowledged outbound row
// whose derived script prefix matches, or nil.
func FindRecentScriptPrefix(ctx context.Context, ext sqlx.ExtContext, prefix string, since time.Time) (*QueueMessage, error) {
	var m QueueMessage
	err := sqlx.GetContext(ctx, ext, &m, ext.Rebind(
		`SELECT * FROM message_queue
		 WHERE script_prefix = ? AND direction = ? AND status IN (?, ?, ?) AND created_at >= ?
		 ORDER BY created_at LIMIT 1`),
		prefix, DirectionOutbound, StatusPending, StatusInProgress, StatusSent, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting by script prefix: %w", err)
	}
	return &m, nil
}

// FindExecutionMessage returns the newest outbound row carrying the given
// execution_id regardless of status, or nil. Agent results correlate back
// to their command row through it.
func (d *DB) FindExecutionMessage(ctx context.Context, executionID string) (*QueueMessage, error) {
	var m QueueMessage
	err := d.GetContext(ctx, &m, d.Rebind(
		`SELECT * FROM message_queue
		 WHERE execution_id = ? AND direction = ?
		 ORDER BY created_at DESC LIMIT 1`),
		executionID, DirectionOutbound)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting execution %s: %w", executionID, err)
	}
	return &m, nil
}

// SelectEligible returns dispatchable rows for a host (nil hostID selects
// broadcast rows): pending, not expired, and not scheduled for the future.
// Rows come back in created_at order; priority sorting happens in memory in
// the queue engine so ties keep insertion order.
func (d *DB) SelectEligible(ctx context.Context, hostID *string, direction string, now time.Time, limit int) ([]QueueMessage, error) {
	var msgs []QueueMessage
	var err error
	if hostID == nil {
		err = d.SelectContext(ctx, &msgs, d.Rebind(
			`SELECT * FROM message_queue
			 WHERE host_id IS NULL AND direction = ? AND status = ?
			   AND expired_at IS NULL AND (scheduled_at IS NULL OR scheduled_at <= ?)
			 ORDER BY created_at LIMIT ?`),
			direction, StatusPending, now, limit)
	} else {
		err = d.SelectContext(ctx, &msgs, d.Rebind(
			`SELECT * FROM message_queue
			 WHERE host_id = ? AND direction = ? AND status = ?
			   AND expired_at IS NULL AND (scheduled_at IS NULL OR scheduled_at <= ?)
			 ORDER BY created_at LIMIT ?`),
			*hostID, direction, StatusPending, now, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("selecting eligible messages: %w", err)
	}
	return msgs, nil
}

// MarkMessageProcessing moves a pending row to in_progress. Returns false
// when the row is missing or not pending.
func (d *DB) MarkMessageProcessing(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE message_queue SET status = ?, started_at = ? WHERE message_id = ? AND status = ?`),
		StatusInProgress, now, messageID, StatusPending)
	if err != nil {
		return false, fmt.Errorf("marking message %s processing: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkMessageSent stamps a row sent. Succeeds whenever the row exists.
func (d *DB) MarkMessageSent(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE message_queue SET status = ?, started_at = ? WHERE message_id = ?`),
		StatusSent, now, messageID)
	if err != nil {
		return false, fmt.Errorf("marking message %s sent: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AckFromSent completes a sent row. Returns false when the row was not in
// sent (the engine then decides whether completed counts as success).
func (d *DB) AckFromSent(ctx context.Context, messageID string, now time.Time) (bool, error) {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE message_queue SET status = ?, completed_at = ? WHERE message_id = ? AND status = ?`),
		StatusCompleted, now, messageID, StatusSent)
	if err != nil {
		return false, fmt.Errorf("acknowledging message %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MessageStatus returns the current status of a row.
func (d *DB) MessageStatus(ctx context.Context, messageID string) (string, error) {
	var status string
	err := d.GetContext(ctx, &status, d.Rebind(
		`SELECT status FROM message_queue WHERE message_id = ?`), messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("selecting status of message %s: %w", messageID, err)
	}
	return status, nil
}

// MarkMessageCompleted unconditionally completes a row.
func (d *DB) MarkMessageCompleted(ctx context.Context, messageID string, now time.Time) error {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE message_queue SET status = ?, completed_at = ? WHERE message_id = ?`),
		StatusCompleted, now, messageID)
	if err != nil {
		return fmt.Errorf("completing message %s: %w", messageID, err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// UpdateMessageFailure records one failure outcome computed by the queue
// engine: either a rescheduled retry (status pending, future scheduled_at,
// cleared started_at) or a terminal failure (status failed, completed_at).
func UpdateMessageFailure(ctx context.Context, ext sqlx.ExtContext, messageID, errMsg string, retryCount int, status string, scheduledAt, completedAt *time.Time, now time.Time) error {
	const q = `UPDATE message_queue
		SET status = :status, retry_count = :retry_count, error_message = :error_message,
		    last_error_at = :last_error_at, scheduled_at = :scheduled_at,
		    started_at = NULL, completed_at = :completed_at
		WHERE message_id = :message_id`
	res, err := sqlx.NamedExecContext(ctx, ext, q, map[string]any{
		"status":        status,
		"retry_count":   retryCount,
		"error_message": errMsg,
		"last_error_at": now,
		"scheduled_at":  scheduledAt,
		"completed_at":  completedAt,
		"message_id":    messageID,
	})
	if err != nil {
		return fmt.Errorf("recording failure on message %s: %w", messageID, err)
	}
	return requireRow(res, ErrMessageNotFound)
}

// SelectUnacknowledged returns sent rows whose send happened before cutoff.
func (d *DB) SelectUnacknowledged(ctx context.Context, cutoff time.Time) ([]QueueMessage, error) {
	var msgs []QueueMessage
	err := d.SelectContext(ctx, &msgs, d.Rebind(
		`SELECT * FROM message_queue WHERE status = ? AND started_at < ? ORDER BY started_at`),
		StatusSent, cutoff)
	if err != nil {
		return nil, fmt.Errorf("selecting unacknowledged messages: %w", err)
	}
	return msgs, nil
}

// CountMessagesByStatus returns row counts grouped by status, optionally
// filtered by host and direction.
func (d *DB) CountMessagesByStatus(ctx context.Context, hostID, direction *string) (map[string]int, error) {
	q := `SELECT status, COUNT(*) AS n FROM message_queue WHERE 1=1`
	args := []any{}
	if hostID != nil {
		q += ` AND host_id = ?`
		args = append(args, *hostID)
	}
	if direction != nil {
		q += ` AND direction = ?`
		args = append(args, *direction)
	}
	q += ` GROUP BY status`

	rows := []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}{}
	if err := d.SelectContext(ctx, &rows, d.Rebind(q), args...); err != nil {
		return nil, fmt.Errorf("counting messages: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

// SelectFailedMessages returns the newest failed or expired rows.
func (d *DB) SelectFailedMessages(ctx context.Context, limit int) ([]QueueMessage, error) {
	var msgs []QueueMessage
	err := d.SelectContext(ctx, &msgs, d.Rebind(
		`SELECT * FROM message_queue WHERE status IN (?, ?) ORDER BY created_at DESC LIMIT ?`),
		StatusFailed, StatusExpired, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting failed messages: %w", err)
	}
	return msgs, nil
}

// ExpirePending expires pending rows created before olderThan. Returns the
// number of rows expired.
func (d *DB) ExpirePending(ctx context.Context, olderThan, now time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE message_queue SET status = ?, expired_at = ? WHERE status = ? AND created_at < ?`),
		StatusExpired, now, StatusPending, olderThan)
	if err != nil {
		return 0, fmt.Errorf("expiring pending messages: %w", err)
	}
	return res.RowsAffected()
}

// DeleteTerminal prunes completed, failed, and expired rows created before
// olderThan. Returns the number of rows deleted.
func (d *DB) DeleteTerminal(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := d.ExecContext(ctx, d.Rebind(
		`DELETE FROM message_queue WHERE status IN (?, ?, ?) AND created_at < ?`),
		StatusCompleted, StatusFailed, StatusExpired, olderThan)
	if err != nil {
		return 0, fmt.Errorf("deleting terminal messages: %w", err)
	}
	return res.RowsAffected()
}
