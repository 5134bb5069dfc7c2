// Package queue is the durable per-host message queue: priority-ordered
// delivery with retry backoff, script deduplication, expiration, and
// at-least-once semantics via sent/acknowledged tracking.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
)

// scriptPrefixBytes is how much of script_content feeds the duplicate
// window check.
const scriptPrefixBytes = 100

// scriptDedupWindow is how far back the script prefix check looks.
const scriptDedupWindow = 10 * time.Second

// ErrEnqueueNotVerified is returned when a committed enqueue cannot be read
// back; it indicates an inconsistent store and is not retryable here.
var ErrEnqueueNotVerified = errors.New("enqueued message not found on verification")

// ErrHostNotFound mirrors the db sentinel so callers can match on either.
var ErrHostNotFound = db.ErrHostNotFound

var priorityRank = map[string]int{
	db.PriorityUrgent: 4,
	db.PriorityHigh:   3,
	db.PriorityNormal: 2,
	db.PriorityLow:    1,
}

// Engine owns all queue row state transitions. Handlers, the dispatch loop,
// the orchestrator, and the REST shims all go through it.
type Engine struct {
	db  *db.DB
	clk clock.Clock
	log *logging.Logger
}

// New builds a queue engine over the store.
func New(database *db.DB, clk clock.Clock, log *logging.Logger) *Engine {
	return &Engine{db: database, clk: clk, log: log.With("component", "queue")}
}

// EnqueueParams describes one message to enqueue. Data must be
// JSON-serializable. A nil HostID enqueues a broadcast row. Tx, when set,
// is the caller's transaction: the insert joins it and the caller owns the
// commit point.
type EnqueueParams struct {
	Type          string
	Data          any
	Direction     string
	HostID        *string
	Priority      string
	MessageID     string
	ScheduledAt   *time.Time
	MaxRetries    int
	CorrelationID string
	ReplyTo       string
	Tx            *sqlx.Tx
}

// Enqueue inserts a pending queue row and returns its message_id. Outbound
// commands carrying an execution_id are deduplicated: an active row with the
// same execution_id, or a recent row with the same script prefix, answers
// the call instead of a new insert. The inserted row is read back before
// returning; a failed read-back is a fatal store inconsistency.
func (e *Engine) Enqueue(ctx context.Context, p EnqueueParams) (string, error) {
	if p.Type == "" {
		return "", errors.New("message_type is required")
	}
	switch p.Direction {
	case db.DirectionInbound, db.DirectionOutbound:
	default:
		return "", fmt.Errorf("invalid direction %q", p.Direction)
	}
	if p.Priority == "" {
		p.Priority = db.PriorityNormal
	}
	if _, ok := priorityRank[p.Priority]; !ok {
		return "", fmt.Errorf("invalid priority %q", p.Priority)
	}
	if p.MessageID == "" {
		p.MessageID = uuid.NewString()
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}

	payload, err := json.Marshal(p.Data)
	if err != nil {
		return "", fmt.Errorf("serializing message data: %w", err)
	}

	now := e.clk.Now().UTC()
	msg := &db.QueueMessage{
		ID:           uuid.NewString(),
		MessageID:    p.MessageID,
		HostID:       p.HostID,
		Direction:    p.Direction,
		Type:         p.Type,
		Data:         string(payload),
		Status:       db.StatusPending,
		Priority:     p.Priority,
		MaxRetries:   p.MaxRetries,
		CreatedAt:    now,
		ScheduledAt:  p.ScheduledAt,
		ExecutionID:  nil,
		ScriptPrefix: nil,
	}
	if p.CorrelationID != "" {
		msg.CorrelationID = &p.CorrelationID
	}
	if p.ReplyTo != "" {
		msg.ReplyTo = &p.ReplyTo
	}
	execID, scriptPrefix := dedupKeys(p.Direction, payload)
	if execID != "" {
		msg.ExecutionID = &execID
	}
	if scriptPrefix != "" {
		msg.ScriptPrefix = &scriptPrefix
	}

	insert := func(ext sqlx.ExtContext) (string, error) {
		if p.HostID != nil {
			exists, err := hostExists(ctx, ext, *p.HostID)
			if err != nil {
				return "", err
			}
			if !exists {
				return "", fmt.Errorf("%w: %s", db.ErrHostNotFound, *p.HostID)
			}
		}

		if msg.ExecutionID != nil {
			existing, err := db.FindActiveExecution(ctx, ext, *msg.ExecutionID)
			if err != nil {
				return "", err
			}
			if existing != nil {
				metrics.MessagesDeduplicated.Inc()
				e.log.Debug("enqueue deduplicated by execution_id",
					"execution_id", *msg.ExecutionID, "message_id", existing.MessageID)
				return existing.MessageID, nil
			}
			if msg.ScriptPrefix != nil {
				recent, err := db.FindRecentScriptPrefix(ctx, ext, *msg.ScriptPrefix, now.Add(-scriptDedupWindow))
				if err != nil {
					return "", err
				}
				if recent != nil {
					metrics.MessagesDeduplicated.Inc()
					e.log.Debug("enqueue deduplicated by script prefix",
						"message_id", recent.MessageID)
					return recent.MessageID, nil
				}
			}
		}

		if err := db.InsertMessage(ctx, ext, msg); err != nil {
			return "", err
		}
		// Read-your-writes check inside the same transaction.
		if _, err := db.GetMessageByMessageID(ctx, ext, msg.MessageID); err != nil {
			if errors.Is(err, db.ErrMessageNotFound) {
				return "", fmt.Errorf("%w: %s", ErrEnqueueNotVerified, msg.MessageID)
			}
			return "", err
		}
		return msg.MessageID, nil
	}

	var messageID string
	if p.Tx != nil {
		messageID, err = insert(p.Tx)
	} else {
		err = e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
			var ierr error
			messageID, ierr = insert(tx)
			return ierr
		})
	}
	if err != nil {
		return "", err
	}
	if messageID == msg.MessageID {
		metrics.MessagesEnqueued.WithLabelValues(p.Direction, p.Type).Inc()
	}
	return messageID, nil
}

// dedupKeys derives the indexed dedup columns from an outbound command
// payload. Both come back empty for anything that is not a script command.
func dedupKeys(direction string, payload []byte) (execID, scriptPrefix string) {
	if direction != db.DirectionOutbound {
		return "", ""
	}
	var cmd struct {
		ExecutionID   string `json:"execution_id"`
		ScriptContent string `json:"script_content"`
	}
	if err := json.Unmarshal(payload, &cmd); err != nil || cmd.ExecutionID == "" {
		return "", ""
	}
	prefix := cmd.ScriptContent
	if len(prefix) > scriptPrefixBytes {
		prefix = prefix[:scriptPrefixBytes]
	}
	return cmd.ExecutionID, prefix
}

func hostExists(ctx context.Context, ext sqlx.ExtContext, id string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, ext, &n, ext.Rebind(`SELECT COUNT(*) FROM host WHERE id = ?`), id)
	if err != nil {
		return false, fmt.Errorf("counting host %s: %w", id, err)
	}
	return n > 0, nil
}

// DequeueForHost returns up to limit dispatchable outbound or inbound rows
// for a host. With priorityOrder, rows come back sorted by priority rank
// descending then created_at ascending; ties keep older messages first.
// A nil hostID dequeues broadcast rows.
func (e *Engine) DequeueForHost(ctx context.Context, hostID *string, direction string, limit int, priorityOrder bool) ([]db.QueueMessage, error) {
	if limit <= 0 {
		limit = 10
	}
	msgs, err := e.db.SelectEligible(ctx, hostID, direction, e.clk.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	if priorityOrder {
		// SelectEligible returns created_at order; a stable sort on rank
		// keeps FIFO within each priority.
		sort.SliceStable(msgs, func(i, j int) bool {
			return priorityRank[msgs[i].Priority] > priorityRank[msgs[j].Priority]
		})
	}
	return msgs, nil
}

// MarkProcessing moves a pending row to in_progress. Returns false when the
// row is missing or no longer pending.
func (e *Engine) MarkProcessing(ctx context.Context, messageID string) (bool, error) {
	return e.db.MarkMessageProcessing(ctx, messageID, e.clk.Now().UTC())
}

// MarkSent stamps a row sent with a fresh started_at; the acknowledgment
// timeout runs from that stamp.
func (e *Engine) MarkSent(ctx context.Context, messageID string) (bool, error) {
	ok, err := e.db.MarkMessageSent(ctx, messageID, e.clk.Now().UTC())
	if err == nil && ok {
		metrics.MessagesSent.Inc()
	}
	return ok, err
}

// MarkAcknowledged completes a sent row. Acknowledging an already completed
// row is a no-op success so replayed agent results stay idempotent; any
// other state returns false.
func (e *Engine) MarkAcknowledged(ctx context.Context, messageID string) (bool, error) {
	ok, err := e.db.AckFromSent(ctx, messageID, e.clk.Now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	status, err := e.db.MessageStatus(ctx, messageID)
	if errors.Is(err, db.ErrMessageNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == db.StatusCompleted, nil
}

// MarkCompleted unconditionally completes a row.
func (e *Engine) MarkCompleted(ctx context.Context, messageID string) error {
	return e.db.MarkMessageCompleted(ctx, messageID, e.clk.Now().UTC())
}

// MarkFailed records a failure. With retry and retries remaining the row
// returns to pending with an exponential backoff schedule
// (min(60·2^(retry_count−1), 3600) seconds); otherwise it goes terminal
// failed.
func (e *Engine) MarkFailed(ctx context.Context, messageID, errMsg string, retry bool) error {
	now := e.clk.Now().UTC()
	return e.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		msg, err := db.GetMessageByMessageID(ctx, tx, messageID)
		if err != nil {
			return err
		}
		retryCount := msg.RetryCount + 1

		if retry && retryCount < msg.MaxRetries {
			delay := backoffDelay(retryCount)
			scheduledAt := now.Add(delay)
			e.log.Info("message scheduled for retry",
				"message_id", messageID, "retry_count", retryCount, "delay", delay, "error", errMsg)
			return db.UpdateMessageFailure(ctx, tx, messageID, errMsg, retryCount,
				db.StatusPending, &scheduledAt, nil, now)
		}

		e.log.Warn("message failed permanently",
			"message_id", messageID, "retry_count", retryCount, "error", errMsg)
		metrics.MessagesFailed.Inc()
		return db.UpdateMessageFailure(ctx, tx, messageID, errMsg, retryCount,
			db.StatusFailed, nil, &now, now)
	})
}

// backoffDelay is min(60·2^(retryCount−1), 3600) seconds.
func backoffDelay(retryCount int) time.Duration {
	secs := 60 * (1 << (retryCount - 1))
	if secs > 3600 {
		secs = 3600
	}
	return time.Duration(secs) * time.Second
}

// RetryUnacknowledged sweeps sent rows older than timeout back through
// MarkFailed with retry, implementing the at-least-once guarantee. Returns
// the number of rows swept.
func (e *Engine) RetryUnacknowledged(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := e.clk.Now().UTC().Add(-timeout)
	msgs, err := e.db.SelectUnacknowledged(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	for i := range msgs {
		if err := e.MarkFailed(ctx, msgs[i].MessageID, "no acknowledgment received", true); err != nil {
			return i, err
		}
	}
	if len(msgs) > 0 {
		e.log.Info("swept unacknowledged messages", "count", len(msgs), "timeout", timeout)
	}
	return len(msgs), nil
}

// Stats is a snapshot of queue row counts.
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Sent       int `json:"sent"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Expired    int `json:"expired"`
	Total      int `json:"total"`
}

// GetStats counts rows by status, optionally filtered by host and
// direction. Stats never fail: any store error yields zeros.
func (e *Engine) GetStats(ctx context.Context, hostID, direction *string) Stats {
	counts, err := e.db.CountMessagesByStatus(ctx, hostID, direction)
	if err != nil {
		e.log.Error("queue stats unavailable", "error", err)
		return Stats{}
	}
	s := Stats{
		Pending:    counts[db.StatusPending],
		InProgress: counts[db.StatusInProgress],
		Sent:       counts[db.StatusSent],
		Completed:  counts[db.StatusCompleted],
		Failed:     counts[db.StatusFailed],
		Expired:    counts[db.StatusExpired],
	}
	s.Total = s.Pending + s.InProgress + s.Sent + s.Completed + s.Failed + s.Expired
	return s
}

// GetFailedMessages returns the newest failed or expired rows. Never fails:
// store errors yield an empty slice.
func (e *Engine) GetFailedMessages(ctx context.Context, limit int) []db.QueueMessage {
	if limit <= 0 {
		limit = 50
	}
	msgs, err := e.db.SelectFailedMessages(ctx, limit)
	if err != nil {
		e.log.Error("failed message listing unavailable", "error", err)
		return nil
	}
	return msgs
}

// GetMessage returns one row by message_id.
func (e *Engine) GetMessage(ctx context.Context, messageID string) (*db.QueueMessage, error) {
	return db.GetMessageByMessageID(ctx, e.db, messageID)
}

// ExpireOld expires pending rows older than maxAge. Used by the maintenance
// sweep.
func (e *Engine) ExpireOld(ctx context.Context, maxAge time.Duration) (int64, error) {
	now := e.clk.Now().UTC()
	return e.db.ExpirePending(ctx, now.Add(-maxAge), now)
}

// DeleteCompleted prunes terminal rows older than retention.
func (e *Engine) DeleteCompleted(ctx context.Context, retention time.Duration) (int64, error) {
	return e.db.DeleteTerminal(ctx, e.clk.Now().UTC().Add(-retention))
}
