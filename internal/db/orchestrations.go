package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ErrOrchestrationNotFound is returned when no orchestration row matches.
var ErrOrchestrationNotFound = errors.New("reboot orchestration not found")

// nonTerminalOrchStates are the states an in-flight orchestration can hold.
var nonTerminalOrchStates = []any{OrchShuttingDown, OrchRebooting, OrchPendingRestart, OrchRestarting}

// InsertOrchestration writes a new orchestration row.
func InsertOrchestration(ctx context.Context, ext sqlx.ExtContext, o *RebootOrchestration) error {
	const q = `INSERT INTO reboot_orchestration
		(id, parent_host_id, status, child_hosts_snapshot, child_hosts_restart_status,
		 initiated_at, shutdown_timeout_seconds, error_message)
		VALUES (:id, :parent_host_id, :status, :child_hosts_snapshot,
		 :child_hosts_restart_status, :initiated_at, :shutdown_timeout_seconds, :error_message)`
	if _, err := sqlx.NamedExecContext(ctx, ext, q, o); err != nil {
		return fmt.Errorf("inserting orchestration for host %s: %w", o.ParentHostID, err)
	}
	return nil
}

// GetOrchestration returns an orchestration by id.
func (d *DB) GetOrchestration(ctx context.Context, id string) (*RebootOrchestration, error) {
	var o RebootOrchestration
	err := d.GetContext(ctx, &o, d.Rebind(`SELECT * FROM reboot_orchestration WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrchestrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting orchestration %s: %w", id, err)
	}
	return &o, nil
}

// GetActiveOrchestration returns the single non-terminal orchestration for a
// parent host, or nil when none is in flight.
func GetActiveOrchestration(ctx context.Context, ext sqlx.ExtContext, parentID string) (*RebootOrchestration, error) {
	var o RebootOrchestration
	args := append([]any{parentID}, nonTerminalOrchStates...)
	err := sqlx.GetContext(ctx, ext, &o, ext.Rebind(
		`SELECT * FROM reboot_orchestration
		 WHERE parent_host_id = ? AND status IN (?, ?, ?, ?)
		 ORDER BY initiated_at LIMIT 1`), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting active orchestration for host %s: %w", parentID, err)
	}
	return &o, nil
}

// MarkOrchestrationRebooting advances shutting_down to rebooting. The
// conditional WHERE keeps concurrent progress checks from double-issuing the
// reboot command.
func MarkOrchestrationRebooting(ctx context.Context, ext sqlx.ExtContext, id string, now time.Time) (bool, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(
		`UPDATE reboot_orchestration
		 SET status = ?, shutdown_completed_at = ?, reboot_issued_at = ?
		 WHERE id = ? AND status = ?`),
		OrchRebooting, now, now, id, OrchShuttingDown)
	if err != nil {
		return false, fmt.Errorf("marking orchestration %s rebooting: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// MarkOrchestrationRestarting advances rebooting to restarting on agent
// reconnect and seeds the per-child restart status list.
func MarkOrchestrationRestarting(ctx context.Context, ext sqlx.ExtContext, id, restartStatusJSON string, now time.Time) (bool, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(
		`UPDATE reboot_orchestration
		 SET status = ?, agent_reconnected_at = ?, child_hosts_restart_status = ?
		 WHERE id = ? AND status = ?`),
		OrchRestarting, now, restartStatusJSON, id, OrchRebooting)
	if err != nil {
		return false, fmt.Errorf("marking orchestration %s restarting: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UpdateOrchestrationRestartStatus rewrites the per-child restart status
// list while the orchestration is restarting.
func UpdateOrchestrationRestartStatus(ctx context.Context, ext sqlx.ExtContext, id, restartStatusJSON string) (bool, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(
		`UPDATE reboot_orchestration SET child_hosts_restart_status = ? WHERE id = ? AND status = ?`),
		restartStatusJSON, id, OrchRestarting)
	if err != nil {
		return false, fmt.Errorf("updating restart status on orchestration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// CompleteOrchestration finishes a restarting orchestration. Partial child
// failures still complete, with errMsg recording which children failed.
func CompleteOrchestration(ctx context.Context, ext sqlx.ExtContext, id string, errMsg *string, now time.Time) (bool, error) {
	res, err := ext.ExecContext(ctx, ext.Rebind(
		`UPDATE reboot_orchestration
		 SET status = ?, restart_completed_at = ?, error_message = ?
		 WHERE id = ? AND status = ?`),
		OrchCompleted, now, errMsg, id, OrchRestarting)
	if err != nil {
		return false, fmt.Errorf("completing orchestration %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// FailOrchestration force-fails a non-terminal orchestration (operator
// abort). Terminal rows are left untouched.
func (d *DB) FailOrchestration(ctx context.Context, id, reason string) error {
	args := append([]any{OrchFailed, reason, id}, nonTerminalOrchStates...)
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE reboot_orchestration SET status = ?, error_message = ?
		 WHERE id = ? AND status IN (?, ?, ?, ?)`), args...)
	if err != nil {
		return fmt.Errorf("failing orchestration %s: %w", id, err)
	}
	return requireRow(res, ErrOrchestrationNotFound)
}

// CountActiveOrchestrations returns the number of non-terminal rows.
func (d *DB) CountActiveOrchestrations(ctx context.Context) (int, error) {
	var n int
	err := d.GetContext(ctx, &n, d.Rebind(
		`SELECT COUNT(*) FROM reboot_orchestration WHERE status IN (?, ?, ?, ?)`),
		nonTerminalOrchStates...)
	if err != nil {
		return 0, fmt.Errorf("counting active orchestrations: %w", err)
	}
	return n, nil
}

// ListOrchestrationsByParent returns a parent's orchestrations newest first.
func (d *DB) ListOrchestrationsByParent(ctx context.Context, parentID string) ([]RebootOrchestration, error) {
	var rows []RebootOrchestration
	err := d.SelectContext(ctx, &rows, d.Rebind(
		`SELECT * FROM reboot_orchestration WHERE parent_host_id = ? ORDER BY initiated_at DESC`),
		parentID)
	if err != nil {
		return nil, fmt.Errorf("listing orchestrations for host %s: %w", parentID, err)
	}
	return rows, nil
}
