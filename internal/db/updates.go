package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertExecutionLog records a command or package apply outcome.
func (d *DB) InsertExecutionLog(ctx context.Context, entry *UpdateExecutionLog) error {
	entry.ID = uuid.NewString()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const q = `INSERT INTO update_execution_log
		(id, host_id, execution_id, command_type, package_name, package_manager,
		 from_version, to_version, status, exit_code, stdout, stderr, error_message,
		 created_at, completed_at)
		VALUES (:id, :host_id, :execution_id, :command_type, :package_name,
		 :package_manager, :from_version, :to_version, :status, :exit_code, :stdout,
		 :stderr, :error_message, :created_at, :completed_at)`
	if _, err := d.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("inserting execution log for host %s: %w", entry.HostID, err)
	}
	return nil
}

// ListExecutionLogs returns a host's execution history, newest first.
func (d *DB) ListExecutionLogs(ctx context.Context, hostID string, limit int) ([]UpdateExecutionLog, error) {
	var logs []UpdateExecutionLog
	err := d.SelectContext(ctx, &logs, d.Rebind(
		`SELECT * FROM update_execution_log WHERE host_id = ? ORDER BY created_at DESC LIMIT ?`),
		hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing execution logs for host %s: %w", hostID, err)
	}
	return logs, nil
}

// InsertInstallationLog creates one queued installation row.
func (d *DB) InsertInstallationLog(ctx context.Context, entry *SoftwareInstallationLog) error {
	entry.ID = uuid.NewString()
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.UpdatedAt = now
	if entry.Status == "" {
		entry.Status = InstallQueued
	}
	const q = `INSERT INTO software_installation_log
		(id, installation_id, host_id, package_name, requested_version, status,
		 requested_by, created_at, updated_at)
		VALUES (:id, :installation_id, :host_id, :package_name, :requested_version,
		 :status, :requested_by, :created_at, :updated_at)`
	if _, err := d.NamedExecContext(ctx, q, entry); err != nil {
		return fmt.Errorf("inserting installation log %s: %w", entry.InstallationID, err)
	}
	return nil
}

// UpdateInstallationStatus advances one installation by installation_id.
// Terminal statuses stamp completed_at.
func (d *DB) UpdateInstallationStatus(ctx context.Context, installationID, status, installedVersion, errMsg string) error {
	now := time.Now().UTC()
	arg := map[string]any{
		"installation_id":   installationID,
		"status":            status,
		"installed_version": nullIfEmpty(installedVersion),
		"error_message":     nullIfEmpty(errMsg),
		"updated_at":        now,
	}
	q := `UPDATE software_installation_log
		SET status = :status, installed_version = :installed_version,
		    error_message = :error_message, updated_at = :updated_at`
	if status == InstallCompleted || status == InstallFailed {
		arg["completed_at"] = now
		q += `, completed_at = :completed_at`
	}
	q += ` WHERE installation_id = :installation_id`

	res, err := d.NamedExecContext(ctx, q, arg)
	if err != nil {
		return fmt.Errorf("updating installation %s: %w", installationID, err)
	}
	return requireRow(res, fmt.Errorf("installation %s not found", installationID))
}

// ListInstallationLogs returns a host's installation requests, newest first.
func (d *DB) ListInstallationLogs(ctx context.Context, hostID string, limit int) ([]SoftwareInstallationLog, error) {
	var logs []SoftwareInstallationLog
	err := d.SelectContext(ctx, &logs, d.Rebind(
		`SELECT * FROM software_installation_log WHERE host_id = ? ORDER BY created_at DESC LIMIT ?`),
		hostID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing installation logs for host %s: %w", hostID, err)
	}
	return logs, nil
}
