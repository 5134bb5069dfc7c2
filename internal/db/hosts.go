package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ErrHostNotFound is returned by host lookups when no row matches.
var ErrHostNotFound = errors.New("host not found")

// RegisterParams carries the identity an agent presents at registration.
type RegisterParams struct {
	FQDN            string
	IPv4            string
	IPv6            string
	Platform        string
	PlatformRelease string
	TouchLastAccess bool
}

// GetHost returns the host with the given id.
func (d *DB) GetHost(ctx context.Context, id string) (*Host, error) {
	var h Host
	err := d.GetContext(ctx, &h, d.Rebind(`SELECT * FROM host WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting host %s: %w", id, err)
	}
	return &h, nil
}

// GetHostByFQDN returns the host with the given fqdn.
func (d *DB) GetHostByFQDN(ctx context.Context, fqdn string) (*Host, error) {
	var h Host
	err := d.GetContext(ctx, &h, d.Rebind(`SELECT * FROM host WHERE fqdn = ?`), fqdn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("selecting host by fqdn %s: %w", fqdn, err)
	}
	return &h, nil
}

// HostExists reports whether a host row with the given id exists.
func (d *DB) HostExists(ctx context.Context, id string) (bool, error) {
	var n int
	if err := d.GetContext(ctx, &n, d.Rebind(`SELECT COUNT(*) FROM host WHERE id = ?`), id); err != nil {
		return false, fmt.Errorf("counting host %s: %w", id, err)
	}
	return n > 0, nil
}

// ListHosts returns all hosts ordered by fqdn.
func (d *DB) ListHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := d.SelectContext(ctx, &hosts, `SELECT * FROM host ORDER BY fqdn`); err != nil {
		return nil, fmt.Errorf("listing hosts: %w", err)
	}
	return hosts, nil
}

// CreateHost inserts a new host row with approval_status pending.
func (d *DB) CreateHost(ctx context.Context, p RegisterParams) (*Host, error) {
	now := time.Now().UTC()
	h := &Host{
		ID:             uuid.NewString(),
		FQDN:           p.FQDN,
		ApprovalStatus: ApprovalPending,
		Active:         true,
		Status:         HostUp,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if p.IPv4 != "" {
		h.IPv4 = &p.IPv4
	}
	if p.IPv6 != "" {
		h.IPv6 = &p.IPv6
	}
	if p.Platform != "" {
		h.Platform = &p.Platform
	}
	if p.PlatformRelease != "" {
		h.PlatformRelease = &p.PlatformRelease
	}
	if p.TouchLastAccess {
		h.LastAccess = &now
	}

	const q = `INSERT INTO host
		(id, fqdn, ipv4, ipv6, approval_status, active, status, last_access,
		 platform, platform_release, created_at, updated_at)
		VALUES (:id, :fqdn, :ipv4, :ipv6, :approval_status, :active, :status,
		 :last_access, :platform, :platform_release, :created_at, :updated_at)`
	if _, err := d.NamedExecContext(ctx, q, h); err != nil {
		return nil, fmt.Errorf("inserting host %s: %w", p.FQDN, err)
	}
	return h, nil
}

// UpsertHostByFQDN is the registration path: refresh an existing host's
// identity fields preserving approval_status, or create a pending one.
// Returns the row and whether it was newly created.
func (d *DB) UpsertHostByFQDN(ctx context.Context, p RegisterParams) (*Host, bool, error) {
	var (
		host    *Host
		created bool
	)
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		var h Host
		err := tx.GetContext(ctx, &h, tx.Rebind(`SELECT * FROM host WHERE fqdn = ?`), p.FQDN)
		if errors.Is(err, sql.ErrNoRows) {
			now := time.Now().UTC()
			h = Host{
				ID:             uuid.NewString(),
				FQDN:           p.FQDN,
				ApprovalStatus: ApprovalPending,
				Active:         true,
				Status:         HostUp,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if p.IPv4 != "" {
				h.IPv4 = &p.IPv4
			}
			if p.IPv6 != "" {
				h.IPv6 = &p.IPv6
			}
			if p.Platform != "" {
				h.Platform = &p.Platform
			}
			if p.PlatformRelease != "" {
				h.PlatformRelease = &p.PlatformRelease
			}
			if p.TouchLastAccess {
				h.LastAccess = &now
			}
			const ins = `INSERT INTO host
				(id, fqdn, ipv4, ipv6, approval_status, active, status, last_access,
				 platform, platform_release, created_at, updated_at)
				VALUES (:id, :fqdn, :ipv4, :ipv6, :approval_status, :active, :status,
				 :last_access, :platform, :platform_release, :created_at, :updated_at)`
			if _, err := tx.NamedExecContext(ctx, ins, &h); err != nil {
				return fmt.Errorf("inserting host %s: %w", p.FQDN, err)
			}
			host, created = &h, true
			return nil
		}
		if err != nil {
			return fmt.Errorf("selecting host by fqdn %s: %w", p.FQDN, err)
		}

		now := time.Now().UTC()
		h.Active = true
		h.Status = HostUp
		h.UpdatedAt = now
		if p.IPv4 != "" {
			h.IPv4 = &p.IPv4
		}
		if p.IPv6 != "" {
			h.IPv6 = &p.IPv6
		}
		if p.Platform != "" {
			h.Platform = &p.Platform
		}
		if p.PlatformRelease != "" {
			h.PlatformRelease = &p.PlatformRelease
		}
		if p.TouchLastAccess {
			h.LastAccess = &now
		}
		const upd = `UPDATE host SET ipv4 = :ipv4, ipv6 = :ipv6, active = :active,
			status = :status, last_access = :last_access, platform = :platform,
			platform_release = :platform_release, updated_at = :updated_at
			WHERE id = :id`
		if _, err := tx.NamedExecContext(ctx, upd, &h); err != nil {
			return fmt.Errorf("updating host %s: %w", h.ID, err)
		}
		host = &h
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return host, created, nil
}

// TouchHost refreshes liveness on a heartbeat: status up, active, and
// last_access stamped unless the session is a replay.
func (d *DB) TouchHost(ctx context.Context, id string, touchLastAccess bool) error {
	now := time.Now().UTC()
	var res sql.Result
	var err error
	if touchLastAccess {
		res, err = d.ExecContext(ctx, d.Rebind(
			`UPDATE host SET status = ?, active = ?, last_access = ?, updated_at = ? WHERE id = ?`),
			HostUp, true, now, now, id)
	} else {
		res, err = d.ExecContext(ctx, d.Rebind(
			`UPDATE host SET status = ?, active = ?, updated_at = ? WHERE id = ?`),
			HostUp, true, now, id)
	}
	if err != nil {
		return fmt.Errorf("touching host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// MarkHostDown records that the host's session closed. Active is left
// unchanged: down is liveness, not deactivation.
func (d *DB) MarkHostDown(ctx context.Context, id string) error {
	_, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET status = ?, updated_at = ? WHERE id = ?`),
		HostDown, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("marking host %s down: %w", id, err)
	}
	return nil
}

// SetHostApproval transitions the operator-controlled approval status.
func (d *DB) SetHostApproval(ctx context.Context, id, status string) error {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET approval_status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting approval on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetHostCertificate stores the minted client certificate PEM and serial.
func (d *DB) SetHostCertificate(ctx context.Context, id, certPEM, serial string) error {
	now := time.Now().UTC()
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET client_certificate = ?, certificate_serial = ?,
		 certificate_issued_at = ?, updated_at = ? WHERE id = ?`),
		certPEM, serial, now, now, id)
	if err != nil {
		return fmt.Errorf("storing certificate on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// RevokeHostCertificate clears the stored certificate and marks the host
// revoked. The old certificate keeps validating cryptographically; the
// authorization layer rejects it because the host is no longer approved.
func (d *DB) RevokeHostCertificate(ctx context.Context, id string) error {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET client_certificate = NULL, certificate_serial = NULL,
		 approval_status = ?, updated_at = ? WHERE id = ?`),
		ApprovalRevoked, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoking certificate on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// UpdateHostCapabilities overwrites the optional heartbeat capability
// columns. Nil pointers leave the stored values untouched.
func (d *DB) UpdateHostCapabilities(ctx context.Context, id string, isPrivileged, scriptEnabled *bool, enabledShellsJSON *string) error {
	sets := "updated_at = :updated_at"
	arg := map[string]any{"id": id, "updated_at": time.Now().UTC()}
	if isPrivileged != nil {
		sets += ", is_agent_privileged = :is_agent_privileged"
		arg["is_agent_privileged"] = *isPrivileged
	}
	if scriptEnabled != nil {
		sets += ", script_execution_enabled = :script_execution_enabled"
		arg["script_execution_enabled"] = *scriptEnabled
	}
	if enabledShellsJSON != nil {
		sets += ", enabled_shells = :enabled_shells"
		arg["enabled_shells"] = *enabledShellsJSON
	}
	res, err := d.NamedExecContext(ctx, `UPDATE host SET `+sets+` WHERE id = :id`, arg)
	if err != nil {
		return fmt.Errorf("updating capabilities on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetRebootRequired flags the host for reboot. The reason is protected:
// COALESCE keeps the first reason ever recorded until the flag is cleared.
func (d *DB) SetRebootRequired(ctx context.Context, id, reason string) error {
	var res sql.Result
	var err error
	if reason == "" {
		res, err = d.ExecContext(ctx, d.Rebind(
			`UPDATE host SET reboot_required = ?, updated_at = ? WHERE id = ?`),
			true, time.Now().UTC(), id)
	} else {
		res, err = d.ExecContext(ctx, d.Rebind(
			`UPDATE host SET reboot_required = ?,
			 reboot_required_reason = COALESCE(reboot_required_reason, ?),
			 updated_at = ? WHERE id = ?`),
			true, reason, time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("setting reboot_required on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// ClearRebootRequired resets the flag and its protected reason, typically
// after a completed reboot orchestration.
func (d *DB) ClearRebootRequired(ctx context.Context, id string) error {
	_, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET reboot_required = ?, reboot_required_reason = NULL, updated_at = ? WHERE id = ?`),
		false, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("clearing reboot_required on host %s: %w", id, err)
	}
	return nil
}

// SetVirtualization replaces the capability JSON columns.
func (d *DB) SetVirtualization(ctx context.Context, id string, typesJSON, capsJSON *string) error {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET virtualization_types = ?, virtualization_capabilities = ?, updated_at = ? WHERE id = ?`),
		typesJSON, capsJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating virtualization on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// SetDiagnosticsStatus updates the diagnostics request tracking column.
func (d *DB) SetDiagnosticsStatus(ctx context.Context, id, status string) error {
	res, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET diagnostics_request_status = ?, updated_at = ? WHERE id = ?`),
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("updating diagnostics status on host %s: %w", id, err)
	}
	return requireRow(res, ErrHostNotFound)
}

// StampInventoryUpdated sets one of the *_updated_at columns. Column must be
// one of the fixed names; anything else is rejected.
func (d *DB) StampInventoryUpdated(ctx context.Context, id, column string) error {
	switch column {
	case "hardware_updated_at", "software_updated_at", "user_access_updated_at":
	default:
		return fmt.Errorf("unknown inventory timestamp column %q", column)
	}
	_, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE host SET `+column+` = ?, updated_at = ? WHERE id = ?`),
		time.Now().UTC(), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("stamping %s on host %s: %w", column, id, err)
	}
	return nil
}

// CountHostsByApproval returns host counts grouped by approval status.
func (d *DB) CountHostsByApproval(ctx context.Context) (map[string]int, error) {
	rows := []struct {
		Status string `db:"approval_status"`
		N      int    `db:"n"`
	}{}
	if err := d.SelectContext(ctx, &rows,
		`SELECT approval_status, COUNT(*) AS n FROM host GROUP BY approval_status`); err != nil {
		return nil, fmt.Errorf("counting hosts: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func requireRow(res sql.Result, missing error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
