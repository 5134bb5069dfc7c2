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

// ReplaceUbuntuProInfo upserts the host's Pro attachment and replaces its
// per-service entitlement rows in one transaction.
func (d *DB) ReplaceUbuntuProInfo(ctx context.Context, hostID string, info UbuntuProInfo, services []UbuntuProService) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()

		var existingID string
		err := tx.GetContext(ctx, &existingID, tx.Rebind(
			`SELECT id FROM ubuntu_pro_info WHERE host_id = ?`), hostID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			info.ID = uuid.NewString()
			info.HostID = hostID
			info.CreatedAt = now
			info.UpdatedAt = now
			const ins = `INSERT INTO ubuntu_pro_info
				(id, host_id, attached, version, expires, account_name, contract_name,
				 tech_support_level, created_at, updated_at)
				VALUES (:id, :host_id, :attached, :version, :expires, :account_name,
				 :contract_name, :tech_support_level, :created_at, :updated_at)`
			if _, err := tx.NamedExecContext(ctx, ins, &info); err != nil {
				return fmt.Errorf("inserting ubuntu pro info for host %s: %w", hostID, err)
			}
		case err != nil:
			return fmt.Errorf("selecting ubuntu pro info for host %s: %w", hostID, err)
		default:
			info.ID = existingID
			info.HostID = hostID
			info.UpdatedAt = now
			const upd = `UPDATE ubuntu_pro_info
				SET attached = :attached, version = :version, expires = :expires,
				    account_name = :account_name, contract_name = :contract_name,
				    tech_support_level = :tech_support_level, updated_at = :updated_at
				WHERE id = :id`
			if _, err := tx.NamedExecContext(ctx, upd, &info); err != nil {
				return fmt.Errorf("updating ubuntu pro info for host %s: %w", hostID, err)
			}
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM ubuntu_pro_service WHERE ubuntu_pro_info_id = ?`), info.ID); err != nil {
			return fmt.Errorf("clearing ubuntu pro services for host %s: %w", hostID, err)
		}
		const sq = `INSERT INTO ubuntu_pro_service
			(id, ubuntu_pro_info_id, name, status, entitled, description)
			VALUES (:id, :ubuntu_pro_info_id, :name, :status, :entitled, :description)`
		for i := range services {
			services[i].ID = uuid.NewString()
			services[i].UbuntuProInfoID = info.ID
			if _, err := tx.NamedExecContext(ctx, sq, &services[i]); err != nil {
				return fmt.Errorf("inserting ubuntu pro service %s: %w", services[i].Name, err)
			}
		}
		return nil
	})
}

// GetUbuntuProInfo returns the host's Pro attachment and services, or nil
// when never reported.
func (d *DB) GetUbuntuProInfo(ctx context.Context, hostID string) (*UbuntuProInfo, []UbuntuProService, error) {
	var info UbuntuProInfo
	err := d.GetContext(ctx, &info, d.Rebind(
		`SELECT * FROM ubuntu_pro_info WHERE host_id = ?`), hostID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("selecting ubuntu pro info for host %s: %w", hostID, err)
	}

	var services []UbuntuProService
	err = d.SelectContext(ctx, &services, d.Rebind(
		`SELECT * FROM ubuntu_pro_service WHERE ubuntu_pro_info_id = ? ORDER BY name`), info.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("selecting ubuntu pro services for host %s: %w", hostID, err)
	}
	return &info, services, nil
}
