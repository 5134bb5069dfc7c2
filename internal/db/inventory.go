package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// ReplaceStorageDevices swaps the host's storage inventory in one
// transaction and stamps hardware_updated_at.
func (d *DB) ReplaceStorageDevices(ctx context.Context, hostID string, devices []StorageDevice) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM storage_device WHERE host_id = ?`), hostID); err != nil {
			return fmt.Errorf("clearing storage devices for host %s: %w", hostID, err)
		}
		const q = `INSERT INTO storage_device
			(id, host_id, name, mount_point, filesystem, capacity_bytes, used_bytes,
			 available_bytes, is_physical, created_at)
			VALUES (:id, :host_id, :name, :mount_point, :filesystem, :capacity_bytes,
			 :used_bytes, :available_bytes, :is_physical, :created_at)`
		for i := range devices {
			devices[i].ID = uuid.NewString()
			devices[i].HostID = hostID
			devices[i].CreatedAt = now
			if _, err := tx.NamedExecContext(ctx, q, &devices[i]); err != nil {
				return fmt.Errorf("inserting storage device %s: %w", devices[i].Name, err)
			}
		}
		return stampInventoryTx(ctx, tx, hostID, "hardware_updated_at", now)
	})
}

// ReplaceNetworkInterfaces swaps the host's interface inventory and stamps
// hardware_updated_at.
func (d *DB) ReplaceNetworkInterfaces(ctx context.Context, hostID string, ifaces []NetworkInterface) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM network_interface WHERE host_id = ?`), hostID); err != nil {
			return fmt.Errorf("clearing network interfaces for host %s: %w", hostID, err)
		}
		const q = `INSERT INTO network_interface
			(id, host_id, name, interface_type, mac_address, ipv4, ipv6, speed_mbps,
			 is_active, created_at)
			VALUES (:id, :host_id, :name, :interface_type, :mac_address, :ipv4, :ipv6,
			 :speed_mbps, :is_active, :created_at)`
		for i := range ifaces {
			ifaces[i].ID = uuid.NewString()
			ifaces[i].HostID = hostID
			ifaces[i].CreatedAt = now
			if _, err := tx.NamedExecContext(ctx, q, &ifaces[i]); err != nil {
				return fmt.Errorf("inserting network interface %s: %w", ifaces[i].Name, err)
			}
		}
		return stampInventoryTx(ctx, tx, hostID, "hardware_updated_at", now)
	})
}

// ReplaceUserAccess swaps accounts, groups, and memberships together and
// stamps user_access_updated_at. Memberships reference accounts and groups
// by name; unknown names are skipped.
func (d *DB) ReplaceUserAccess(ctx context.Context, hostID string, users []UserAccount, groups []UserGroup, memberships map[string][]string) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		for _, table := range []string{"user_group_membership", "user_account", "user_group"} {
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`DELETE FROM `+table+` WHERE host_id = ?`), hostID); err != nil {
				return fmt.Errorf("clearing %s for host %s: %w", table, hostID, err)
			}
		}

		userIDs := make(map[string]string, len(users))
		const uq = `INSERT INTO user_account
			(id, host_id, username, uid, home_directory, shell, is_system_user, created_at)
			VALUES (:id, :host_id, :username, :uid, :home_directory, :shell, :is_system_user, :created_at)`
		for i := range users {
			users[i].ID = uuid.NewString()
			users[i].HostID = hostID
			users[i].CreatedAt = now
			if _, err := tx.NamedExecContext(ctx, uq, &users[i]); err != nil {
				return fmt.Errorf("inserting user %s: %w", users[i].Username, err)
			}
			userIDs[users[i].Username] = users[i].ID
		}

		groupIDs := make(map[string]string, len(groups))
		const gq = `INSERT INTO user_group
			(id, host_id, group_name, gid, is_system_group, created_at)
			VALUES (:id, :host_id, :group_name, :gid, :is_system_group, :created_at)`
		for i := range groups {
			groups[i].ID = uuid.NewString()
			groups[i].HostID = hostID
			groups[i].CreatedAt = now
			if _, err := tx.NamedExecContext(ctx, gq, &groups[i]); err != nil {
				return fmt.Errorf("inserting group %s: %w", groups[i].GroupName, err)
			}
			groupIDs[groups[i].GroupName] = groups[i].ID
		}

		const mq = `INSERT INTO user_group_membership
			(id, host_id, user_account_id, user_group_id, created_at)
			VALUES (?, ?, ?, ?, ?)`
		for username, groupNames := range memberships {
			uid, ok := userIDs[username]
			if !ok {
				continue
			}
			for _, gname := range groupNames {
				gid, ok := groupIDs[gname]
				if !ok {
					continue
				}
				if _, err := tx.ExecContext(ctx, tx.Rebind(mq),
					uuid.NewString(), hostID, uid, gid, now); err != nil {
					return fmt.Errorf("inserting membership %s/%s: %w", username, gname, err)
				}
			}
		}
		return stampInventoryTx(ctx, tx, hostID, "user_access_updated_at", now)
	})
}

// ReplaceSoftwarePackages swaps the installed-package inventory and stamps
// software_updated_at.
func (d *DB) ReplaceSoftwarePackages(ctx context.Context, hostID string, pkgs []SoftwarePackage) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM software_package WHERE host_id = ?`), hostID); err != nil {
			return fmt.Errorf("clearing software packages for host %s: %w", hostID, err)
		}
		const q = `INSERT INTO software_package
			(id, host_id, package_name, version, package_manager, bundle_id, created_at)
			VALUES (:id, :host_id, :package_name, :version, :package_manager, :bundle_id, :created_at)`
		for i := range pkgs {
			pkgs[i].ID = uuid.NewString()
			pkgs[i].HostID = hostID
			pkgs[i].CreatedAt = now
			if _, err := tx.NamedExecContext(ctx, q, &pkgs[i]); err != nil {
				return fmt.Errorf("inserting software package %s: %w", pkgs[i].PackageName, err)
			}
		}
		return stampInventoryTx(ctx, tx, hostID, "software_updated_at", now)
	})
}

// ReplacePackageUpdates swaps the available-update list for a host.
func (d *DB) ReplacePackageUpdates(ctx context.Context, hostID string, updates []PackageUpdate) error {
	return d.WithTx(ctx, func(tx *sqlx.Tx) error {
		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, tx.Rebind(
			`DELETE FROM package_update WHERE host_id = ?`), hostID); err != nil {
			return fmt.Errorf("clearing package updates for host %s: %w", hostID, err)
		}
		const q = `INSERT INTO package_update
			(id, host_id, package_name, current_version, available_version, package_manager,
			 is_security_update, is_system_update, update_size_bytes, status, created_at, updated_at)
			VALUES (:id, :host_id, :package_name, :current_version, :available_version,
			 :package_manager, :is_security_update, :is_system_update, :update_size_bytes,
			 :status, :created_at, :updated_at)`
		for i := range updates {
			updates[i].ID = uuid.NewString()
			updates[i].HostID = hostID
			if updates[i].Status == "" {
				updates[i].Status = "available"
			}
			updates[i].CreatedAt = now
			updates[i].UpdatedAt = now
			if _, err := tx.NamedExecContext(ctx, q, &updates[i]); err != nil {
				return fmt.Errorf("inserting package update %s: %w", updates[i].PackageName, err)
			}
		}
		return nil
	})
}

// ListPackageUpdates returns the available updates for a host.
func (d *DB) ListPackageUpdates(ctx context.Context, hostID string) ([]PackageUpdate, error) {
	var updates []PackageUpdate
	err := d.SelectContext(ctx, &updates, d.Rebind(
		`SELECT * FROM package_update WHERE host_id = ? ORDER BY package_name`), hostID)
	if err != nil {
		return nil, fmt.Errorf("listing package updates for host %s: %w", hostID, err)
	}
	return updates, nil
}

// DeletePackageUpdate removes one applied update row by package name.
func (d *DB) DeletePackageUpdate(ctx context.Context, hostID, packageName string) error {
	_, err := d.ExecContext(ctx, d.Rebind(
		`DELETE FROM package_update WHERE host_id = ? AND package_name = ?`),
		hostID, packageName)
	if err != nil {
		return fmt.Errorf("deleting package update %s: %w", packageName, err)
	}
	return nil
}

// MarkPackageUpdateFailed keeps a failed update row with its error recorded.
func (d *DB) MarkPackageUpdateFailed(ctx context.Context, hostID, packageName string) error {
	_, err := d.ExecContext(ctx, d.Rebind(
		`UPDATE package_update SET status = ?, updated_at = ? WHERE host_id = ? AND package_name = ?`),
		"failed", time.Now().UTC(), hostID, packageName)
	if err != nil {
		return fmt.Errorf("marking package update %s failed: %w", packageName, err)
	}
	return nil
}

// ListStorageDevices returns the stored storage inventory for a host.
func (d *DB) ListStorageDevices(ctx context.Context, hostID string) ([]StorageDevice, error) {
	var devices []StorageDevice
	err := d.SelectContext(ctx, &devices, d.Rebind(
		`SELECT * FROM storage_device WHERE host_id = ? ORDER BY name`), hostID)
	if err != nil {
		return nil, fmt.Errorf("listing storage devices for host %s: %w", hostID, err)
	}
	return devices, nil
}

// ListNetworkInterfaces returns the stored interface inventory for a host.
func (d *DB) ListNetworkInterfaces(ctx context.Context, hostID string) ([]NetworkInterface, error) {
	var ifaces []NetworkInterface
	err := d.SelectContext(ctx, &ifaces, d.Rebind(
		`SELECT * FROM network_interface WHERE host_id = ? ORDER BY name`), hostID)
	if err != nil {
		return nil, fmt.Errorf("listing network interfaces for host %s: %w", hostID, err)
	}
	return ifaces, nil
}

// ListUserAccounts returns the stored account inventory for a host.
func (d *DB) ListUserAccounts(ctx context.Context, hostID string) ([]UserAccount, error) {
	var users []UserAccount
	err := d.SelectContext(ctx, &users, d.Rebind(
		`SELECT * FROM user_account WHERE host_id = ? ORDER BY username`), hostID)
	if err != nil {
		return nil, fmt.Errorf("listing user accounts for host %s: %w", hostID, err)
	}
	return users, nil
}

// ListSoftwarePackages returns the stored package inventory for a host.
func (d *DB) ListSoftwarePackages(ctx context.Context, hostID string) ([]SoftwarePackage, error) {
	var pkgs []SoftwarePackage
	err := d.SelectContext(ctx, &pkgs, d.Rebind(
		`SELECT * FROM software_package WHERE host_id = ? ORDER BY package_name`), hostID)
	if err != nil {
		return nil, fmt.Errorf("listing software packages for host %s: %w", hostID, err)
	}
	return pkgs, nil
}

func stampInventoryTx(ctx context.Context, tx *sqlx.Tx, hostID, column string, now time.Time) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind(
		`UPDATE host SET `+column+` = ?, updated_at = ? WHERE id = ?`), now, now, hostID); err != nil {
		return fmt.Errorf("stamping %s on host %s: %w", column, hostID, err)
	}
	return nil
}
