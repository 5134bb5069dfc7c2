package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertHostChild records the latest reported state of a child workload,
// keyed by (parent_host_id, child_name).
func (d *DB) UpsertHostChild(ctx context.Context, parentID, name, childType, status, errMsg string) error {
	now := time.Now().UTC()
	arg := map[string]any{
		"id":             uuid.NewString(),
		"parent_host_id": parentID,
		"child_name":     name,
		"child_type":     nullIfEmpty(childType),
		"status":         status,
		"error_message":  nullIfEmpty(errMsg),
		"updated_at":     now,
	}
	const q = `INSERT INTO host_child
		(id, parent_host_id, child_name, child_type, status, error_message, updated_at)
		VALUES (:id, :parent_host_id, :child_name, :child_type, :status, :error_message, :updated_at)
		ON CONFLICT (parent_host_id, child_name) DO UPDATE SET
		 child_type = COALESCE(excluded.child_type, host_child.child_type),
		 status = excluded.status,
		 error_message = excluded.error_message,
		 updated_at = excluded.updated_at`
	if _, err := d.NamedExecContext(ctx, q, arg); err != nil {
		return fmt.Errorf("upserting child %s of host %s: %w", name, parentID, err)
	}
	return nil
}

// GetChildrenByParent returns all child workloads reported for a parent.
func (d *DB) GetChildrenByParent(ctx context.Context, parentID string) ([]HostChild, error) {
	var children []HostChild
	err := d.SelectContext(ctx, &children, d.Rebind(
		`SELECT * FROM host_child WHERE parent_host_id = ? ORDER BY child_name`), parentID)
	if err != nil {
		return nil, fmt.Errorf("selecting children of host %s: %w", parentID, err)
	}
	return children, nil
}

// GetChildByName returns one child row, or nil when unreported.
func (d *DB) GetChildByName(ctx context.Context, parentID, name string) (*HostChild, error) {
	children, err := d.GetChildrenByParent(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for i := range children {
		if children[i].ChildName == name {
			return &children[i], nil
		}
	}
	return nil, nil
}

// GetRunningChildren returns the children currently reported running or
// starting, the set a reboot must drain.
func (d *DB) GetRunningChildren(ctx context.Context, parentID string) ([]HostChild, error) {
	var children []HostChild
	err := d.SelectContext(ctx, &children, d.Rebind(
		`SELECT * FROM host_child WHERE parent_host_id = ? AND status IN (?, ?) ORDER BY child_name`),
		parentID, ChildRunning, ChildStarting)
	if err != nil {
		return nil, fmt.Errorf("selecting running children of host %s: %w", parentID, err)
	}
	return children, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
