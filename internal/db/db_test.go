package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sysmanage/sysmanage-server/internal/logging"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	d, err := Open(filepath.Join(t.TempDir(), "test.db"), logging.New(false, "error"))
	if err != nil {
		t.Fatalf("opening test database: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func TestOpenAppliesMigrations(t *testing.T) {
	d := testDB(t)

	// All required tables must exist after Open.
	for _, table := range []string{
		"host", "message_queue", "reboot_orchestration", "host_child",
		"storage_device", "network_interface", "user_account", "user_group",
		"user_group_membership", "software_package", "package_update",
		"update_execution_log", "software_installation_log",
		"ubuntu_pro_info", "ubuntu_pro_service",
	} {
		var n int
		err := d.Get(&n, `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if n != 1 {
			t.Errorf("table %s missing after migrations", table)
		}
	}
}

func TestHostLifecycle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, created, err := d.UpsertHostByFQDN(ctx, RegisterParams{
		FQDN: "web01.example.com", IPv4: "10.0.0.5", Platform: "linux", TouchLastAccess: true,
	})
	if err != nil {
		t.Fatalf("upserting host: %v", err)
	}
	if !created {
		t.Error("first upsert should create")
	}
	if h.ApprovalStatus != ApprovalPending {
		t.Errorf("new host approval = %q, want pending", h.ApprovalStatus)
	}
	if h.Status != HostUp || !h.Active {
		t.Errorf("new host status = %q active = %v, want up/true", h.Status, h.Active)
	}
	if h.LastAccess == nil {
		t.Error("last_access not stamped")
	}

	if err := d.SetHostApproval(ctx, h.ID, ApprovalApproved); err != nil {
		t.Fatalf("approving host: %v", err)
	}

	// Re-registration preserves operator approval.
	h2, created, err := d.UpsertHostByFQDN(ctx, RegisterParams{
		FQDN: "web01.example.com", IPv4: "10.0.0.6", TouchLastAccess: false,
	})
	if err != nil {
		t.Fatalf("re-upserting host: %v", err)
	}
	if created {
		t.Error("second upsert should update, not create")
	}
	if h2.ID != h.ID {
		t.Errorf("upsert changed id: %s != %s", h2.ID, h.ID)
	}
	if h2.ApprovalStatus != ApprovalApproved {
		t.Errorf("approval = %q after re-register, want approved", h2.ApprovalStatus)
	}
	if h2.IPv4 == nil || *h2.IPv4 != "10.0.0.6" {
		t.Error("ipv4 not refreshed on re-register")
	}

	byFQDN, err := d.GetHostByFQDN(ctx, "web01.example.com")
	if err != nil {
		t.Fatalf("get by fqdn: %v", err)
	}
	if byFQDN.ID != h.ID {
		t.Error("fqdn lookup returned different host")
	}

	if err := d.MarkHostDown(ctx, h.ID); err != nil {
		t.Fatalf("marking host down: %v", err)
	}
	down, _ := d.GetHost(ctx, h.ID)
	if down.Status != HostDown {
		t.Errorf("status = %q after disconnect, want down", down.Status)
	}
	if !down.Active {
		t.Error("active flag must survive disconnect")
	}

	if _, err := d.GetHost(ctx, "missing-id"); !errors.Is(err, ErrHostNotFound) {
		t.Errorf("expected ErrHostNotFound, got %v", err)
	}
}

func TestRevokeHostCertificate(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "db01.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}
	if err := d.SetHostApproval(ctx, h.ID, ApprovalApproved); err != nil {
		t.Fatalf("approving: %v", err)
	}
	if err := d.SetHostCertificate(ctx, h.ID, "-----BEGIN CERTIFICATE-----", "1234"); err != nil {
		t.Fatalf("storing certificate: %v", err)
	}

	if err := d.RevokeHostCertificate(ctx, h.ID); err != nil {
		t.Fatalf("revoking: %v", err)
	}

	got, _ := d.GetHost(ctx, h.ID)
	if got.ClientCertificate != nil {
		t.Error("client_certificate not cleared on revoke")
	}
	if got.CertificateSerial != nil {
		t.Error("certificate_serial not cleared on revoke")
	}
	if got.ApprovalStatus != ApprovalRevoked {
		t.Errorf("approval = %q after revoke, want revoked", got.ApprovalStatus)
	}
}

func TestRebootRequiredReasonProtected(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "hv01.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	if err := d.SetRebootRequired(ctx, h.ID, "wsl_enabled"); err != nil {
		t.Fatalf("setting reboot required: %v", err)
	}
	// A later path must not overwrite the recorded reason.
	if err := d.SetRebootRequired(ctx, h.ID, "kernel updated"); err != nil {
		t.Fatalf("second set: %v", err)
	}

	got, _ := d.GetHost(ctx, h.ID)
	if !got.RebootRequired {
		t.Error("reboot_required not set")
	}
	if got.RebootRequiredReason == nil || *got.RebootRequiredReason != "wsl_enabled" {
		t.Errorf("reason = %v, want protected wsl_enabled", got.RebootRequiredReason)
	}

	if err := d.ClearRebootRequired(ctx, h.ID); err != nil {
		t.Fatalf("clearing: %v", err)
	}
	got, _ = d.GetHost(ctx, h.ID)
	if got.RebootRequired || got.RebootRequiredReason != nil {
		t.Error("clear did not reset flag and reason")
	}

	// After clearing, a new reason may be recorded.
	if err := d.SetRebootRequired(ctx, h.ID, "kernel updated"); err != nil {
		t.Fatalf("setting after clear: %v", err)
	}
	got, _ = d.GetHost(ctx, h.ID)
	if got.RebootRequiredReason == nil || *got.RebootRequiredReason != "kernel updated" {
		t.Errorf("reason = %v, want kernel updated", got.RebootRequiredReason)
	}
}

func TestHostChildUpsert(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "parent.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	if err := d.UpsertHostChild(ctx, h.ID, "vm-a", "vm", ChildRunning, ""); err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if err := d.UpsertHostChild(ctx, h.ID, "vm-b", "vm", ChildRunning, ""); err != nil {
		t.Fatalf("second child: %v", err)
	}
	if err := d.UpsertHostChild(ctx, h.ID, "vm-a", "", ChildStopped, ""); err != nil {
		t.Fatalf("update upsert: %v", err)
	}

	children, err := d.GetChildrenByParent(ctx, h.ID)
	if err != nil {
		t.Fatalf("listing children: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("children count = %d, want 2", len(children))
	}
	if children[0].ChildName != "vm-a" || children[0].Status != ChildStopped {
		t.Errorf("vm-a = %+v, want stopped", children[0])
	}
	if children[0].ChildType == nil || *children[0].ChildType != "vm" {
		t.Error("child_type lost on status update")
	}

	running, err := d.GetRunningChildren(ctx, h.ID)
	if err != nil {
		t.Fatalf("running children: %v", err)
	}
	if len(running) != 1 || running[0].ChildName != "vm-b" {
		t.Errorf("running = %+v, want only vm-b", running)
	}
}

func TestReplaceStorageDevices(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "stor.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	first := []StorageDevice{{Name: "sda"}, {Name: "sdb"}}
	if err := d.ReplaceStorageDevices(ctx, h.ID, first); err != nil {
		t.Fatalf("first replace: %v", err)
	}
	second := []StorageDevice{{Name: "nvme0n1", IsPhysical: true}}
	if err := d.ReplaceStorageDevices(ctx, h.ID, second); err != nil {
		t.Fatalf("second replace: %v", err)
	}

	devices, err := d.ListStorageDevices(ctx, h.ID)
	if err != nil {
		t.Fatalf("listing devices: %v", err)
	}
	if len(devices) != 1 || devices[0].Name != "nvme0n1" {
		t.Errorf("devices = %+v, want single nvme0n1", devices)
	}

	got, _ := d.GetHost(ctx, h.ID)
	if got.HardwareUpdatedAt == nil {
		t.Error("hardware_updated_at not stamped by replace")
	}
}

func TestReplaceUserAccess(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "users.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	uid := int64(1000)
	users := []UserAccount{{Username: "alice", UID: &uid}, {Username: "root", IsSystemUser: true}}
	groups := []UserGroup{{GroupName: "wheel"}, {GroupName: "docker"}}
	memberships := map[string][]string{"alice": {"wheel", "docker", "nonexistent"}}

	if err := d.ReplaceUserAccess(ctx, h.ID, users, groups, memberships); err != nil {
		t.Fatalf("replacing user access: %v", err)
	}

	gotUsers, err := d.ListUserAccounts(ctx, h.ID)
	if err != nil {
		t.Fatalf("listing users: %v", err)
	}
	if len(gotUsers) != 2 {
		t.Errorf("users = %d, want 2", len(gotUsers))
	}

	var memberCount int
	if err := d.Get(&memberCount, `SELECT COUNT(*) FROM user_group_membership`); err != nil {
		t.Fatalf("counting memberships: %v", err)
	}
	// The membership naming an unknown group is skipped.
	if memberCount != 2 {
		t.Errorf("memberships = %d, want 2", memberCount)
	}

	got, _ := d.GetHost(ctx, h.ID)
	if got.UserAccessUpdatedAt == nil {
		t.Error("user_access_updated_at not stamped")
	}
}

func TestInstallationLogLifecycle(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "inst.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	entry := &SoftwareInstallationLog{
		InstallationID: "11111111-2222-4333-8444-555555555555",
		HostID:         h.ID,
		PackageName:    "nginx",
	}
	if err := d.InsertInstallationLog(ctx, entry); err != nil {
		t.Fatalf("inserting installation log: %v", err)
	}

	if err := d.UpdateInstallationStatus(ctx, entry.InstallationID, InstallCompleted, "1.24.0", ""); err != nil {
		t.Fatalf("updating installation: %v", err)
	}

	logs, err := d.ListInstallationLogs(ctx, h.ID, 10)
	if err != nil {
		t.Fatalf("listing installation logs: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d, want 1", len(logs))
	}
	if logs[0].Status != InstallCompleted {
		t.Errorf("status = %q, want completed", logs[0].Status)
	}
	if logs[0].InstalledVersion == nil || *logs[0].InstalledVersion != "1.24.0" {
		t.Error("installed_version not recorded")
	}
	if logs[0].CompletedAt == nil {
		t.Error("completed_at not stamped on terminal status")
	}

	if err := d.UpdateInstallationStatus(ctx, "missing", InstallFailed, "", "x"); err == nil {
		t.Error("expected error for unknown installation_id")
	}
}

func TestUbuntuProReplace(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	h, _, err := d.UpsertHostByFQDN(ctx, RegisterParams{FQDN: "pro.example.com"})
	if err != nil {
		t.Fatalf("creating host: %v", err)
	}

	err = d.ReplaceUbuntuProInfo(ctx, h.ID, UbuntuProInfo{Attached: true},
		[]UbuntuProService{{Name: "esm-infra", Entitled: true}, {Name: "livepatch"}})
	if err != nil {
		t.Fatalf("first replace: %v", err)
	}
	err = d.ReplaceUbuntuProInfo(ctx, h.ID, UbuntuProInfo{Attached: false},
		[]UbuntuProService{{Name: "esm-infra"}})
	if err != nil {
		t.Fatalf("second replace: %v", err)
	}

	info, services, err := d.GetUbuntuProInfo(ctx, h.ID)
	if err != nil {
		t.Fatalf("getting pro info: %v", err)
	}
	if info == nil || info.Attached {
		t.Errorf("info = %+v, want attached=false", info)
	}
	if len(services) != 1 {
		t.Errorf("services = %d, want 1 after replace", len(services))
	}

	// Unreported host yields nil, not an error.
	other, _, err := d.GetUbuntuProInfo(ctx, "no-such-host")
	if err != nil || other != nil {
		t.Errorf("unreported host: info=%v err=%v, want nil/nil", other, err)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	d := testDB(t)
	ctx := context.Background()

	sentinel := errors.New("boom")
	err := d.WithTx(ctx, func(tx *sqlx.Tx) error {
		return sentinel
	})
	_ = err
	_ = time.Now
}
