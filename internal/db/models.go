package db

import "time"

// Host approval states. Transitions to approved happen only by operator
// action; commands for non-approved hosts are rejected before enqueue.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
	ApprovalRevoked  = "revoked"
)

// Host liveness states.
const (
	HostUp   = "up"
	HostDown = "down"
)

// Queue message lifecycle states.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSent       = "sent"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
)

// Queue message priorities.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Queue message directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// Reboot orchestration states.
const (
	OrchShuttingDown   = "shutting_down"
	OrchRebooting      = "rebooting"
	OrchPendingRestart = "pending_restart"
	OrchRestarting     = "restarting"
	OrchCompleted      = "completed"
	OrchFailed         = "failed"
)

// Child workload states reported by agents.
const (
	ChildRunning  = "running"
	ChildStopped  = "stopped"
	ChildStarting = "starting"
	ChildError    = "error"
)

// Software installation log states.
const (
	InstallQueued     = "queued"
	InstallInProgress = "in_progress"
	InstallCompleted  = "completed"
	InstallFailed     = "failed"
)

// Host is one managed machine.
type Host struct {
	ID                         string     `db:"id" json:"id"`
	FQDN                       string     `db:"fqdn" json:"fqdn"`
	IPv4                       *string    `db:"ipv4" json:"ipv4,omitempty"`
	IPv6                       *string    `db:"ipv6" json:"ipv6,omitempty"`
	ApprovalStatus             string     `db:"approval_status" json:"approval_status"`
	Active                     bool       `db:"active" json:"active"`
	Status                     string     `db:"status" json:"status"`
	LastAccess                 *time.Time `db:"last_access" json:"last_access,omitempty"`
	Platform                   *string    `db:"platform" json:"platform,omitempty"`
	PlatformRelease            *string    `db:"platform_release" json:"platform_release,omitempty"`
	HardwareUpdatedAt          *time.Time `db:"hardware_updated_at" json:"hardware_updated_at,omitempty"`
	SoftwareUpdatedAt          *time.Time `db:"software_updated_at" json:"software_updated_at,omitempty"`
	UserAccessUpdatedAt        *time.Time `db:"user_access_updated_at" json:"user_access_updated_at,omitempty"`
	RebootRequired             bool       `db:"reboot_required" json:"reboot_required"`
	RebootRequiredReason       *string    `db:"reboot_required_reason" json:"reboot_required_reason,omitempty"`
	IsAgentPrivileged          bool       `db:"is_agent_privileged" json:"is_agent_privileged"`
	ScriptExecutionEnabled     bool       `db:"script_execution_enabled" json:"script_execution_enabled"`
	EnabledShells              *string    `db:"enabled_shells" json:"enabled_shells,omitempty"`
	ClientCertificate          *string    `db:"client_certificate" json:"-"`
	CertificateSerial          *string    `db:"certificate_serial" json:"certificate_serial,omitempty"`
	CertificateIssuedAt        *time.Time `db:"certificate_issued_at" json:"certificate_issued_at,omitempty"`
	VirtualizationTypes        *string    `db:"virtualization_types" json:"virtualization_types,omitempty"`
	VirtualizationCapabilities *string    `db:"virtualization_capabilities" json:"virtualization_capabilities,omitempty"`
	DiagnosticsRequestStatus   *string    `db:"diagnostics_request_status" json:"diagnostics_request_status,omitempty"`
	CreatedAt                  time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt                  time.Time  `db:"updated_at" json:"updated_at"`
}

// Approved reports whether commands may be delivered to this host.
func (h *Host) Approved() bool { return h.ApprovalStatus == ApprovalApproved }

// QueueMessage is one durable message. ExecutionID and ScriptPrefix are
// derived from the payload at enqueue time so deduplication runs against
// indexed columns instead of substring scans.
type QueueMessage struct {
	ID            string     `db:"id" json:"id"`
	MessageID     string     `db:"message_id" json:"message_id"`
	HostID        *string    `db:"host_id" json:"host_id,omitempty"`
	Direction     string     `db:"direction" json:"direction"`
	Type          string     `db:"message_type" json:"message_type"`
	Data          string     `db:"message_data" json:"message_data"`
	Status        string     `db:"status" json:"status"`
	Priority      string     `db:"priority" json:"priority"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	MaxRetries    int        `db:"max_retries" json:"max_retries"`
	ExecutionID   *string    `db:"execution_id" json:"execution_id,omitempty"`
	ScriptPrefix  *string    `db:"script_prefix" json:"-"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	ScheduledAt   *time.Time `db:"scheduled_at" json:"scheduled_at,omitempty"`
	StartedAt     *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt   *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	ExpiredAt     *time.Time `db:"expired_at" json:"expired_at,omitempty"`
	ErrorMessage  *string    `db:"error_message" json:"error_message,omitempty"`
	LastErrorAt   *time.Time `db:"last_error_at" json:"last_error_at,omitempty"`
	CorrelationID *string    `db:"correlation_id" json:"correlation_id,omitempty"`
	ReplyTo       *string    `db:"reply_to" json:"reply_to,omitempty"`
}

// Terminal reports whether the message has reached a final state.
func (m *QueueMessage) Terminal() bool {
	return m.Status == StatusCompleted || m.Status == StatusFailed || m.Status == StatusExpired
}

// RebootOrchestration is one in-flight parent reboot. Snapshot and restart
// status are JSON-encoded lists frozen at initiation.
type RebootOrchestration struct {
	ID                      string     `db:"id" json:"id"`
	ParentHostID            string     `db:"parent_host_id" json:"parent_host_id"`
	Status                  string     `db:"status" json:"status"`
	ChildHostsSnapshot      string     `db:"child_hosts_snapshot" json:"child_hosts_snapshot"`
	ChildHostsRestartStatus *string    `db:"child_hosts_restart_status" json:"child_hosts_restart_status,omitempty"`
	InitiatedAt             time.Time  `db:"initiated_at" json:"initiated_at"`
	ShutdownCompletedAt     *time.Time `db:"shutdown_completed_at" json:"shutdown_completed_at,omitempty"`
	RebootIssuedAt          *time.Time `db:"reboot_issued_at" json:"reboot_issued_at,omitempty"`
	AgentReconnectedAt      *time.Time `db:"agent_reconnected_at" json:"agent_reconnected_at,omitempty"`
	RestartCompletedAt      *time.Time `db:"restart_completed_at" json:"restart_completed_at,omitempty"`
	ShutdownTimeoutSeconds  int        `db:"shutdown_timeout_seconds" json:"shutdown_timeout_seconds"`
	ErrorMessage            *string    `db:"error_message" json:"error_message,omitempty"`
}

// Terminal reports whether the orchestration has finished.
func (o *RebootOrchestration) Terminal() bool {
	return o.Status == OrchCompleted || o.Status == OrchFailed
}

// HostChild is a child workload (VM/container) under a parent host.
type HostChild struct {
	ID           string    `db:"id" json:"id"`
	ParentHostID string    `db:"parent_host_id" json:"parent_host_id"`
	ChildName    string    `db:"child_name" json:"child_name"`
	ChildType    *string   `db:"child_type" json:"child_type,omitempty"`
	Status       string    `db:"status" json:"status"`
	ErrorMessage *string   `db:"error_message" json:"error_message,omitempty"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// StorageDevice is one reported disk or volume.
type StorageDevice struct {
	ID             string    `db:"id" json:"id"`
	HostID         string    `db:"host_id" json:"host_id"`
	Name           string    `db:"name" json:"name"`
	MountPoint     *string   `db:"mount_point" json:"mount_point,omitempty"`
	Filesystem     *string   `db:"filesystem" json:"filesystem,omitempty"`
	CapacityBytes  *int64    `db:"capacity_bytes" json:"capacity_bytes,omitempty"`
	UsedBytes      *int64    `db:"used_bytes" json:"used_bytes,omitempty"`
	AvailableBytes *int64    `db:"available_bytes" json:"available_bytes,omitempty"`
	IsPhysical     bool      `db:"is_physical" json:"is_physical"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// NetworkInterface is one reported interface.
type NetworkInterface struct {
	ID            string    `db:"id" json:"id"`
	HostID        string    `db:"host_id" json:"host_id"`
	Name          string    `db:"name" json:"name"`
	InterfaceType *string   `db:"interface_type" json:"interface_type,omitempty"`
	MACAddress    *string   `db:"mac_address" json:"mac_address,omitempty"`
	IPv4          *string   `db:"ipv4" json:"ipv4,omitempty"`
	IPv6          *string   `db:"ipv6" json:"ipv6,omitempty"`
	SpeedMbps     *int64    `db:"speed_mbps" json:"speed_mbps,omitempty"`
	IsActive      bool      `db:"is_active" json:"is_active"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// UserAccount is one reported local account.
type UserAccount struct {
	ID            string    `db:"id" json:"id"`
	HostID        string    `db:"host_id" json:"host_id"`
	Username      string    `db:"username" json:"username"`
	UID           *int64    `db:"uid" json:"uid,omitempty"`
	HomeDirectory *string   `db:"home_directory" json:"home_directory,omitempty"`
	Shell         *string   `db:"shell" json:"shell,omitempty"`
	IsSystemUser  bool      `db:"is_system_user" json:"is_system_user"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// UserGroup is one reported local group.
type UserGroup struct {
	ID            string    `db:"id" json:"id"`
	HostID        string    `db:"host_id" json:"host_id"`
	GroupName     string    `db:"group_name" json:"group_name"`
	GID           *int64    `db:"gid" json:"gid,omitempty"`
	IsSystemGroup bool      `db:"is_system_group" json:"is_system_group"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// UserGroupMembership links an account to a group on the same host.
type UserGroupMembership struct {
	ID            string    `db:"id" json:"id"`
	HostID        string    `db:"host_id" json:"host_id"`
	UserAccountID string    `db:"user_account_id" json:"user_account_id"`
	UserGroupID   string    `db:"user_group_id" json:"user_group_id"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// SoftwarePackage is one installed package.
type SoftwarePackage struct {
	ID             string    `db:"id" json:"id"`
	HostID         string    `db:"host_id" json:"host_id"`
	PackageName    string    `db:"package_name" json:"package_name"`
	Version        *string   `db:"version" json:"version,omitempty"`
	PackageManager *string   `db:"package_manager" json:"package_manager,omitempty"`
	BundleID       *string   `db:"bundle_id" json:"bundle_id,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// PackageUpdate is one available update for a host.
type PackageUpdate struct {
	ID               string    `db:"id" json:"id"`
	HostID           string    `db:"host_id" json:"host_id"`
	PackageName      string    `db:"package_name" json:"package_name"`
	CurrentVersion   *string   `db:"current_version" json:"current_version,omitempty"`
	AvailableVersion *string   `db:"available_version" json:"available_version,omitempty"`
	PackageManager   *string   `db:"package_manager" json:"package_manager,omitempty"`
	IsSecurityUpdate bool      `db:"is_security_update" json:"is_security_update"`
	IsSystemUpdate   bool      `db:"is_system_update" json:"is_system_update"`
	UpdateSizeBytes  *int64    `db:"update_size_bytes" json:"update_size_bytes,omitempty"`
	Status           string    `db:"status" json:"status"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// UpdateExecutionLog records one command or package apply outcome,
// including captured stdout/stderr for script executions.
type UpdateExecutionLog struct {
	ID             string     `db:"id" json:"id"`
	HostID         string     `db:"host_id" json:"host_id"`
	ExecutionID    *string    `db:"execution_id" json:"execution_id,omitempty"`
	CommandType    *string    `db:"command_type" json:"command_type,omitempty"`
	PackageName    *string    `db:"package_name" json:"package_name,omitempty"`
	PackageManager *string    `db:"package_manager" json:"package_manager,omitempty"`
	FromVersion    *string    `db:"from_version" json:"from_version,omitempty"`
	ToVersion      *string    `db:"to_version" json:"to_version,omitempty"`
	Status         string     `db:"status" json:"status"`
	ExitCode       *int       `db:"exit_code" json:"exit_code,omitempty"`
	Stdout         *string    `db:"stdout" json:"stdout,omitempty"`
	Stderr         *string    `db:"stderr" json:"stderr,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// SoftwareInstallationLog tracks one requested package installation.
type SoftwareInstallationLog struct {
	ID               string     `db:"id" json:"id"`
	InstallationID   string     `db:"installation_id" json:"installation_id"`
	HostID           string     `db:"host_id" json:"host_id"`
	PackageName      string     `db:"package_name" json:"package_name"`
	RequestedVersion *string    `db:"requested_version" json:"requested_version,omitempty"`
	Status           string     `db:"status" json:"status"`
	RequestedBy      *string    `db:"requested_by" json:"requested_by,omitempty"`
	InstalledVersion *string    `db:"installed_version" json:"installed_version,omitempty"`
	ErrorMessage     *string    `db:"error_message" json:"error_message,omitempty"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt      *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// UbuntuProInfo is a host's Ubuntu Pro attachment state.
type UbuntuProInfo struct {
	ID               string    `db:"id" json:"id"`
	HostID           string    `db:"host_id" json:"host_id"`
	Attached         bool      `db:"attached" json:"attached"`
	Version          *string   `db:"version" json:"version,omitempty"`
	Expires          *string   `db:"expires" json:"expires,omitempty"`
	AccountName      *string   `db:"account_name" json:"account_name,omitempty"`
	ContractName     *string   `db:"contract_name" json:"contract_name,omitempty"`
	TechSupportLevel *string   `db:"tech_support_level" json:"tech_support_level,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// UbuntuProService is one service's entitlement under a Pro attachment.
type UbuntuProService struct {
	ID              string  `db:"id" json:"id"`
	UbuntuProInfoID string  `db:"ubuntu_pro_info_id" json:"ubuntu_pro_info_id"`
	Name            string  `db:"name" json:"name"`
	Status          *string `db:"status" json:"status,omitempty"`
	Entitled        bool    `db:"entitled" json:"entitled"`
	Description     *string `db:"description" json:"description,omitempty"`
}
