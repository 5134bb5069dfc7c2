package protocol

import "encoding/json"

// CommandData is the payload of every TypeCommand envelope. ExecutionID and
// ScriptContent are set for script executions and drive queue deduplication;
// Parameters carries command-specific arguments.
type CommandData struct {
	CommandType   string          `json:"command_type"`
	Parameters    json.RawMessage `json:"parameters,omitempty"`
	ExecutionID   string          `json:"execution_id,omitempty"`
	ScriptContent string          `json:"script_content,omitempty"`
	Shell         string          `json:"shell,omitempty"`
	TimeoutSecs   int             `json:"timeout_seconds,omitempty"`
}

// SystemInfoData is the registration payload sent by an agent on connect.
type SystemInfoData struct {
	Hostname        string `json:"hostname"`
	FQDN            string `json:"fqdn"`
	IPv4            string `json:"ipv4,omitempty"`
	IPv6            string `json:"ipv6,omitempty"`
	Platform        string `json:"platform,omitempty"`
	PlatformRelease string `json:"platform_release,omitempty"`
}

// HeartbeatData carries optional capability flags; nil pointers leave the
// stored host columns untouched.
type HeartbeatData struct {
	IsPrivileged           *bool    `json:"is_privileged,omitempty"`
	ScriptExecutionEnabled *bool    `json:"script_execution_enabled,omitempty"`
	EnabledShells          []string `json:"enabled_shells,omitempty"`
}

// CommandResultData reports the outcome of an executed command. ExecutionID
// (or MessageID echo at the envelope level) correlates back to the outbound
// queue row.
type CommandResultData struct {
	ExecutionID string `json:"execution_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	CommandType string `json:"command_type,omitempty"`
	Success     bool   `json:"success"`
	ExitCode    *int   `json:"exit_code,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Error       string `json:"error,omitempty"`
}

// PackageApplyOutcome is one package's result within an update_apply_result.
type PackageApplyOutcome struct {
	PackageName    string `json:"package_name"`
	PackageManager string `json:"package_manager,omitempty"`
	Success        bool   `json:"success"`
	NewVersion     string `json:"new_version,omitempty"`
	Error          string `json:"error,omitempty"`
	RequiresReboot bool   `json:"requires_reboot,omitempty"`
}

// UpdateApplyResultData reports per-package outcomes of an apply_updates
// command.
type UpdateApplyResultData struct {
	ExecutionID    string                `json:"execution_id,omitempty"`
	MessageID      string                `json:"message_id,omitempty"`
	Success        bool                  `json:"success"`
	Error          string                `json:"error,omitempty"`
	RequiresReboot bool                  `json:"requires_reboot,omitempty"`
	Packages       []PackageApplyOutcome `json:"updated_packages"`
}

// StorageDeviceData is one storage device in a hardware report.
type StorageDeviceData struct {
	Name           string `json:"name"`
	MountPoint     string `json:"mount_point,omitempty"`
	Filesystem     string `json:"filesystem,omitempty"`
	CapacityBytes  int64  `json:"capacity_bytes,omitempty"`
	UsedBytes      int64  `json:"used_bytes,omitempty"`
	AvailableBytes int64  `json:"available_bytes,omitempty"`
	IsPhysical     bool   `json:"is_physical,omitempty"`
	Error          string `json:"error,omitempty"`
}

// NetworkInterfaceData is one interface in a hardware report.
type NetworkInterfaceData struct {
	Name      string `json:"name"`
	Type      string `json:"interface_type,omitempty"`
	MAC       string `json:"mac_address,omitempty"`
	IPv4      string `json:"ipv4,omitempty"`
	IPv6      string `json:"ipv6,omitempty"`
	SpeedMbps int64  `json:"speed_mbps,omitempty"`
	Active    bool   `json:"is_active,omitempty"`
	Error     string `json:"error,omitempty"`
}

// HardwareUpdateData replaces the host's hardware inventory.
type HardwareUpdateData struct {
	CPUVendor         string                 `json:"cpu_vendor,omitempty"`
	CPUModel          string                 `json:"cpu_model,omitempty"`
	CPUCores          int                    `json:"cpu_cores,omitempty"`
	MemoryTotalMB     int64                  `json:"memory_total_mb,omitempty"`
	StorageDevices    []StorageDeviceData    `json:"storage_devices,omitempty"`
	NetworkInterfaces []NetworkInterfaceData `json:"network_interfaces,omitempty"`
	// Legacy agents send opaque blobs instead of normalized lists.
	StorageDetails string `json:"storage_details,omitempty"`
	NetworkDetails string `json:"network_details,omitempty"`
}

// UserAccountData is one local account in a user access report.
type UserAccountData struct {
	Username string   `json:"username"`
	UID      *int64   `json:"uid,omitempty"`
	HomeDir  string   `json:"home_directory,omitempty"`
	Shell    string   `json:"shell,omitempty"`
	IsSystem bool     `json:"is_system_user,omitempty"`
	Groups   []string `json:"groups,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// UserGroupData is one local group in a user access report.
type UserGroupData struct {
	GroupName string `json:"group_name"`
	GID       *int64 `json:"gid,omitempty"`
	IsSystem  bool   `json:"is_system_group,omitempty"`
	Error     string `json:"error,omitempty"`
}

// UserAccessUpdateData replaces the host's account inventory.
type UserAccessUpdateData struct {
	Users  []UserAccountData `json:"users,omitempty"`
	Groups []UserGroupData   `json:"groups,omitempty"`
	// Legacy blob fallback.
	AccessDetails string `json:"access_details,omitempty"`
}

// SoftwarePackageData is one installed package in a software report.
type SoftwarePackageData struct {
	Name     string `json:"package_name"`
	Version  string `json:"version,omitempty"`
	Manager  string `json:"package_manager,omitempty"`
	BundleID string `json:"bundle_id,omitempty"`
	Error    string `json:"error,omitempty"`
}

// SoftwareUpdateData replaces the host's installed package inventory.
type SoftwareUpdateData struct {
	Packages []SoftwarePackageData `json:"software_packages,omitempty"`
	// Legacy blob fallback.
	SoftwareDetails string `json:"software_details,omitempty"`
}

// PackageUpdateData is one available update in a package_updates_update.
type PackageUpdateData struct {
	Name             string `json:"package_name"`
	CurrentVersion   string `json:"current_version,omitempty"`
	AvailableVersion string `json:"available_version,omitempty"`
	Manager          string `json:"package_manager,omitempty"`
	IsSecurityUpdate bool   `json:"is_security_update,omitempty"`
	IsSystemUpdate   bool   `json:"is_system_update,omitempty"`
	SizeBytes        int64  `json:"update_size_bytes,omitempty"`
	Error            string `json:"error,omitempty"`
}

// PackageUpdatesData replaces the host's available update list.
type PackageUpdatesData struct {
	AvailableUpdates []PackageUpdateData `json:"available_updates,omitempty"`
}

// VirtualizationSupportData reports hypervisor/container capabilities.
type VirtualizationSupportData struct {
	Types          []string          `json:"virtualization_types,omitempty"`
	Capabilities   map[string]string `json:"capabilities,omitempty"`
	RequiresReboot bool              `json:"requires_reboot,omitempty"`
	RebootReason   string            `json:"reboot_reason,omitempty"`
}

// FeatureInitResultData is shared by wsl_enable_result,
// lxd_initialize_result and vmm_initialize_result.
type FeatureInitResultData struct {
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	RequiresReboot bool   `json:"requires_reboot,omitempty"`
}

// ChildHostStatusData reports a child workload lifecycle change.
type ChildHostStatusData struct {
	ChildName    string `json:"child_name"`
	ChildType    string `json:"child_type,omitempty"`
	Status       string `json:"status,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PackageInstallStatusData updates a software installation log entry.
type PackageInstallStatusData struct {
	InstallationID string `json:"installation_id"`
	PackageName    string `json:"package_name,omitempty"`
	Status         string `json:"status"`
	Version        string `json:"installed_version,omitempty"`
	Error          string `json:"error,omitempty"`
}

// DiagnosticResultData completes a diagnostics request.
type DiagnosticResultData struct {
	Status string          `json:"status"`
	Report json.RawMessage `json:"report,omitempty"`
}

// UbuntuProServiceData is one Pro service status.
type UbuntuProServiceData struct {
	Name        string `json:"name"`
	Status      string `json:"status,omitempty"`
	Entitled    bool   `json:"entitled,omitempty"`
	Description string `json:"description,omitempty"`
}

// UbuntuProUpdateData replaces the host's Ubuntu Pro attachment info.
type UbuntuProUpdateData struct {
	Attached         bool                   `json:"attached"`
	Version          string                 `json:"version,omitempty"`
	Expires          string                 `json:"expires,omitempty"`
	AccountName      string                 `json:"account_name,omitempty"`
	ContractName     string                 `json:"contract_name,omitempty"`
	TechSupportLevel string                 `json:"tech_support_level,omitempty"`
	Services         []UbuntuProServiceData `json:"services,omitempty"`
}
