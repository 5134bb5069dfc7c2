// Package protocol defines the JSON envelope and payload types exchanged
// with agents over the WebSocket transport.
package protocol

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Message types carried in Envelope.Type. Outbound commands all travel as
// TypeCommand with the concrete command in CommandData.CommandType.
const (
	TypeCommand             = "command"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypeRegistrationSuccess = "registration_success"
	TypeRegistrationPending = "registration_pending"

	TypeSystemInfo            = "system_info"
	TypeHeartbeat             = "heartbeat"
	TypeCommandResult         = "command_result"
	TypeConfigAck             = "config_ack"
	TypeDiagnosticResult      = "diagnostic_result"
	TypeVirtualizationSupport = "virtualization_support_update"
	TypeWSLEnableResult       = "wsl_enable_result"
	TypeLXDInitializeResult   = "lxd_initialize_result"
	TypeVMMInitializeResult   = "vmm_initialize_result"
	TypeUpdateApplyResult     = "update_apply_result"
	TypePackageInstallStatus  = "package_installation_status"
	TypeChildHostStarted      = "child_host_started"
	TypeChildHostStopped      = "child_host_stopped"
	TypeChildHostError        = "child_host_error"
	TypeHardwareUpdate        = "hardware_update"
	TypeUserAccessUpdate      = "user_access_update"
	TypeSoftwareUpdate        = "software_update"
	TypePackageUpdates        = "package_updates_update"
	TypeUbuntuProUpdate       = "ubuntu_pro_update"
)

// Command types carried in CommandData.CommandType for TypeCommand envelopes.
const (
	CmdUpdateHardware      = "update_hardware"
	CmdUpdateUserAccess    = "update_user_access"
	CmdCheckVirtualization = "check_virtualization_support"
	CmdApplyUpdates        = "apply_updates"
	CmdRebootSystem        = "reboot_system"
	CmdStartChildHost      = "start_child_host"
	CmdStopChildHost       = "stop_child_host"
	CmdCreateChildHost     = "create_child_host"
	CmdInstallPackages     = "install_packages"
	CmdExecuteScript       = "execute_script"
	CmdEnableWSL           = "enable_wsl"
	CmdInitializeLXD       = "initialize_lxd"
	CmdInitializeVMM       = "initialize_vmm"
)

// ErrMissingType is returned by ParseEnvelope when message_type is absent.
var ErrMissingType = errors.New("envelope missing message_type")

// Envelope is the wire frame exchanged in both directions. Data is decoded
// by the handler that owns the message type.
type Envelope struct {
	Type          string          `json:"message_type"`
	MessageID     string          `json:"message_id,omitempty"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
}

// ParseEnvelope decodes raw into an Envelope, requiring message_type.
func ParseEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, ErrMissingType
	}
	return &env, nil
}

// NewEnvelope builds an outbound envelope with a fresh message_id and the
// payload marshalled into Data. Marshal failures are returned, not dropped.
func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		MessageID: uuid.NewString(),
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, nil
}

// Ack builds the acknowledgment envelope echoing the inbound message_id.
func Ack(echoID string) *Envelope {
	return &Envelope{
		Type:      TypeAck,
		MessageID: echoID,
		Data:      json.RawMessage(`{"status":"received"}`),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrorReply builds an error envelope carrying a human-readable message.
func ErrorReply(echoID, msg string) *Envelope {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return &Envelope{
		Type:      TypeError,
		MessageID: echoID,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
