package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

// Execution log outcome values.
const (
	execCompleted = "completed"
	execFailed    = "failed"
)

// handleCommandResult acknowledges the outbound command row (by execution_id
// correlation or message_id echo) and records script output to the execution
// log.
func (r *Router) handleCommandResult(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.CommandResultData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding command_result: %w", err)
	}

	if err := r.acknowledgeCommand(ctx, data.ExecutionID, data.MessageID); err != nil {
		return err
	}

	if data.ExecutionID != "" || data.Stdout != "" || data.Stderr != "" {
		status := execCompleted
		if !data.Success {
			status = execFailed
		}
		now := r.clk.Now().UTC()
		entry := &db.UpdateExecutionLog{
			HostID:      host.ID,
			Status:      status,
			ExitCode:    data.ExitCode,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if data.ExecutionID != "" {
			entry.ExecutionID = &data.ExecutionID
		}
		if data.CommandType != "" {
			entry.CommandType = &data.CommandType
		}
		if data.Stdout != "" {
			entry.Stdout = &data.Stdout
		}
		if data.Stderr != "" {
			entry.Stderr = &data.Stderr
		}
		if data.Error != "" {
			entry.ErrorMessage = &data.Error
		}
		if err := r.db.InsertExecutionLog(ctx, entry); err != nil {
			return err
		}
	}

	if !data.Success {
		r.bus.Publish(events.Event{
			Type: events.EventCommandFailed, HostID: host.ID, FQDN: host.FQDN,
			Message: fmt.Sprintf("command %s failed: %s", data.CommandType, data.Error),
		})
	}
	return nil
}

// acknowledgeCommand completes the sent outbound row a result refers to.
// A missing correlation is not an error: agents may report results for
// commands already swept by the retry logic.
func (r *Router) acknowledgeCommand(ctx context.Context, executionID, messageID string) error {
	ackID := messageID
	if ackID == "" && executionID != "" {
		msg, err := r.db.FindExecutionMessage(ctx, executionID)
		if err != nil {
			return err
		}
		if msg != nil {
			ackID = msg.MessageID
		}
	}
	if ackID == "" {
		return nil
	}
	ok, err := r.queue.MarkAcknowledged(ctx, ackID)
	if err != nil {
		return err
	}
	if !ok {
		r.log.Debug("acknowledgment for unexpected row state", "message_id", ackID)
	}
	return nil
}

// handleUpdateApplyResult walks the per-package outcomes of an apply_updates
// command: applied updates leave the pending-update table, failures stay
// marked, and any reboot requirement flags the host.
func (r *Router) handleUpdateApplyResult(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.UpdateApplyResultData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding update_apply_result: %w", err)
	}

	if err := r.acknowledgeCommand(ctx, data.ExecutionID, data.MessageID); err != nil {
		return err
	}

	now := r.clk.Now().UTC()
	needsReboot := data.RequiresReboot
	for _, pkg := range data.Packages {
		if pkg.PackageName == "" {
			continue
		}
		entry := &db.UpdateExecutionLog{
			HostID:      host.ID,
			PackageName: &pkg.PackageName,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if pkg.PackageManager != "" {
			entry.PackageManager = &pkg.PackageManager
		}
		if data.ExecutionID != "" {
			entry.ExecutionID = &data.ExecutionID
		}
		if pkg.Success {
			entry.Status = execCompleted
			if pkg.NewVersion != "" {
				entry.ToVersion = &pkg.NewVersion
			}
			if err := r.db.DeletePackageUpdate(ctx, host.ID, pkg.PackageName); err != nil {
				return err
			}
		} else {
			entry.Status = execFailed
			if pkg.Error != "" {
				entry.ErrorMessage = &pkg.Error
			}
			if err := r.db.MarkPackageUpdateFailed(ctx, host.ID, pkg.PackageName); err != nil {
				return err
			}
		}
		if err := r.db.InsertExecutionLog(ctx, entry); err != nil {
			return err
		}
		if pkg.RequiresReboot {
			needsReboot = true
		}
	}

	if needsReboot {
		if err := r.db.SetRebootRequired(ctx, host.ID, "package updates require system restart"); err != nil {
			return err
		}
	}
	if !data.Success && data.Error != "" {
		r.bus.Publish(events.Event{
			Type: events.EventCommandFailed, HostID: host.ID, FQDN: host.FQDN,
			Message: fmt.Sprintf("update apply failed: %s", data.Error),
		})
	}
	return nil
}

// handleVirtualizationSupport stores the reported hypervisor/container
// capability JSON and flags the host when enabling them needs a restart.
func (r *Router) handleVirtualizationSupport(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.VirtualizationSupportData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding virtualization_support_update: %w", err)
	}

	var typesJSON, capsJSON *string
	if data.Types != nil {
		b, err := json.Marshal(data.Types)
		if err != nil {
			return err
		}
		s := string(b)
		typesJSON = &s
	}
	if data.Capabilities != nil {
		b, err := json.Marshal(data.Capabilities)
		if err != nil {
			return err
		}
		s := string(b)
		capsJSON = &s
	}
	if err := r.db.SetVirtualization(ctx, host.ID, typesJSON, capsJSON); err != nil {
		return err
	}

	if data.RequiresReboot {
		reason := data.RebootReason
		if reason == "" {
			reason = "virtualization feature enablement requires restart"
		}
		return r.db.SetRebootRequired(ctx, host.ID, reason)
	}
	return nil
}

// handleFeatureInitResult finishes a WSL/LXD/VMM enablement command. On
// success a capability re-check is queued so the stored virtualization JSON
// reflects the new feature.
func (r *Router) handleFeatureInitResult(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.FeatureInitResultData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding %s: %w", env.Type, err)
	}

	if data.RequiresReboot {
		reason := featureRebootReason(env.Type)
		if err := r.db.SetRebootRequired(ctx, host.ID, reason); err != nil {
			return err
		}
	}
	if !data.Success {
		r.bus.Publish(events.Event{
			Type: events.EventCommandFailed, HostID: host.ID, FQDN: host.FQDN,
			Message: fmt.Sprintf("%s failed: %s", env.Type, data.Error),
		})
		return nil
	}

	_, err = r.queue.Enqueue(ctx, queue.EnqueueParams{
		Type:      protocol.TypeCommand,
		Data:      protocol.CommandData{CommandType: protocol.CmdCheckVirtualization},
		Direction: db.DirectionOutbound,
		HostID:    &host.ID,
		Priority:  db.PriorityNormal,
	})
	if err != nil {
		return fmt.Errorf("queueing capability re-check: %w", err)
	}
	return nil
}

func featureRebootReason(msgType string) string {
	switch msgType {
	case protocol.TypeWSLEnableResult:
		return "WSL enablement requires restart"
	case protocol.TypeLXDInitializeResult:
		return "LXD initialization requires restart"
	case protocol.TypeVMMInitializeResult:
		return "VMM initialization requires restart"
	default:
		return "feature enablement requires restart"
	}
}

// handlePackageInstallStatus advances one tracked installation request.
func (r *Router) handlePackageInstallStatus(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	if _, err := r.boundHost(ctx, sess); err != nil {
		return err
	}
	var data protocol.PackageInstallStatusData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding package_installation_status: %w", err)
	}
	if data.InstallationID == "" {
		return errors.New("package_installation_status missing installation_id")
	}
	if data.Status == "" {
		return errors.New("package_installation_status missing status")
	}
	return r.db.UpdateInstallationStatus(ctx, data.InstallationID, data.Status, data.Version, data.Error)
}

// handleDiagnosticResult closes out a diagnostics request.
func (r *Router) handleDiagnosticResult(ctx context.Context, sess *agents.Session, env *protocol.Envelope) error {
	host, err := r.boundHost(ctx, sess)
	if err != nil {
		return err
	}
	var data protocol.DiagnosticResultData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return fmt.Errorf("decoding diagnostic_result: %w", err)
	}
	status := data.Status
	if status == "" {
		status = "completed"
	}
	return r.db.SetDiagnosticsStatus(ctx, host.ID, status)
}
