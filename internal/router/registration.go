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
)

// registrationReply is the payload of registration_success and
// registration_pending envelopes.
type registrationReply struct {
	Approved bool   `json:"approved"`
	HostID   string `json:"host_id"`
	FQDN     string `json:"fqdn"`
}

// handleSystemInfo processes the registration payload an agent sends on
// connect. The host row is upserted by fqdn with approval_status preserved;
// new hosts start pending and wait for operator approval before the session
// is bound to the host.
func (r *Router) handleSystemInfo(ctx context.Context, sess *agents.Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	var data protocol.SystemInfoData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("decoding system_info: %w", err)
	}
	fqdn := data.FQDN
	if fqdn == "" {
		fqdn = data.Hostname
	}
	if fqdn == "" {
		return nil, errors.New("system_info missing fqdn")
	}

	host, created, err := r.db.UpsertHostByFQDN(ctx, db.RegisterParams{
		FQDN:            fqdn,
		IPv4:            data.IPv4,
		IPv6:            data.IPv6,
		Platform:        data.Platform,
		PlatformRelease: data.PlatformRelease,
		TouchLastAccess: !sess.Replay,
	})
	if err != nil {
		return nil, err
	}

	sess.BindIdentity(fqdn, data.IPv4, data.IPv6, data.Platform)

	if created {
		r.refreshHostGauge(ctx)
		r.bus.Publish(events.Event{
			Type: events.EventHostRegistered, HostID: host.ID, FQDN: fqdn,
			Message: "host registered, awaiting approval",
		})
		r.log.Info("new host registered", "host_id", host.ID, "fqdn", fqdn)
	}

	if !host.Approved() {
		// Keep the session reachable by fqdn so approval can notify it,
		// but do not bind the host until the operator approves.
		r.agents.RegisterAgent(sess.AgentID, "", fqdn)
		r.log.Info("registration pending approval",
			"host_id", host.ID, "fqdn", fqdn, "approval_status", host.ApprovalStatus)
		return protocol.NewEnvelope(protocol.TypeRegistrationPending, registrationReply{
			Approved: false, HostID: host.ID, FQDN: fqdn,
		})
	}

	r.agents.RegisterAgent(sess.AgentID, host.ID, fqdn)
	r.bus.Publish(events.Event{
		Type: events.EventHostUp, HostID: host.ID, FQDN: fqdn, Message: "agent connected",
	})

	// A parent coming back from an orchestrated reboot resumes the restart
	// phase here.
	if err := r.orch.HandleAgentReconnect(ctx, host.ID); err != nil {
		r.log.Error("resuming orchestration on reconnect", "host_id", host.ID, "error", err)
	}

	r.log.Info("agent registered", "host_id", host.ID, "fqdn", fqdn)
	return protocol.NewEnvelope(protocol.TypeRegistrationSuccess, registrationReply{
		Approved: true, HostID: host.ID, FQDN: fqdn,
	})
}

// handleHeartbeat refreshes host liveness. A stale binding (host row deleted
// since registration) is recreated from the session identity when possible,
// otherwise cleared. Heartbeats always come back acknowledged.
func (r *Router) handleHeartbeat(ctx context.Context, sess *agents.Session, env *protocol.Envelope) (*protocol.Envelope, error) {
	hostID := sess.HostID()
	if hostID != "" {
		if _, err := r.db.GetHost(ctx, hostID); errors.Is(err, db.ErrHostNotFound) {
			r.log.Warn("heartbeat for missing host, rebinding from session identity",
				"host_id", hostID, "agent_id", sess.AgentID)
			sess.BindHost("")
			hostID = ""
		} else if err != nil {
			return nil, err
		}
	}

	if hostID == "" {
		fqdn, ipv4, ipv6, platform := sess.Identity()
		if fqdn == "" {
			return nil, errors.New("heartbeat from unregistered session")
		}
		host, created, err := r.db.UpsertHostByFQDN(ctx, db.RegisterParams{
			FQDN: fqdn, IPv4: ipv4, IPv6: ipv6, Platform: platform,
			TouchLastAccess: !sess.Replay,
		})
		if err != nil {
			return nil, err
		}
		if created {
			r.refreshHostGauge(ctx)
		}
		if !host.Approved() {
			// Liveness recorded; the unapproved host stays unbound.
			return protocol.Ack(env.MessageID), nil
		}
		r.agents.RegisterAgent(sess.AgentID, host.ID, fqdn)
		hostID = host.ID
	} else if err := r.db.TouchHost(ctx, hostID, !sess.Replay); err != nil {
		return nil, err
	}

	if err := r.applyCapabilities(ctx, hostID, env.Data); err != nil {
		return nil, err
	}

	if err := r.orch.HandleAgentReconnect(ctx, hostID); err != nil {
		r.log.Error("resuming orchestration on heartbeat", "host_id", hostID, "error", err)
	}
	return protocol.Ack(env.MessageID), nil
}

// applyCapabilities overwrites the optional capability columns a heartbeat
// may carry. Absent fields leave the stored values untouched.
func (r *Router) applyCapabilities(ctx context.Context, hostID string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	var data protocol.HeartbeatData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decoding heartbeat: %w", err)
	}
	if data.IsPrivileged == nil && data.ScriptExecutionEnabled == nil && data.EnabledShells == nil {
		return nil
	}
	var shellsJSON *string
	if data.EnabledShells != nil {
		b, err := json.Marshal(data.EnabledShells)
		if err != nil {
			return fmt.Errorf("serializing enabled shells: %w", err)
		}
		s := string(b)
		shellsJSON = &s
	}
	return r.db.UpdateHostCapabilities(ctx, hostID, data.IsPrivileged, data.ScriptExecutionEnabled, shellsJSON)
}
