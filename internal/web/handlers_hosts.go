package web

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/metrics"
	"github.com/sysmanage/sysmanage-server/internal/orchestrator"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

type hostSummary struct {
	db.Host
	Connected bool `json:"connected"`
}

func (s *Server) apiListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.deps.DB.ListHosts(r.Context())
	if err != nil {
		s.deps.Log.Error("listing hosts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	out := make([]hostSummary, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, hostSummary{Host: h, Connected: s.deps.Agents.IsConnected(h.ID)})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) apiGetHost(w http.ResponseWriter, r *http.Request) {
	host := s.hostOr404(w, r, "id")
	if host == nil {
		return
	}
	children, err := s.deps.DB.GetChildrenByParent(r.Context(), host.ID)
	if err != nil {
		s.deps.Log.Error("listing children", "host_id", host.ID, "error", err)
	}
	orchs, err := s.deps.DB.ListOrchestrationsByParent(r.Context(), host.ID)
	if err != nil {
		s.deps.Log.Error("listing orchestrations", "host_id", host.ID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"host":           hostSummary{Host: *host, Connected: s.deps.Agents.IsConnected(host.ID)},
		"children":       children,
		"orchestrations": orchs,
	})
}

// approvalNotice is pushed to a waiting session the moment its host is
// approved, carrying the freshly minted client credentials.
type approvalNotice struct {
	Approved    bool   `json:"approved"`
	HostID      string `json:"host_id"`
	FQDN        string `json:"fqdn"`
	Certificate string `json:"certificate,omitempty"`
	PrivateKey  string `json:"private_key,omitempty"`
	CACert      string `json:"ca_certificate,omitempty"`
}

// apiApproveHost flips a pending host to approved, mints its client
// certificate, and nudges the waiting agent session if one is connected.
func (s *Server) apiApproveHost(w http.ResponseWriter, r *http.Request) {
	host := s.hostOr404(w, r, "id")
	if host == nil {
		return
	}
	if host.Approved() {
		writeResult(w, "host already approved")
		return
	}
	ctx := r.Context()

	certPEM, keyPEM, serial, err := s.deps.CA.MintClientCert(host.FQDN, host.ID)
	if err != nil {
		s.deps.Log.Error("minting client certificate", "host_id", host.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "certificate issuance failed")
		return
	}
	if err := s.deps.DB.SetHostApproval(ctx, host.ID, db.ApprovalApproved); err != nil {
		writeError(w, http.StatusInternalServerError, "approval update failed")
		return
	}
	if err := s.deps.DB.SetHostCertificate(ctx, host.ID, string(certPEM), serial); err != nil {
		writeError(w, http.StatusInternalServerError, "certificate record failed")
		return
	}
	metrics.CertificatesIssued.WithLabelValues("client").Inc()
	s.deps.Bus.Publish(events.Event{
		Type: events.EventHostApproved, HostID: host.ID, FQDN: host.FQDN,
		Message: "host approved",
	})

	// A session may be sitting in registration_pending; promote it now
	// rather than waiting for its next heartbeat.
	if sess := s.deps.Agents.SessionByFQDN(host.FQDN); sess != nil {
		s.deps.Agents.RegisterAgent(sess.AgentID, host.ID, host.FQDN)
		env, err := protocol.NewEnvelope(protocol.TypeRegistrationSuccess, approvalNotice{
			Approved:    true,
			HostID:      host.ID,
			FQDN:        host.FQDN,
			Certificate: string(certPEM),
			PrivateKey:  string(keyPEM),
			CACert:      string(s.deps.CA.CACertPEM()),
		})
		if err == nil {
			if serr := sess.Send(env); serr != nil {
				s.deps.Log.Warn("notifying approved session", "host_id", host.ID, "error", serr)
			}
		}
	}

	s.deps.Log.Info("host approved", "host_id", host.ID, "fqdn", host.FQDN, "serial", serial)
	writeResult(w, "host approved")
}

// apiRebootHost reboots a host: with running children it starts the
// drain/reboot/restart orchestration, otherwise it sends a plain reboot.
func (s *Server) apiRebootHost(w http.ResponseWriter, r *http.Request) {
	host := s.onlineHost(w, r, "id")
	if host == nil {
		return
	}
	ctx := r.Context()

	children, err := s.deps.DB.GetRunningChildren(ctx, host.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	if len(children) > 0 {
		orch, err := s.deps.Orch.Initiate(ctx, host.ID, s.deps.ShutdownTimeout)
		if errors.Is(err, orchestrator.ErrAlreadyActive) {
			writeError(w, http.StatusConflict, "a reboot orchestration is already running for this host")
			return
		}
		if err != nil {
			s.deps.Log.Error("initiating orchestration", "host_id", host.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "orchestration failed to start")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"result":           true,
			"message":          fmt.Sprintf("reboot orchestration started, draining %d children", len(children)),
			"orchestration_id": orch.ID,
		})
		return
	}

	if _, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
		Type:      protocol.TypeCommand,
		Data:      protocol.CommandData{CommandType: protocol.CmdRebootSystem},
		Direction: db.DirectionOutbound,
		HostID:    &host.ID,
		Priority:  db.PriorityUrgent,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeResult(w, "reboot command queued")
}

func (s *Server) apiRequestHardwareUpdate(w http.ResponseWriter, r *http.Request) {
	host := s.onlineHost(w, r, "id")
	if host == nil {
		return
	}
	if _, err := s.deps.Queue.Enqueue(r.Context(), queue.EnqueueParams{
		Type:      protocol.TypeCommand,
		Data:      protocol.CommandData{CommandType: protocol.CmdUpdateHardware},
		Direction: db.DirectionOutbound,
		HostID:    &host.ID,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeResult(w, "hardware refresh requested")
}

// apiRevokeCertificate clears the host's credentials and marks it
// revoked. A live session is closed; the cert no longer authorizes it.
func (s *Server) apiRevokeCertificate(w http.ResponseWriter, r *http.Request) {
	host := s.hostOr404(w, r, "host_id")
	if host == nil {
		return
	}
	if err := s.deps.DB.RevokeHostCertificate(r.Context(), host.ID); err != nil {
		writeError(w, http.StatusInternalServerError, "revocation failed")
		return
	}
	if sess := s.deps.Agents.SessionByHost(host.ID); sess != nil {
		sess.Close()
	}
	s.deps.Log.Info("host certificate revoked", "host_id", host.ID, "fqdn", host.FQDN)
	writeResult(w, "certificate revoked")
}
