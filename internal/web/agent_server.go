package web

import (
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/sysmanage/sysmanage-server/internal/agents"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; the client certificate is the trust anchor.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentConnect upgrades an agent connection to WebSocket and runs
// its read loop. A presented client certificate authenticates the agent
// up front; a connection without one starts unauthenticated and must
// register through system_info before any host binding happens.
func (s *Server) handleAgentConnect(w http.ResponseWriter, r *http.Request) {
	var certFQDN, certHostID string
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		fqdn, hostID, ok := s.deps.CA.ValidateClientCertDER(r.TLS.PeerCertificates[0])
		if !ok {
			writeError(w, http.StatusForbidden, "client certificate rejected")
			return
		}
		// A cryptographically valid certificate is not enough: the host
		// record must still be approved. Revocation clears approval, so a
		// revoked agent fails here even with its old certificate.
		host, err := s.deps.DB.GetHost(r.Context(), hostID)
		if err != nil || !host.Approved() {
			writeError(w, http.StatusForbidden, "host is not approved")
			return
		}
		certFQDN, certHostID = fqdn, hostID
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.deps.Log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := agents.NewSession(conn, s.deps.Log)
	s.deps.Agents.Add(sess)
	defer s.deps.Agents.Remove(r.Context(), sess.AgentID)

	if certHostID != "" {
		sess.BindIdentity(certFQDN, "", "", "")
		s.deps.Agents.RegisterAgent(sess.AgentID, certHostID, certFQDN)
	}
	s.deps.Log.Info("agent connected",
		"agent_id", sess.AgentID, "remote", r.RemoteAddr, "cert_fqdn", certFQDN)

	for {
		raw, err := sess.ReadMessage(s.deps.SessionIdleTimeout)
		if err != nil {
			s.deps.Log.Debug("agent read loop ended", "agent_id", sess.AgentID, "error", err)
			return
		}
		if err := s.deps.Router.HandleMessage(r.Context(), sess, raw); err != nil {
			s.deps.Log.Warn("message handling failed", "agent_id", sess.AgentID, "error", err)
		}
	}
}
