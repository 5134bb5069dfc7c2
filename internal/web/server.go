// Package web serves the operator REST API and the agent WebSocket
// endpoint on a single TLS listener backed by the built-in CA.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sysmanage/sysmanage-server/internal/agents"
	"github.com/sysmanage/sysmanage-server/internal/auth"
	"github.com/sysmanage/sysmanage-server/internal/ca"
	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/events"
	"github.com/sysmanage/sysmanage-server/internal/license"
	"github.com/sysmanage/sysmanage-server/internal/logging"
	"github.com/sysmanage/sysmanage-server/internal/orchestrator"
	"github.com/sysmanage/sysmanage-server/internal/queue"
	"github.com/sysmanage/sysmanage-server/internal/router"
)

// Dependencies is everything the HTTP layer needs from the rest of the
// server.
type Dependencies struct {
	DB      *db.DB
	Queue   *queue.Engine
	Agents  *agents.Manager
	Orch    *orchestrator.Orchestrator
	Router  *router.Router
	CA      *ca.Authority
	License *license.Manager
	Auth    *auth.Service
	OIDC    *auth.OIDCProvider // nil disables the OIDC endpoints
	Bus     *events.Bus
	Clock   clock.Clock
	Log     *logging.Logger

	ShutdownTimeout    time.Duration // default child drain timeout for reboots
	SessionIdleTimeout time.Duration // agent socket read deadline
}

// Server is the combined operator API and agent transport server.
type Server struct {
	deps     Dependencies
	mux      *http.ServeMux
	validate *validator.Validate
	server   *http.Server
}

// NewServer builds a server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:     deps,
		mux:      http.NewServeMux(),
		validate: validator.New(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	authed := func(h http.HandlerFunc) http.Handler {
		return s.deps.Auth.Middleware(h)
	}
	role := func(r auth.Role, h http.HandlerFunc) http.Handler {
		return s.deps.Auth.Middleware(auth.RequireRole(r, h))
	}

	// Public surface: health, metrics, agent bootstrap material, login.
	s.mux.HandleFunc("GET /healthz", s.apiHealthz)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /api/certificates/ca", s.apiCACert)
	s.mux.HandleFunc("GET /api/certificates/fingerprint", s.apiFingerprint)
	s.mux.HandleFunc("POST /api/auth/login", s.apiLogin)
	s.mux.HandleFunc("POST /api/auth/refresh", s.apiRefresh)
	s.mux.HandleFunc("GET /api/auth/oidc/login", s.apiOIDCLogin)
	s.mux.HandleFunc("GET /api/auth/oidc/callback", s.apiOIDCCallback)

	// Agent transport. Authorization is the client certificate, not a
	// bearer token.
	s.mux.HandleFunc("GET /api/agent/connect", s.handleAgentConnect)

	// Read-only operator surface.
	s.mux.Handle("GET /api/hosts", role(auth.RoleViewer, s.apiListHosts))
	s.mux.Handle("GET /api/hosts/{id}", role(auth.RoleViewer, s.apiGetHost))
	s.mux.Handle("GET /api/queue/stats", role(auth.RoleViewer, s.apiQueueStats))
	s.mux.Handle("GET /api/queue/failed", role(auth.RoleViewer, s.apiQueueFailed))
	s.mux.Handle("GET /api/license", role(auth.RoleViewer, s.apiGetLicense))
	s.mux.Handle("GET /api/events", role(auth.RoleViewer, s.apiSSE))
	s.mux.Handle("GET /api/auth/me", authed(s.apiMe))

	// Fleet actions.
	s.mux.Handle("POST /api/hosts/{id}/approve", role(auth.RoleOperator, s.apiApproveHost))
	s.mux.Handle("POST /api/hosts/{id}/reboot", role(auth.RoleOperator, s.apiRebootHost))
	s.mux.Handle("POST /api/hosts/{id}/request-hardware-update", role(auth.RoleOperator, s.apiRequestHardwareUpdate))
	s.mux.Handle("POST /api/packages/install/{id}", role(auth.RoleOperator, s.apiInstallPackages))
	s.mux.Handle("POST /api/certificates/revoke/{host_id}", role(auth.RoleOperator, s.apiRevokeCertificate))
	s.mux.Handle("POST /api/execute-os-upgrades", role(auth.RoleApplyOSUpgrade, s.apiExecuteOSUpgrades))
	s.mux.Handle("POST /api/license", role(auth.RoleOperator, s.apiApplyLicense))

	// Account self-service and administration.
	s.mux.Handle("POST /api/auth/totp/enroll", authed(s.apiTOTPEnroll))
	s.mux.Handle("POST /api/auth/totp/confirm", authed(s.apiTOTPConfirm))
	s.mux.Handle("POST /api/auth/tokens", authed(s.apiMintToken))
	s.mux.Handle("POST /api/auth/operators", role(auth.RoleAdmin, s.apiCreateOperator))
}

// Run serves until ctx is cancelled. TLS uses the CA-issued server
// certificate and requests (but does not require) client certificates so
// the agent endpoint can authenticate enrolled agents.
func (s *Server) Run(ctx context.Context, addr string) error {
	serverCert, err := s.deps.CA.ServerTLSCertificate()
	if err != nil {
		return err
	}
	s.server = &http.Server{
		Addr:    addr,
		Handler: s.mux,
		TLSConfig: &tls.Config{
			Certificates: []tls.Certificate{serverCert},
			ClientAuth:   tls.VerifyClientCertIfGiven,
			ClientCAs:    s.deps.CA.CACertPool(),
			MinVersion:   tls.VersionTLS12,
		},
		ReadHeaderTimeout: 10 * time.Second,
		// SSE and agent sockets are long-lived; no write timeout.
		IdleTimeout: 120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Log.Info("server listening", "addr", addr)
		errCh <- s.server.ListenAndServeTLS("", "")
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) apiHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// decodeValid decodes a JSON body into dst and runs validator tags.
// Returns false after writing the error response.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation failed: "+err.Error())
		return false
	}
	return true
}

// hostOr404 loads the {id} path host or answers 404.
func (s *Server) hostOr404(w http.ResponseWriter, r *http.Request, pathKey string) *db.Host {
	host, err := s.deps.DB.GetHost(r.Context(), r.PathValue(pathKey))
	if err != nil {
		if errors.Is(err, db.ErrHostNotFound) {
			writeError(w, http.StatusNotFound, "host not found")
		} else {
			s.deps.Log.Error("loading host", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	return host
}

// approvedHost additionally requires approval (400 otherwise).
func (s *Server) approvedHost(w http.ResponseWriter, r *http.Request, pathKey string) *db.Host {
	host := s.hostOr404(w, r, pathKey)
	if host == nil {
		return nil
	}
	if !host.Approved() {
		writeError(w, http.StatusBadRequest, "host is not approved")
		return nil
	}
	return host
}

// onlineHost requires approval and a live agent session (503 otherwise).
func (s *Server) onlineHost(w http.ResponseWriter, r *http.Request, pathKey string) *db.Host {
	host := s.approvedHost(w, r, pathKey)
	if host == nil {
		return nil
	}
	if !s.deps.Agents.IsConnected(host.ID) {
		writeError(w, http.StatusServiceUnavailable, "agent is not connected")
		return nil
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeResult is the uniform success reply.
func writeResult(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, map[string]any{"result": true, "message": msg})
}

// writeError is the uniform failure reply.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"result": false, "message": msg})
}
