package web

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/auth"
	"github.com/sysmanage/sysmanage-server/internal/db"
	"github.com/sysmanage/sysmanage-server/internal/protocol"
	"github.com/sysmanage/sysmanage-server/internal/queue"
)

type packageSpec struct {
	Name    string `json:"name" validate:"required"`
	Version string `json:"version,omitempty"`
}

type installRequest struct {
	Packages []packageSpec `json:"packages" validate:"required,min=1,dive"`
}

// installParameters is the command payload the agent receives; each
// package carries the installation_id its status reports key on.
type installParameters struct {
	Packages []installPackage `json:"packages"`
}

type installPackage struct {
	Name           string `json:"name"`
	Version        string `json:"version,omitempty"`
	InstallationID string `json:"installation_id"`
}

// apiInstallPackages records one installation log row per package and
// queues a single install_packages command carrying all of them.
func (s *Server) apiInstallPackages(w http.ResponseWriter, r *http.Request) {
	host := s.onlineHost(w, r, "id")
	if host == nil {
		return
	}
	var req installRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	ctx := r.Context()

	var requestedBy *string
	if rc, ok := auth.FromContext(ctx); ok {
		requestedBy = &rc.Username
	}

	params := installParameters{Packages: make([]installPackage, 0, len(req.Packages))}
	for _, p := range req.Packages {
		installationID := uuid.NewString()
		entry := &db.SoftwareInstallationLog{
			InstallationID: installationID,
			HostID:         host.ID,
			PackageName:    p.Name,
			Status:         db.InstallQueued,
			RequestedBy:    requestedBy,
		}
		if p.Version != "" {
			entry.RequestedVersion = &p.Version
		}
		if err := s.deps.DB.InsertInstallationLog(ctx, entry); err != nil {
			s.deps.Log.Error("recording installation", "host_id", host.ID, "package", p.Name, "error", err)
			writeError(w, http.StatusInternalServerError, "installation record failed")
			return
		}
		params.Packages = append(params.Packages, installPackage{
			Name:           p.Name,
			Version:        p.Version,
			InstallationID: installationID,
		})
	}

	raw, err := json.Marshal(params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if _, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
		Type:      protocol.TypeCommand,
		Data:      protocol.CommandData{CommandType: protocol.CmdInstallPackages, Parameters: raw},
		Direction: db.DirectionOutbound,
		HostID:    &host.ID,
		Priority:  db.PriorityHigh,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeResult(w, "package installation queued")
}

type osUpgradeRequest struct {
	HostIDs []string `json:"host_ids" validate:"required,min=1,dive,required"`
}

// apiExecuteOSUpgrades queues apply_updates on each requested host.
// Offline or unapproved hosts are skipped and reported, not fatal.
func (s *Server) apiExecuteOSUpgrades(w http.ResponseWriter, r *http.Request) {
	var req osUpgradeRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	ctx := r.Context()

	queued, skipped := 0, []string{}
	for _, hostID := range req.HostIDs {
		host, err := s.deps.DB.GetHost(ctx, hostID)
		if err != nil || !host.Approved() || !s.deps.Agents.IsConnected(host.ID) {
			skipped = append(skipped, hostID)
			continue
		}
		if _, err := s.deps.Queue.Enqueue(ctx, queue.EnqueueParams{
			Type:      protocol.TypeCommand,
			Data:      protocol.CommandData{CommandType: protocol.CmdApplyUpdates},
			Direction: db.DirectionOutbound,
			HostID:    &host.ID,
			Priority:  db.PriorityHigh,
		}); err != nil {
			skipped = append(skipped, hostID)
			continue
		}
		queued++
	}

	if queued == 0 {
		writeError(w, http.StatusServiceUnavailable, "no reachable hosts to upgrade")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"result":  true,
		"message": "os upgrades queued",
		"queued":  queued,
		"skipped": skipped,
	})
}
