package web

import (
	"net/http"

	"github.com/sysmanage/sysmanage-server/internal/license"
)

func (s *Server) apiGetLicense(w http.ResponseWriter, r *http.Request) {
	lic := s.deps.License.Current()
	if lic == nil {
		writeJSON(w, http.StatusOK, map[string]any{"licensed": false, "tier": license.TierCommunity})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"licensed":     true,
		"id":           lic.ID,
		"tier":         lic.Tier,
		"customer":     lic.Customer,
		"organization": lic.Org,
		"issued_at":    lic.IssuedAt,
		"expires_at":   lic.ExpiresAt,
		"parent_hosts": lic.ParentHosts,
		"child_hosts":  lic.ChildHosts,
		"features":     lic.Features,
		"modules":      lic.Modules,
		"warning":      lic.Warning,
	})
}

type applyLicenseRequest struct {
	Token string `json:"token" validate:"required"`
}

// apiApplyLicense verifies and persists a new license token. A token
// that fails signature or expiry checks is rejected without touching
// the stored one.
func (s *Server) apiApplyLicense(w http.ResponseWriter, r *http.Request) {
	var req applyLicenseRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	lic, err := s.deps.License.Apply(req.Token)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "license rejected: "+err.Error())
		return
	}
	s.deps.Log.Info("license applied", "id", lic.ID, "tier", lic.Tier, "expires_at", lic.ExpiresAt)
	writeResult(w, "license applied: tier "+lic.Tier)
}
