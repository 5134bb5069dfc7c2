package web

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sysmanage/sysmanage-server/internal/auth"
)

const oidcStateCookie = "sysmanage_oidc_state"

type loginRequest struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
	TOTPCode string `json:"totp_code,omitempty"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	Username  string      `json:"username"`
	Roles     []auth.Role `json:"roles"`
}

func (s *Server) apiLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	token, expires, op, err := s.deps.Auth.Login(r.Context(), req.Username, req.Password, req.TOTPCode)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTOTPRequired):
			writeError(w, http.StatusUnauthorized, "totp code required")
		case errors.Is(err, auth.ErrAccountLocked):
			writeError(w, http.StatusForbidden, "account temporarily locked")
		case errors.Is(err, auth.ErrInvalidCredentials), errors.Is(err, auth.ErrInvalidTOTP):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			s.deps.Log.Error("login", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: token, ExpiresAt: expires, Username: op.Username, Roles: op.Roles,
	})
}

// apiRefresh trades a valid bearer token for a fresh one carrying the
// operator's current roles.
func (s *Server) apiRefresh(w http.ResponseWriter, r *http.Request) {
	bearer := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if bearer == "" {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	token, expires, err := s.deps.Auth.Refresh(r.Context(), bearer)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "expires_at": expires})
}

func (s *Server) apiMe(w http.ResponseWriter, r *http.Request) {
	rc, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operator_id":   rc.OperatorID,
		"username":      rc.Username,
		"roles":         rc.Roles,
		"via_api_token": rc.ViaAPIToken,
	})
}

func (s *Server) apiTOTPEnroll(w http.ResponseWriter, r *http.Request) {
	rc, ok := auth.FromContext(r.Context())
	if !ok || rc.ViaAPIToken {
		writeError(w, http.StatusForbidden, "interactive session required")
		return
	}
	secret, url, err := s.deps.Auth.EnrollTOTP(rc.OperatorID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enrollment failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"secret": secret, "provisioning_url": url})
}

type totpConfirmRequest struct {
	Code string `json:"code" validate:"required"`
}

func (s *Server) apiTOTPConfirm(w http.ResponseWriter, r *http.Request) {
	rc, ok := auth.FromContext(r.Context())
	if !ok || rc.ViaAPIToken {
		writeError(w, http.StatusForbidden, "interactive session required")
		return
	}
	var req totpConfirmRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	if err := s.deps.Auth.ConfirmTOTP(rc.OperatorID, req.Code); err != nil {
		writeError(w, http.StatusBadRequest, "totp code rejected")
		return
	}
	writeResult(w, "totp enabled")
}

type mintTokenRequest struct {
	Name      string      `json:"name" validate:"required"`
	Roles     []auth.Role `json:"roles" validate:"required,min=1"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
}

// apiMintToken issues an API token. The plaintext appears once in this
// response; only its hash is stored.
func (s *Server) apiMintToken(w http.ResponseWriter, r *http.Request) {
	rc, ok := auth.FromContext(r.Context())
	if !ok || rc.ViaAPIToken {
		writeError(w, http.StatusForbidden, "interactive session required")
		return
	}
	var req mintTokenRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	plain, token, err := s.deps.Auth.MintAPIToken(rc.OperatorID, req.Name, req.Roles, req.ExpiresAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token": plain, "id": token.ID, "name": token.Name, "roles": token.Roles,
	})
}

type createOperatorRequest struct {
	Username string      `json:"username" validate:"required,min=2"`
	Password string      `json:"password" validate:"required"`
	Roles    []auth.Role `json:"roles" validate:"required,min=1"`
}

func (s *Server) apiCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	op, err := s.deps.Auth.CreateOperator(req.Username, req.Password, req.Roles)
	if err != nil {
		if errors.Is(err, auth.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username already in use")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id": op.ID, "username": op.Username, "roles": op.Roles,
	})
}

// apiOIDCLogin starts the authorization-code flow: a random state goes
// into a short-lived cookie and the browser is bounced to the provider.
func (s *Server) apiOIDCLogin(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil {
		writeError(w, http.StatusNotFound, "oidc is not configured")
		return
	}
	state, err := auth.GenerateOIDCState()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     oidcStateCookie,
		Value:    state,
		Path:     "/api/auth/oidc",
		MaxAge:   300,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, s.deps.OIDC.AuthURL(state), http.StatusFound)
}

func (s *Server) apiOIDCCallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.OIDC == nil {
		writeError(w, http.StatusNotFound, "oidc is not configured")
		return
	}
	cookie, err := r.Cookie(oidcStateCookie)
	if err != nil || cookie.Value == "" || cookie.Value != r.URL.Query().Get("state") {
		writeError(w, http.StatusBadRequest, "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: oidcStateCookie, Path: "/api/auth/oidc", MaxAge: -1})

	identity, err := s.deps.OIDC.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		s.deps.Log.Warn("oidc exchange", "error", err)
		writeError(w, http.StatusUnauthorized, "oidc exchange failed")
		return
	}
	token, expires, op, err := s.deps.Auth.LoginWithOIDC(r.Context(), identity)
	if err != nil {
		s.deps.Log.Error("oidc login", "subject", identity.Subject, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{
		Token: token, ExpiresAt: expires, Username: op.Username, Roles: op.Roles,
	})
}
