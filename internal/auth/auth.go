// Package auth implements operator authentication for the management API:
// bcrypt password accounts, HS256 bearer tokens, long-lived API tokens,
// an optional TOTP second factor and optional OIDC single sign-on.
// Operator records live in the bbolt server store; this package only
// defines the types and the logic around them.
package auth

import (
	"errors"
	"time"
)

// Role names a capability grant on an operator account.
type Role string

const (
	// RoleAdmin grants everything, including operator management.
	RoleAdmin Role = "admin"
	// RoleOperator grants day-to-day fleet actions: approvals, commands,
	// package installs, reboots.
	RoleOperator Role = "operator"
	// RoleViewer grants read-only access.
	RoleViewer Role = "viewer"
	// RoleApplyOSUpgrade additionally gates fleet-wide OS upgrades; it is
	// never implied by RoleOperator and must be granted explicitly.
	RoleApplyOSUpgrade Role = "APPLY_HOST_OS_UPGRADE"
)

// Sentinel errors surfaced to the login and middleware paths.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrTOTPRequired       = errors.New("totp code required")
	ErrInvalidTOTP        = errors.New("invalid totp code")
	ErrOperatorsExist     = errors.New("operators already exist")
	ErrOperatorNotFound   = errors.New("operator not found")
	ErrUsernameTaken      = errors.New("username already taken")
	ErrTokenNotFound      = errors.New("api token not found")
)

// Operator is a human (or automation) account on the management API.
type Operator struct {
	ID           string `json:"id"`
	Username     string `json:"username"`
	Email        string `json:"email,omitempty"`
	PasswordHash string `json:"password_hash"`
	Roles        []Role `json:"roles"`

	// TOTP second factor. Secret is set at enrollment; Enabled flips once
	// the operator has confirmed a valid code.
	TOTPSecret  string `json:"totp_secret,omitempty"`
	TOTPEnabled bool   `json:"totp_enabled"`

	// OIDCSubject links the account to an external identity provider
	// subject; accounts created through OIDC have no usable password.
	OIDCSubject string `json:"oidc_subject,omitempty"`

	// Brute-force lockout bookkeeping.
	FailedLogins int        `json:"failed_logins"`
	LockedUntil  *time.Time `json:"locked_until,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// HasRole reports whether the operator holds the role. Admin implies all
// roles except RoleApplyOSUpgrade, which is always an explicit grant.
func (o *Operator) HasRole(role Role) bool {
	for _, r := range o.Roles {
		if r == role {
			return true
		}
	}
	if role == RoleApplyOSUpgrade {
		return false
	}
	for _, r := range o.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// APIToken is a long-lived bearer credential for automation. Only the
// SHA-256 hash of the token is stored.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	TokenHash  string     `json:"token_hash"`
	OperatorID string     `json:"operator_id"`
	Roles      []Role     `json:"roles"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the token is past its expiry.
func (t *APIToken) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// RequestContext is attached to authenticated requests by the middleware.
type RequestContext struct {
	OperatorID string
	Username   string
	Roles      []Role
	// ViaAPIToken is true when the request authenticated with a stored API
	// token rather than a login-issued bearer token.
	ViaAPIToken bool
}

// HasRole mirrors Operator.HasRole for the authenticated principal.
func (rc *RequestContext) HasRole(role Role) bool {
	op := Operator{Roles: rc.Roles}
	return op.HasRole(role)
}
