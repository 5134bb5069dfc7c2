package license

import (
	_ "embed"
	"sync"

	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// VendorPublicKey is the bundled EC public key tokens are verified against.
//
//go:embed pubkey.pem
var VendorPublicKey []byte

// Storage persists the applied license token across restarts. The bbolt
// server store satisfies it.
type Storage interface {
	SaveLicenseToken(token string) error
	LicenseToken() (string, error)
}

// Manager holds the currently applied license and keeps it persisted.
type Manager struct {
	validator *Validator
	storage   Storage
	log       *logging.Logger

	mu      sync.RWMutex
	current *License
}

// NewManager loads any stored token and validates it. A stored token that
// no longer validates is logged and discarded, not fatal: the server runs
// unlicensed (community tier predicates all false).
func NewManager(v *Validator, storage Storage, log *logging.Logger) *Manager {
	m := &Manager{validator: v, storage: storage, log: log.With("component", "license")}
	token, err := storage.LicenseToken()
	if err != nil {
		m.log.Error("reading stored license", "error", err)
		return m
	}
	if token == "" {
		return m
	}
	lic, err := v.Validate(token)
	if err != nil {
		m.log.Warn("stored license no longer valid", "error", err)
		return m
	}
	if lic.Warning != "" {
		m.log.Warn("license warning", "warning", lic.Warning)
	}
	m.current = lic
	return m
}

// Apply validates a token and, on success, stores it and makes it current.
func (m *Manager) Apply(token string) (*License, error) {
	lic, err := m.validator.Validate(token)
	if err != nil {
		return nil, err
	}
	if err := m.storage.SaveLicenseToken(token); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.current = lic
	m.mu.Unlock()
	m.log.Info("license applied", "id", lic.ID, "tier", lic.Tier, "expires", lic.ExpiresAt)
	return lic, nil
}

// Current returns the active license, or nil when unlicensed.
func (m *Manager) Current() *License {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Revalidate re-runs the expiry policy on the current license, returning
// its warning (if any) and whether it is still valid. The maintenance sweep
// calls this to emit expiry warnings.
func (m *Manager) Revalidate() (warning string, valid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return "", false
	}
	if err := m.validator.applyExpiryPolicy(m.current); err != nil {
		m.log.Warn("license no longer valid", "error", err)
		m.current = nil
		return "", false
	}
	return m.current.Warning, true
}

// HasFeature reports whether the current license grants a feature.
func (m *Manager) HasFeature(name string) bool {
	if l := m.Current(); l != nil {
		return l.HasFeature(name)
	}
	return false
}

// HasModule reports whether the current license grants a module.
func (m *Manager) HasModule(name string) bool {
	if l := m.Current(); l != nil {
		return l.HasModule(name)
	}
	return false
}
