// Package license parses and verifies signed license tokens and exposes
// feature and module predicates per tier.
package license

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"gopkg.in/yaml.v3"

	"github.com/sysmanage/sysmanage-server/internal/clock"
)

// Expiry policy: a warning starts 30 days before expiry, and an expired
// license keeps working for a default 7-day grace period.
const (
	warningWindow    = 30 * 24 * time.Hour
	defaultGraceDays = 7
)

// Tiers.
const (
	TierCommunity    = "community"
	TierProfessional = "professional"
	TierEnterprise   = "enterprise"
)

var (
	ErrMalformed   = errors.New("malformed license token")
	ErrBadAlg      = errors.New("license algorithm must be ES512")
	ErrBadSig      = errors.New("license signature invalid")
	ErrExpired     = errors.New("license expired")
	ErrUnknownTier = errors.New("unknown license tier")
)

//go:embed tiers.yaml
var tiersYAML []byte

type tierSpec struct {
	Features []string `yaml:"features"`
	Modules  []string `yaml:"modules"`
}

// License is a verified token's content plus the derived entitlements.
type License struct {
	ID          string
	Tier        string
	Customer    string
	Org         string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	GraceDays   int
	ParentHosts int
	ChildHosts  int

	Features []string
	Modules  []string

	// Warning is a non-fatal advisory ("expires in N days", grace period)
	// set by the expiry policy; empty for a comfortably valid license.
	Warning string

	// Hash is the stable SHA-256 hex of the raw token, for storage lookup.
	Hash string
}

// HasFeature reports whether the license grants a feature.
func (l *License) HasFeature(name string) bool { return contains(l.Features, name) }

// HasModule reports whether the license grants a module.
func (l *License) HasModule(name string) bool { return contains(l.Modules, name) }

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}

// claims accepts both the short key set and the legacy long key set.
type claims struct {
	// Short keys.
	Lic         string   `json:"lic,omitempty"`
	Exp         int64    `json:"exp,omitempty"`
	Iat         int64    `json:"iat,omitempty"`
	Tier        string   `json:"tier,omitempty"`
	Features    []string `json:"features,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	Cust        string   `json:"cust,omitempty"`
	Org         string   `json:"org,omitempty"`
	ParentHosts int      `json:"parent_hosts,omitempty"`
	ChildHosts  int      `json:"child_hosts,omitempty"`
	Grace       int      `json:"grace,omitempty"`

	// Legacy keys.
	LicenseID string `json:"license_id,omitempty"`
	ExpiresAt string `json:"expires_at,omitempty"` // ISO-8601
	IssuedAt  string `json:"issued_at,omitempty"`  // ISO-8601
}

// The expiry policy is ours, not jwt's.
func (c *claims) GetExpirationTime() (*jwt.NumericDate, error) { return nil, nil }
func (c *claims) GetIssuedAt() (*jwt.NumericDate, error)       { return nil, nil }
func (c *claims) GetNotBefore() (*jwt.NumericDate, error)      { return nil, nil }
func (c *claims) GetIssuer() (string, error)                   { return "", nil }
func (c *claims) GetSubject() (string, error)                  { return "", nil }
func (c *claims) GetAudience() (jwt.ClaimStrings, error)       { return nil, nil }

// Validator verifies license tokens against the vendor's EC public key.
type Validator struct {
	pub    *ecdsa.PublicKey
	clk    clock.Clock
	tiers  map[string]tierSpec
	parser *jwt.Parser
}

// New builds a validator around a PEM-encoded EC public key.
func New(pubKeyPEM []byte, clk clock.Clock) (*Validator, error) {
	block, _ := pem.Decode(pubKeyPEM)
	if block == nil {
		return nil, errors.New("no PEM block in license public key")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing license public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("license public key is %T, want ECDSA", parsed)
	}

	var tiers map[string]tierSpec
	if err := yaml.Unmarshal(tiersYAML, &tiers); err != nil {
		return nil, fmt.Errorf("parsing tier table: %w", err)
	}

	return &Validator{
		pub:   pub,
		clk:   clk,
		tiers: tiers,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"ES512"}),
			jwt.WithoutClaimsValidation(),
		),
	}, nil
}

// Validate verifies a token's signature, algorithm, and expiry policy and
// returns the resolved license. A license inside the 30-day pre-expiry
// window or the post-expiry grace period comes back valid with Warning set.
func (v *Validator) Validate(token string) (*License, error) {
	if err := checkHeaderAlg(token); err != nil {
		return nil, err
	}

	var c claims
	_, err := v.parser.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return v.pub, nil
	})
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenMalformed):
			return nil, ErrMalformed
		default:
			return nil, ErrBadSig
		}
	}

	lic, err := v.resolve(&c)
	if err != nil {
		return nil, err
	}
	lic.Hash = TokenHash(token)

	if err := v.applyExpiryPolicy(lic); err != nil {
		return nil, err
	}
	return lic, nil
}

func (v *Validator) resolve(c *claims) (*License, error) {
	lic := &License{
		ID:          c.Lic,
		Tier:        c.Tier,
		Customer:    c.Cust,
		Org:         c.Org,
		ParentHosts: c.ParentHosts,
		ChildHosts:  c.ChildHosts,
		GraceDays:   c.Grace,
	}
	if lic.ID == "" {
		lic.ID = c.LicenseID
	}
	if lic.ID == "" {
		return nil, fmt.Errorf("%w: missing license id", ErrMalformed)
	}
	if lic.Tier == "" {
		lic.Tier = TierCommunity
	}
	if lic.GraceDays <= 0 {
		lic.GraceDays = defaultGraceDays
	}

	switch {
	case c.Exp != 0:
		lic.ExpiresAt = time.Unix(c.Exp, 0).UTC()
	case c.ExpiresAt != "":
		t, err := time.Parse(time.RFC3339, c.ExpiresAt)
		if err != nil {
			return nil, fmt.Errorf("%w: bad expires_at: %v", ErrMalformed, err)
		}
		lic.ExpiresAt = t.UTC()
	default:
		return nil, fmt.Errorf("%w: missing expiry", ErrMalformed)
	}
	switch {
	case c.Iat != 0:
		lic.IssuedAt = time.Unix(c.Iat, 0).UTC()
	case c.IssuedAt != "":
		if t, err := time.Parse(time.RFC3339, c.IssuedAt); err == nil {
			lic.IssuedAt = t.UTC()
		}
	}

	spec, ok := v.tiers[lic.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTier, lic.Tier)
	}
	lic.Features = union(spec.Features, c.Features)
	lic.Modules = union(spec.Modules, c.Modules)
	return lic, nil
}

func (v *Validator) applyExpiryPolicy(lic *License) error {
	now := v.clk.Now().UTC()
	grace := time.Duration(lic.GraceDays) * 24 * time.Hour

	switch {
	case now.Before(lic.ExpiresAt):
		if remaining := lic.ExpiresAt.Sub(now); remaining < warningWindow {
			days := int(remaining.Hours() / 24)
			lic.Warning = fmt.Sprintf("license expires in %d days", days)
		}
		return nil
	case now.Before(lic.ExpiresAt.Add(grace)):
		lic.Warning = fmt.Sprintf("license expired %s, in grace period until %s",
			lic.ExpiresAt.Format("2006-01-02"), lic.ExpiresAt.Add(grace).Format("2006-01-02"))
		return nil
	default:
		return fmt.Errorf("%w: expired %s", ErrExpired, lic.ExpiresAt.Format("2006-01-02"))
	}
}

func union(base, extra []string) []string {
	out := append([]string(nil), base...)
	for _, e := range extra {
		if !contains(out, e) {
			out = append(out, e)
		}
	}
	return out
}

// checkHeaderAlg rejects any token whose header does not declare ES512
// before signature verification runs.
func checkHeaderAlg(token string) error {
	parts := strings.SplitN(token, ".", 3)
	if len(parts) != 3 {
		return ErrMalformed
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return ErrMalformed
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return ErrMalformed
	}
	if header.Alg != "ES512" {
		return fmt.Errorf("%w: got %q", ErrBadAlg, header.Alg)
	}
	return nil
}

// TokenHash returns the stable SHA-256 hex of the raw token.
func TokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%x", sum)
}
