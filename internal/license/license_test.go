package license

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/sysmanage/sysmanage-server/internal/logging"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- c.Now().Add(d)
	return ch
}

func (c *fakeClock) Since(t time.Time) time.Duration { return c.Now().Sub(t) }

func testKeys(t *testing.T) (*ecdsa.PrivateKey, []byte) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	if err != nil {
		t.Fatalf("generating P-521 key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshalling public key: %v", err)
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, payload map[string]any) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodES512, jwt.MapClaims(payload))
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return s
}

func testValidator(t *testing.T) (*Validator, *ecdsa.PrivateKey, *fakeClock) {
	t.Helper()
	key, pubPEM := testKeys(t)
	clk := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	v, err := New(pubPEM, clk)
	if err != nil {
		t.Fatalf("building validator: %v", err)
	}
	return v, key, clk
}

func TestValidateShortKeys(t *testing.T) {
	v, key, clk := testValidator(t)
	now := clk.Now()

	token := signToken(t, key, map[string]any{
		"lic":          "L-1001",
		"exp":          now.Add(90 * 24 * time.Hour).Unix(),
		"iat":          now.Add(-time.Hour).Unix(),
		"tier":         TierProfessional,
		"cust":         "acme",
		"org":          "Acme Corp",
		"parent_hosts": 50,
		"child_hosts":  200,
	})

	lic, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if lic.ID != "L-1001" || lic.Tier != TierProfessional {
		t.Errorf("id=%q tier=%q", lic.ID, lic.Tier)
	}
	if lic.Warning != "" {
		t.Errorf("unexpected warning %q", lic.Warning)
	}
	if lic.ParentHosts != 50 || lic.ChildHosts != 200 {
		t.Errorf("limits = %d/%d, want 50/200", lic.ParentHosts, lic.ChildHosts)
	}
	if !lic.HasFeature("host_health") || !lic.HasModule("vulnerability_basic") {
		t.Error("professional tier entitlements missing")
	}
	if lic.HasModule("predictive_analysis") {
		t.Error("professional tier must not grant enterprise modules")
	}
	if lic.Hash != TokenHash(token) || len(lic.Hash) != 64 {
		t.Error("token hash not stable SHA-256 hex")
	}
}

func TestValidateLegacyKeys(t *testing.T) {
	v, key, clk := testValidator(t)
	now := clk.Now()

	token := signToken(t, key, map[string]any{
		"license_id": "legacy-7",
		"expires_at": now.Add(60 * 24 * time.Hour).Format(time.RFC3339),
		"issued_at":  now.Add(-24 * time.Hour).Format(time.RFC3339),
		"tier":       TierEnterprise,
	})

	lic, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate legacy: %v", err)
	}
	if lic.ID != "legacy-7" {
		t.Errorf("id = %q, want legacy-7", lic.ID)
	}
	if !lic.HasModule("predictive_analysis") || !lic.HasModule("anomaly_detection") {
		t.Error("enterprise tier missing advanced modules")
	}
}

func TestCommunityTierGrantsNothing(t *testing.T) {
	v, key, clk := testValidator(t)
	token := signToken(t, key, map[string]any{
		"lic": "L-free",
		"exp": clk.Now().Add(365 * 24 * time.Hour).Unix(),
	})
	lic, err := v.Validate(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if lic.Tier != TierCommunity {
		t.Errorf("default tier = %q, want community", lic.Tier)
	}
	if len(lic.Features) != 0 || len(lic.Modules) != 0 {
		t.Error("community tier must grant no entitlements")
	}
}

func TestExpiryPolicy(t *testing.T) {
	v, key, clk := testValidator(t)
	now := clk.Now()

	tests := []struct {
		name        string
		exp         time.Time
		wantErr     error
		wantWarning string
	}{
		{"comfortably valid", now.Add(31 * 24 * time.Hour), nil, ""},
		{"warning window", now.Add(10 * 24 * time.Hour), nil, "expires in 10 days"},
		{"grace period", now.Add(-3 * 24 * time.Hour), nil, "grace period"},
		{"past grace", now.Add(-10 * 24 * time.Hour), ErrExpired, ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			token := signToken(t, key, map[string]any{
				"lic": "L-exp", "exp": tc.exp.Unix(),
			})
			lic, err := v.Validate(token)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("err = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("validate: %v", err)
			}
			if tc.wantWarning == "" && lic.Warning != "" {
				t.Errorf("unexpected warning %q", lic.Warning)
			}
			if tc.wantWarning != "" && !strings.Contains(lic.Warning, tc.wantWarning) {
				t.Errorf("warning = %q, want substring %q", lic.Warning, tc.wantWarning)
			}
		})
	}
}

func TestCustomGracePeriod(t *testing.T) {
	v, key, clk := testValidator(t)
	// 3 days past expiry with a 2-day grace: invalid.
	token := signToken(t, key, map[string]any{
		"lic": "L-g", "exp": clk.Now().Add(-3 * 24 * time.Hour).Unix(), "grace": 2,
	})
	if _, err := v.Validate(token); !errors.Is(err, ErrExpired) {
		t.Errorf("err = %v, want ErrExpired with shortened grace", err)
	}
}

func TestRejectWrongAlgorithm(t *testing.T) {
	v, _, clk := testValidator(t)

	hsToken := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"lic": "L-alg", "exp": clk.Now().Add(24 * time.Hour).Unix(),
	})
	s, err := hsToken.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("signing HS256 token: %v", err)
	}
	if _, err := v.Validate(s); !errors.Is(err, ErrBadAlg) {
		t.Errorf("err = %v, want ErrBadAlg", err)
	}
}

func TestRejectTamperedSignature(t *testing.T) {
	v, key, clk := testValidator(t)
	token := signToken(t, key, map[string]any{
		"lic": "L-t", "exp": clk.Now().Add(24 * time.Hour).Unix(),
	})

	// Swap the payload for a different one, keeping the old signature.
	good := strings.Split(token, ".")
	other := strings.Split(signToken(t, key, map[string]any{
		"lic": "L-t", "exp": clk.Now().Add(10 * 365 * 24 * time.Hour).Unix(),
	}), ".")
	forged := good[0] + "." + other[1] + "." + good[2]

	if _, err := v.Validate(forged); !errors.Is(err, ErrBadSig) {
		t.Errorf("err = %v, want ErrBadSig", err)
	}
}

func TestRejectForeignKey(t *testing.T) {
	v, _, clk := testValidator(t)
	otherKey, _ := testKeys(t)
	token := signToken(t, otherKey, map[string]any{
		"lic": "L-f", "exp": clk.Now().Add(24 * time.Hour).Unix(),
	})
	if _, err := v.Validate(token); !errors.Is(err, ErrBadSig) {
		t.Errorf("err = %v, want ErrBadSig", err)
	}
}

func TestRejectMalformed(t *testing.T) {
	v, _, _ := testValidator(t)
	for _, token := range []string{"", "abc", "a.b", "!!!.!!!.!!!"} {
		if _, err := v.Validate(token); !errors.Is(err, ErrMalformed) {
			t.Errorf("Validate(%q) err = %v, want ErrMalformed", token, err)
		}
	}
}

type memStorage struct {
	mu    sync.Mutex
	token string
}

func (m *memStorage) SaveLicenseToken(token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	return nil
}

func (m *memStorage) LicenseToken() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func TestManagerApplyAndReload(t *testing.T) {
	v, key, clk := testValidator(t)
	log := logging.New(false, "error")
	storage := &memStorage{}

	m := NewManager(v, storage, log)
	if m.Current() != nil {
		t.Fatal("fresh manager should be unlicensed")
	}
	if m.HasFeature("host_health") {
		t.Error("unlicensed manager granted a feature")
	}

	token := signToken(t, key, map[string]any{
		"lic": "L-m", "exp": clk.Now().Add(90 * 24 * time.Hour).Unix(), "tier": TierProfessional,
	})
	if _, err := m.Apply(token); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !m.HasFeature("host_health") {
		t.Error("applied license not granting features")
	}

	// A new manager over the same storage picks the license back up.
	m2 := NewManager(v, storage, log)
	if m2.Current() == nil || m2.Current().ID != "L-m" {
		t.Error("stored license not reloaded")
	}

	if warning, valid := m2.Revalidate(); !valid || warning != "" {
		t.Errorf("revalidate: valid=%v warning=%q", valid, warning)
	}
}

func TestManagerRejectsInvalidApply(t *testing.T) {
	v, key, clk := testValidator(t)
	m := NewManager(v, &memStorage{}, logging.New(false, "error"))

	token := signToken(t, key, map[string]any{
		"lic": "L-x", "exp": clk.Now().Add(-30 * 24 * time.Hour).Unix(),
	})
	if _, err := m.Apply(token); !errors.Is(err, ErrExpired) {
		t.Fatalf("apply expired: err = %v, want ErrExpired", err)
	}
	if m.Current() != nil {
		t.Error("failed apply must not install a license")
	}
}
