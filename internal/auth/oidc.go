package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// OIDCConfig holds the single sign-on configuration. All four fields must
// be set for OIDC to activate.
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
}

// Enabled reports whether the configuration is complete.
func (c OIDCConfig) Enabled() bool {
	return c.IssuerURL != "" && c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// OIDCProvider wraps the OIDC discovery and OAuth2 code flow.
type OIDCProvider struct {
	verifier  *oidc.IDTokenVerifier
	oauth2Cfg oauth2.Config
}

// OIDCIdentity is what the code exchange yields about the signed-in user.
type OIDCIdentity struct {
	Subject  string
	Email    string
	Name     string
	Username string
}

// NewOIDCProvider initialises OIDC via issuer discovery. Returns nil, nil
// when the configuration is incomplete; callers treat a nil provider as
// "OIDC disabled".
func NewOIDCProvider(ctx context.Context, cfg OIDCConfig) (*OIDCProvider, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	provider, err := oidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	return &OIDCProvider{
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		oauth2Cfg: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "profile", "email"},
		},
	}, nil
}

// AuthURL generates the authorization URL with the given state parameter.
func (p *OIDCProvider) AuthURL(state string) string {
	return p.oauth2Cfg.AuthCodeURL(state)
}

// Exchange trades an authorization code for tokens and extracts the
// verified identity.
func (p *OIDCProvider) Exchange(ctx context.Context, code string) (*OIDCIdentity, error) {
	token, err := p.oauth2Cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in response")
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("token verification: %w", err)
	}

	var claims struct {
		Email             string `json:"email"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("parse claims: %w", err)
	}

	username := claims.PreferredUsername
	if username == "" {
		username = claims.Email
	}
	if username == "" {
		username = idToken.Subject
	}
	return &OIDCIdentity{
		Subject:  idToken.Subject,
		Email:    claims.Email,
		Name:     claims.Name,
		Username: username,
	}, nil
}

// GenerateOIDCState creates a random 16-byte hex-encoded state parameter.
func GenerateOIDCState() (string, error) {
	return randomHex(16)
}

// LoginWithOIDC finds or auto-creates the operator for a verified OIDC
// identity and issues a bearer token. Auto-created accounts get a random
// unusable password and the viewer role.
func (s *Service) LoginWithOIDC(ctx context.Context, identity *OIDCIdentity) (token string, expires time.Time, op *Operator, err error) {
	op, err = s.store.GetOperatorByUsername(identity.Username)
	if err != nil {
		randomPass, rerr := randomHex(32)
		if rerr != nil {
			return "", time.Time{}, nil, rerr
		}
		hash, herr := HashPassword(randomPass)
		if herr != nil {
			return "", time.Time{}, nil, herr
		}
		now := s.clk.Now().UTC()
		created := Operator{
			ID:           uuid.NewString(),
			Username:     identity.Username,
			Email:        identity.Email,
			PasswordHash: hash,
			Roles:        []Role{RoleViewer},
			OIDCSubject:  identity.Subject,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := s.store.CreateOperator(created); err != nil {
			return "", time.Time{}, nil, fmt.Errorf("auto-creating oidc operator: %w", err)
		}
		s.log.Info("operator auto-created from oidc", "username", created.Username)
		op = &created
	}

	now := s.clk.Now().UTC()
	op.LastLoginAt = &now
	op.UpdatedAt = now
	if op.OIDCSubject == "" {
		op.OIDCSubject = identity.Subject
	}
	if err := s.store.UpdateOperator(*op); err != nil {
		s.log.Error("recording oidc login", "username", op.Username, "error", err)
	}

	token, expires, err = signFor(s, op)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	return token, expires, op, nil
}
