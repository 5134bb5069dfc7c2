package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sysmanage/sysmanage-server/internal/clock"
	"github.com/sysmanage/sysmanage-server/internal/logging"
)

// Lockout policy: after maxFailedLogins consecutive failures the account
// refuses logins for lockoutDuration.
const (
	maxFailedLogins = 5
	lockoutDuration = 15 * time.Minute
)

// Store is the persistence the service needs. The bbolt server store
// satisfies it.
type Store interface {
	CreateOperator(op Operator) error
	CreateFirstOperator(op Operator) error
	GetOperator(id string) (*Operator, error)
	GetOperatorByUsername(username string) (*Operator, error)
	UpdateOperator(op Operator) error
	OperatorCount() (int, error)

	CreateAPIToken(token APIToken) error
	GetAPITokenByHash(hash string) (*APIToken, error)
	UpdateAPIToken(token APIToken) error
}

// Service implements login, token verification and account bootstrap.
type Service struct {
	store    Store
	secret   []byte
	lifetime time.Duration
	clk      clock.Clock
	log      *logging.Logger
}

// NewService builds the auth service. An empty jwtSecret gets a random
// one, which works but invalidates all bearer tokens on restart.
func NewService(store Store, jwtSecret string, tokenLifetime time.Duration, clk clock.Clock, log *logging.Logger) (*Service, error) {
	secret := []byte(jwtSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generating jwt secret: %w", err)
		}
		log.Warn("SYSMANAGE_JWT_SECRET not set; using a random secret, operator tokens will not survive restarts")
	}
	if tokenLifetime <= 0 {
		tokenLifetime = 12 * time.Hour
	}
	return &Service{
		store:    store,
		secret:   secret,
		lifetime: tokenLifetime,
		clk:      clk,
		log:      log.With("component", "auth"),
	}, nil
}

// Bootstrap creates the initial admin account when the store is empty and
// a bootstrap password is configured. Safe to call on every boot.
func (s *Service) Bootstrap(adminPassword string) error {
	count, err := s.store.OperatorCount()
	if err != nil {
		return fmt.Errorf("counting operators: %w", err)
	}
	if count > 0 {
		return nil
	}
	if adminPassword == "" {
		s.log.Warn("no operator accounts and SYSMANAGE_ADMIN_PASSWORD unset; operator API is unusable until one is created")
		return nil
	}
	if err := ValidatePassword(adminPassword); err != nil {
		return fmt.Errorf("bootstrap admin password: %w", err)
	}
	hash, err := HashPassword(adminPassword)
	if err != nil {
		return err
	}
	now := s.clk.Now().UTC()
	op := Operator{
		ID:           uuid.NewString(),
		Username:     "admin",
		PasswordHash: hash,
		Roles:        []Role{RoleAdmin},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateFirstOperator(op); err != nil {
		// Another instance won the race; fine.
		if err == ErrOperatorsExist {
			return nil
		}
		return fmt.Errorf("creating bootstrap admin: %w", err)
	}
	s.log.Info("bootstrap admin account created", "username", op.Username)
	return nil
}

// Login authenticates a password (and TOTP code when enrolled) and returns
// a signed bearer token. Failures count toward the lockout; a login on a
// locked account fails regardless of credentials.
func (s *Service) Login(ctx context.Context, username, password, totpCode string) (token string, expires time.Time, op *Operator, err error) {
	op, err = s.store.GetOperatorByUsername(username)
	if err != nil {
		// Burn a bcrypt comparison so missing and wrong-password accounts
		// take the same time.
		CheckPassword("$2a$12$C6UzMDM.H6dfI/f/IKcEeO7ZLoKzIy5poyjlnnYfFkhkVzxTS1s2e", password)
		return "", time.Time{}, nil, ErrInvalidCredentials
	}

	now := s.clk.Now().UTC()
	if op.LockedUntil != nil && now.Before(*op.LockedUntil) {
		return "", time.Time{}, nil, ErrAccountLocked
	}

	if !CheckPassword(op.PasswordHash, password) {
		s.recordFailure(op, now)
		return "", time.Time{}, nil, ErrInvalidCredentials
	}

	if op.TOTPEnabled {
		if totpCode == "" {
			return "", time.Time{}, nil, ErrTOTPRequired
		}
		if !ValidateTOTPCode(op.TOTPSecret, totpCode) {
			s.recordFailure(op, now)
			return "", time.Time{}, nil, ErrInvalidTOTP
		}
	}

	op.FailedLogins = 0
	op.LockedUntil = nil
	op.LastLoginAt = &now
	op.UpdatedAt = now
	if err := s.store.UpdateOperator(*op); err != nil {
		s.log.Error("recording login", "username", username, "error", err)
	}

	token, expires, err = SignBearerToken(s.secret, op, now, s.lifetime)
	if err != nil {
		return "", time.Time{}, nil, err
	}
	s.log.Info("operator logged in", "username", username)
	return token, expires, op, nil
}

func (s *Service) recordFailure(op *Operator, now time.Time) {
	op.FailedLogins++
	op.UpdatedAt = now
	if op.FailedLogins >= maxFailedLogins {
		until := now.Add(lockoutDuration)
		op.LockedUntil = &until
		op.FailedLogins = 0
		s.log.Warn("operator account locked", "username", op.Username, "until", until)
	}
	if err := s.store.UpdateOperator(*op); err != nil {
		s.log.Error("recording login failure", "username", op.Username, "error", err)
	}
}

// Refresh re-issues a bearer token for a still-valid one, picking up any
// role changes from the store.
func (s *Service) Refresh(ctx context.Context, bearer string) (string, time.Time, error) {
	claims, err := ParseBearerToken(s.secret, bearer, s.clk.Now)
	if err != nil {
		return "", time.Time{}, err
	}
	op, err := s.store.GetOperator(claims.Subject)
	if err != nil {
		return "", time.Time{}, ErrInvalidToken
	}
	return signFor(s, op)
}

func signFor(s *Service, op *Operator) (string, time.Time, error) {
	return SignBearerToken(s.secret, op, s.clk.Now().UTC(), s.lifetime)
}

// CreateOperator adds an account with the given roles.
func (s *Service) CreateOperator(username, password string, roles []Role) (*Operator, error) {
	if err := ValidatePassword(password); err != nil {
		return nil, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}
	now := s.clk.Now().UTC()
	op := Operator{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: hash,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.CreateOperator(op); err != nil {
		return nil, err
	}
	return &op, nil
}

// EnrollTOTP generates a secret for the operator and stores it disabled.
// The returned provisioning URL feeds a QR code; ConfirmTOTP activates it.
func (s *Service) EnrollTOTP(operatorID string) (secret, url string, err error) {
	op, err := s.store.GetOperator(operatorID)
	if err != nil {
		return "", "", err
	}
	key, err := GenerateTOTPSecret(op.Username)
	if err != nil {
		return "", "", fmt.Errorf("generating totp secret: %w", err)
	}
	op.TOTPSecret = key.Secret()
	op.TOTPEnabled = false
	op.UpdatedAt = s.clk.Now().UTC()
	if err := s.store.UpdateOperator(*op); err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

// ConfirmTOTP activates the pending TOTP enrollment once the operator
// proves they hold the secret.
func (s *Service) ConfirmTOTP(operatorID, code string) error {
	op, err := s.store.GetOperator(operatorID)
	if err != nil {
		return err
	}
	if op.TOTPSecret == "" {
		return fmt.Errorf("no pending totp enrollment")
	}
	if !ValidateTOTPCode(op.TOTPSecret, code) {
		return ErrInvalidTOTP
	}
	op.TOTPEnabled = true
	op.UpdatedAt = s.clk.Now().UTC()
	return s.store.UpdateOperator(*op)
}

// MintAPIToken creates an automation token for the operator. The plaintext
// is returned once and never stored.
func (s *Service) MintAPIToken(operatorID, name string, roles []Role, expiresAt *time.Time) (plain string, token *APIToken, err error) {
	op, err := s.store.GetOperator(operatorID)
	if err != nil {
		return "", nil, err
	}
	// A token can never carry roles its owner does not hold.
	for _, r := range roles {
		if !op.HasRole(r) {
			return "", nil, fmt.Errorf("operator does not hold role %q", r)
		}
	}
	if len(roles) == 0 {
		roles = op.Roles
	}
	plain, hash, err := NewAPIToken()
	if err != nil {
		return "", nil, err
	}
	t := APIToken{
		ID:         uuid.NewString(),
		Name:       name,
		TokenHash:  hash,
		OperatorID: op.ID,
		Roles:      roles,
		CreatedAt:  s.clk.Now().UTC(),
		ExpiresAt:  expiresAt,
	}
	if err := s.store.CreateAPIToken(t); err != nil {
		return "", nil, err
	}
	return plain, &t, nil
}

// Authenticate resolves a raw bearer credential to a request context. It
// tries login-issued JWTs first, then stored API tokens.
func (s *Service) Authenticate(ctx context.Context, bearer string) (*RequestContext, error) {
	if claims, err := ParseBearerToken(s.secret, bearer, s.clk.Now); err == nil {
		return &RequestContext{
			OperatorID: claims.Subject,
			Username:   claims.Username,
			Roles:      claims.Roles,
		}, nil
	}

	t, err := s.store.GetAPITokenByHash(HashToken(bearer))
	if err != nil {
		return nil, ErrInvalidToken
	}
	now := s.clk.Now().UTC()
	if t.Expired(now) {
		return nil, ErrInvalidToken
	}
	t.LastUsedAt = &now
	if err := s.store.UpdateAPIToken(*t); err != nil {
		s.log.Debug("touching api token", "token_id", t.ID, "error", err)
	}

	username := t.Name
	if op, err := s.store.GetOperator(t.OperatorID); err == nil {
		username = op.Username
	}
	return &RequestContext{
		OperatorID:  t.OperatorID,
		Username:    username,
		Roles:       t.Roles,
		ViaAPIToken: true,
	}, nil
}

// randomHex is used for OIDC state parameters.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
