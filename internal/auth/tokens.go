package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// apiTokenPrefix marks automation tokens so a leaked one is recognizable
// in logs and secret scanners.
const apiTokenPrefix = "smk_"

// ErrInvalidToken covers expired, malformed and badly signed bearer tokens.
var ErrInvalidToken = errors.New("invalid bearer token")

// Claims is the JWT payload of a login-issued bearer token.
type Claims struct {
	Username string `json:"username"`
	Roles    []Role `json:"roles"`
	jwt.RegisteredClaims
}

// SignBearerToken mints an HS256 bearer token for the operator.
func SignBearerToken(secret []byte, op *Operator, now time.Time, lifetime time.Duration) (string, time.Time, error) {
	expires := now.Add(lifetime)
	claims := Claims{
		Username: op.Username,
		Roles:    op.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   op.ID,
			Issuer:    "sysmanage",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing bearer token: %w", err)
	}
	return signed, expires, nil
}

// ParseBearerToken verifies signature and expiry and returns the claims.
// Only HS256 is accepted; tokens carrying any other alg are rejected.
// Expiry is checked against now, the caller's clock.
func ParseBearerToken(secret []byte, token string, now func() time.Time) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithTimeFunc(now))
	if err != nil || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// NewAPIToken generates a fresh automation token. The plaintext is shown
// to the operator exactly once; only the hash is stored.
func NewAPIToken() (plain, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generate api token: %w", err)
	}
	plain = apiTokenPrefix + hex.EncodeToString(b)
	return plain, HashToken(plain), nil
}

// HashToken returns the hex SHA-256 of a token, the stored representation.
func HashToken(plain string) string {
	sum := sha256.Sum256([]byte(plain))
	return hex.EncodeToString(sum[:])
}
