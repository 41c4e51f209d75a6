// Package jwt issues and verifies the API's HS256 access tokens.
package jwt

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "pyk8s-labs"
	leeway = 30 * time.Second
)

var (
	// ErrMissingSubject is returned for tokens that carry no user id.
	ErrMissingSubject = errors.New("jwt: missing subject")
	// ErrExpired is returned for a well-formed token past its expiry.
	ErrExpired = errors.New("jwt: token expired")
	// ErrEmptySecret is returned when an Issuer has no signing key.
	ErrEmptySecret = errors.New("jwt: empty secret")
)

// Claims is the token payload.
type Claims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email,omitempty"`
	jwtlib.RegisteredClaims
}

// Issuer signs and verifies tokens with one shared secret.
type Issuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

// NewIssuer returns an Issuer whose tokens live for ttl.
func NewIssuer(secret string, ttl time.Duration) Issuer {
	return Issuer{key: []byte(secret), ttl: ttl, now: time.Now}
}

// TTL is how long issued tokens stay valid.
func (i Issuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for the user. Each token carries a fresh jti.
func (i Issuer) Issue(userID, email string) (string, error) {
	if len(i.key) == 0 {
		return "", ErrEmptySecret
	}
	now := i.now()
	claims := Claims{
		UserID: userID,
		Email:  email,
		RegisteredClaims: jwtlib.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(i.key)
}

// Verify checks signature, issuer and expiry and returns the claims.
func (i Issuer) Verify(token string) (*Claims, error) {
	if len(i.key) == 0 {
		return nil, ErrEmptySecret
	}
	parser := jwtlib.NewParser(
		jwtlib.WithValidMethods([]string{jwtlib.SigningMethodHS256.Name}),
		jwtlib.WithIssuer(issuer),
		jwtlib.WithExpirationRequired(),
		jwtlib.WithLeeway(leeway),
		jwtlib.WithTimeFunc(i.now),
	)
	claims := &Claims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwtlib.Token) (any, error) {
		return i.key, nil
	}); err != nil {
		if errors.Is(err, jwtlib.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, fmt.Errorf("jwt: %w", err)
	}
	if claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, ErrMissingSubject
	}
	return claims, nil
}
