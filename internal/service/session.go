package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

var (
	ErrSessionInvalid = errors.New("invalid session")
	ErrSessionExpired = errors.New("session expired")
)

// MinSessionSecretLen is the shortest accepted HMAC key, in bytes.
const MinSessionSecretLen = 32

const sessionIssuer = "tokend"

// SessionValidator validates short-lived interactive session credentials.
// Interactive login lives outside this service; only validation is needed
// here.
type SessionValidator interface {
	ValidateSession(ctx context.Context, raw string) (ownerID string, err error)
}

// JWTSessions validates HS256 session JWTs whose subject is the owner id.
type JWTSessions struct {
	secret []byte
	clock  clockwork.Clock
}

// NewJWTSessions returns a validator keyed by secret. A nil clock means the
// real clock.
func NewJWTSessions(secret string, clock clockwork.Clock) (*JWTSessions, error) {
	if len(secret) < MinSessionSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes", MinSessionSecretLen)
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &JWTSessions{secret: []byte(secret), clock: clock}, nil
}

// ValidateSession verifies a session JWT and returns its subject.
func (s *JWTSessions) ValidateSession(_ context.Context, raw string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims,
		func(token *jwt.Token) (interface{}, error) {
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(sessionIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrSessionExpired
		}
		return "", ErrSessionInvalid
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrSessionInvalid
	}
	return claims.Subject, nil
}

// Issue signs a session for ownerID valid for ttl. It backs local tooling
// and tests; production sessions come from the login service sharing the
// same key.
func (s *JWTSessions) Issue(ownerID string, ttl time.Duration) (string, error) {
	if ownerID == "" {
		return "", ErrInvalidOwner
	}
	now := s.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:   ownerID,
		Issuer:    sessionIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
