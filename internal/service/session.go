package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/alanyoungcy/dydxrelay/internal/domain"
)

// SessionClaims are the claims of a dashboard session token.
type SessionClaims struct {
	Address string `json:"addr"`
	jwt.RegisteredClaims
}

// Sessions issues and verifies HS256 dashboard session tokens.
type Sessions struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewSessions creates a session issuer. secret must not be empty.
func NewSessions(secret string, ttl time.Duration, issuer string) (*Sessions, error) {
	if secret == "" {
		return nil, errors.New("session: empty signing secret")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Sessions{secret: []byte(secret), ttl: ttl, issuer: issuer, now: time.Now}, nil
}

// Issue returns a signed token for address and its expiry.
func (s *Sessions) Issue(address string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.ttl)
	claims := SessionClaims{
		Address: address,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   address,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("session: sign: %w", err)
	}
	return token, exp, nil
}

// Verify returns the wallet address in a valid token. Every failure wraps
// domain.ErrUnauthorized.
func (s *Sessions) Verify(token string) (string, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", fmt.Errorf("session: %w: %w", domain.ErrUnauthorized, err)
	}
	if !parsed.Valid || claims.Address == "" || claims.Address != claims.Subject {
		return "", fmt.Errorf("session: %w: invalid claims", domain.ErrUnauthorized)
	}
	return claims.Address, nil
}
