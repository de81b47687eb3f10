// Package service contains the application services behind the HTTP and gRPC
// transports: bearer verification, OAuth connection, sync and webhooks.
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/and161185/metrionix/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// AuthService verifies bearer tokens issued by the auth provider. Issue exists
// for local development and the CLI; production tokens come from the provider.
type AuthService interface {
	// Issue mints an HS256 token carrying the agency_id claim.
	Issue(agencyID uuid.UUID) (token string, expiresAt time.Time, err error)
	// Verify checks signature and time claims and returns the agency id.
	Verify(token string) (uuid.UUID, error)
}

// AgencyClaims is the claim set of an agency bearer token.
type AgencyClaims struct {
	AgencyID string `json:"agency_id"`
	jwt.RegisteredClaims
}

type AuthServiceImpl struct {
	signKey   []byte
	accessTTL time.Duration
	leeway    time.Duration
	now       func() time.Time
}

// NewAuthService constructs AuthService over a shared HS256 secret.
func NewAuthService(signKey []byte, accessTTL time.Duration) *AuthServiceImpl {
	return &AuthServiceImpl{signKey: signKey, accessTTL: accessTTL, leeway: 30 * time.Second, now: time.Now}
}

// Issue creates a signed HS256 JWT for the agency.
func (s *AuthServiceImpl) Issue(agencyID uuid.UUID) (string, time.Time, error) {
	if agencyID == uuid.Nil {
		return "", time.Time{}, errors.New("validation: agency_id")
	}
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := AgencyClaims{
		AgencyID: agencyID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agencyID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Verify parses an HS256 token and returns its agency id. Every failure is
// reported as errs.ErrUnauthorized.
func (s *AuthServiceImpl) Verify(token string) (uuid.UUID, error) {
	if token == "" {
		return uuid.Nil, fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
	}
	var claims AgencyClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(s.leeway), jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return uuid.Nil, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.AgencyID)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: bad agency_id claim", errs.ErrUnauthorized)
	}
	return id, nil
}
