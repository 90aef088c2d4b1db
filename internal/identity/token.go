package identity

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ScopeAppend allows a service to append ledger entries.
const ScopeAppend = "ledger:append"

// ErrNoSigningKey is returned by NewTokenIssuer when the key is empty.
var ErrNoSigningKey = errors.New("identity: signing key is empty")

// ServiceClaims are the JWT claims carried by a service token.
type ServiceClaims struct {
	jwt.RegisteredClaims
	ServiceID string   `json:"service_id"`
	Scopes    []string `json:"scopes"`
}

// HasScope reports whether the claims grant scope.
func (c *ServiceClaims) HasScope(scope string) bool {
	if c == nil {
		return false
	}
	return slices.Contains(c.Scopes, scope)
}

// TokenIssuer issues and verifies service tokens signed with HS256.
type TokenIssuer struct {
	key    []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates a TokenIssuer.
//
//	issuer: the "iss" claim value; typically the ledger service's base URL.
//	ttl:    token lifetime (default: 1 hour).
func NewTokenIssuer(key []byte, issuer string, ttl time.Duration) (*TokenIssuer, error) {
	if len(key) == 0 {
		return nil, ErrNoSigningKey
	}
	if ttl == 0 {
		ttl = time.Hour
	}
	return &TokenIssuer{key: key, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue creates a signed token for serviceID with the given scopes.
func (t *TokenIssuer) Issue(serviceID string, scopes []string) (string, error) {
	now := t.now().UTC()
	claims := ServiceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			Subject:   serviceID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			ID:        uuid.New().String(),
		},
		ServiceID: serviceID,
		Scopes:    scopes,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a service token, returning its claims.
func (t *TokenIssuer) Verify(tokenStr string) (*ServiceClaims, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&ServiceClaims{},
		func(tok *jwt.Token) (any, error) {
			if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
			}
			return t.key, nil
		},
		jwt.WithIssuer(t.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}
	claims, ok := token.Claims.(*ServiceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TTL returns the configured token lifetime.
func (t *TokenIssuer) TTL() time.Duration { return t.ttl }
