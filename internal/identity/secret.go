package identity

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidSecret is returned when a presented service secret does not match.
var ErrInvalidSecret = errors.New("identity: invalid service secret")

// SecretVerifier checks service secrets against bcrypt hashes keyed by
// service ID.
type SecretVerifier struct {
	hashes map[string][]byte
}

// NewSecretVerifier creates a SecretVerifier. Each value must be a bcrypt
// hash as produced by HashSecret or `htpasswd -B`.
func NewSecretVerifier(hashes map[string]string) (*SecretVerifier, error) {
	out := make(map[string][]byte, len(hashes))
	for id, h := range hashes {
		if _, err := bcrypt.Cost([]byte(h)); err != nil {
			return nil, fmt.Errorf("secret hash for %q: %w", id, err)
		}
		out[id] = []byte(h)
	}
	return &SecretVerifier{hashes: out}, nil
}

// Verify returns nil when secret matches the stored hash for serviceID.
// Unknown services and wrong secrets both yield ErrInvalidSecret.
func (v *SecretVerifier) Verify(serviceID, secret string) error {
	h, ok := v.hashes[serviceID]
	if !ok {
		return ErrInvalidSecret
	}
	if err := bcrypt.CompareHashAndPassword(h, []byte(secret)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}

// HashSecret returns the bcrypt hash of secret at the default cost.
func HashSecret(secret string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(h), nil
}
