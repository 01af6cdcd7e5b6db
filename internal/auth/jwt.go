// Package auth verifies bearer tokens issued by the external identity
// provider and resolves them to signed-in accounts.
package auth

import (
	"crypto/ecdsa"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/dealdesk/dealdesk/internal/tenant"
)

var ErrInvalidToken = errors.New("invalid token")

// IdentityClaims are the claims the identity provider places in its
// tokens. Subject carries the provider-scoped stable identifier.
type IdentityClaims struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	jwt.RegisteredClaims
}

// Verifier validates ES256 bearer tokens against the identity
// provider's public key.
type Verifier struct {
	publicKey *ecdsa.PublicKey
}

// NewVerifierFromPEM builds a Verifier from a PEM-encoded EC public key.
func NewVerifierFromPEM(publicKeyPEM string) (*Verifier, error) {
	if publicKeyPEM == "" {
		return nil, errors.New("identity public key not provided")
	}

	publicKey, err := jwt.ParseECPublicKeyFromPEM([]byte(publicKeyPEM))
	if err != nil {
		return nil, err
	}

	return &Verifier{publicKey: publicKey}, nil
}

// Verify parses and validates a bearer token, returning the principal it
// asserts.
func (v *Verifier) Verify(tokenStr string) (tenant.Principal, error) {
	parsed, err := jwt.ParseWithClaims(tokenStr, &IdentityClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodES256 {
			return nil, errors.New("invalid signing method")
		}
		return v.publicKey, nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("JWT parse error")
		return tenant.Principal{}, ErrInvalidToken
	}

	if !parsed.Valid {
		return tenant.Principal{}, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*IdentityClaims)
	if !ok {
		return tenant.Principal{}, ErrInvalidToken
	}

	if claims.ExpiresAt != nil && claims.ExpiresAt.Before(time.Now()) {
		return tenant.Principal{}, ErrInvalidToken
	}

	return tenant.Principal{
		Email:      claims.Email,
		ExternalID: claims.Subject,
		Name:       claims.Name,
	}, nil
}

// BearerToken extracts the token from an Authorization header.
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}
