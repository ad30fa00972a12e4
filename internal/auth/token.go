package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claims structure of the bearer tokens issued by the
// external identity collaborator. Only the subject (username) is required.
type Claims struct {
	jwt.RegisteredClaims
}

// Verifier validates bearer tokens against the shared HS256 signing key.
// It does not issue tokens; login exchange is the identity collaborator's
// responsibility.
type Verifier struct {
	key []byte
}

// NewVerifier creates a Verifier for the given shared signing key.
func NewVerifier(key []byte) *Verifier {
	return &Verifier{key: key}
}

// Verify parses and validates the token, returning the subject username.
func (v *Verifier) Verify(credential string) (string, error) {
	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.key, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidCredential)
	}
	return claims.Subject, nil
}

// Mint signs a development token for username, valid for ttl. Production
// tokens come from the external identity collaborator; this exists for the
// `fieldline token` command and tests.
func (v *Verifier) Mint(username string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.key)
}
