package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTTL applies when a non-positive TTL is requested.
const defaultTTL = 12 * time.Hour

// Claims are the JWT claims of an operator token.
type Claims struct {
	jwt.RegisteredClaims
	Role  Role   `json:"role"`
	Bench string `json:"bench,omitempty"`
}

// GenerateToken signs a token for subject. An empty bench makes the token
// valid on any bench sharing the secret.
func GenerateToken(subject string, role Role, bench, secret string, ttl time.Duration) (string, error) {
	if len(secret) < MinSecretLength {
		return "", fmt.Errorf("%w: need at least %d characters", ErrWeakSecret, MinSecretLength)
	}
	if !IsValidRole(role) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if subject == "" {
		return "", fmt.Errorf("%w: empty subject", ErrTokenInvalid)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Role:  role,
		Bench: bench,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken verifies the signature and expiry of tokenString. A token
// bound to a different bench is rejected when bench is non-empty.
func ParseToken(tokenString, secret, bench string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}
	if !IsValidRole(claims.Role) {
		return nil, fmt.Errorf("%w: role %q", ErrTokenInvalid, claims.Role)
	}
	if bench != "" && claims.Bench != "" && claims.Bench != bench {
		return nil, fmt.Errorf("%w: issued for bench %q", ErrTokenInvalid, claims.Bench)
	}
	return claims, nil
}
