package sandbox

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MintRuntimeToken signs a short-lived bearer token scoped to one
// sandbox instance. The daemon inside the container validates it with
// the same shared secret, so a token for one sandbox cannot be replayed
// against another.
func MintRuntimeToken(secret, sandboxID string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", nil
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   sandboxID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		Issuer:    "runbox",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign runtime token: %w", err)
	}
	return signed, nil
}

// VerifyRuntimeToken checks the signature and expiry of a runtime token
// and returns the sandbox id it was minted for.
func VerifyRuntimeToken(secret, tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return "", fmt.Errorf("parse runtime token: %w", err)
	}
	return claims.Subject, nil
}
