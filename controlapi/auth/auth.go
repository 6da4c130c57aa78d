// Package auth handles the Control API's operator authentication: JWT
// issuance/validation and password hashing, in the same shape as this
// codebase's inherited backend auth package.
package auth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// accessTokenTTL is configurable via ACCESS_TOKEN_TTL env var (e.g. "1h", "30m").
// Defaults to 1 hour.
var accessTokenTTL = func() time.Duration {
	if s := os.Getenv("ACCESS_TOKEN_TTL"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return time.Hour
}()

// Claims is the JWT payload. The Control API has no multi-tenant user
// store (§1 Non-goals exclude account management); a token carries only the
// operator's role. Login issues "admin" tokens, and the only routes that
// check the role are the config routes, which require "admin"; stream and
// recording routes accept any valid token.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// IssueAccessToken creates a signed HS256 JWT for the given operator role.
func IssueAccessToken(secret []byte, subject, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
		},
		Role: role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// ParseAccessToken validates the token signature and expiry, returning the claims.
func ParseAccessToken(secret []byte, raw string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("token expired")
		}
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// HashPassword returns a bcrypt hash of the password.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// CheckPassword reports whether password matches the bcrypt hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
