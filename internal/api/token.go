package api

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpired reports whether token is a JWT whose exp claim is at or before
// now. The signature is not checked; the backend remains the authority.
// Opaque (non-JWT) tokens and JWTs without exp never expire client-side.
func TokenExpired(token string, now time.Time) bool {
	token = strings.TrimSpace(token)
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}
