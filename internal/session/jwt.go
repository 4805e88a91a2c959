package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenExpiresAt returns the expiry encoded in a JWT credential, if the
// token is a JWT and carries one. Opaque tokens report no expiry and
// are restored optimistically.
func tokenExpiresAt(token string) (time.Time, bool) {
	parser := jwt.NewParser()
	claims := jwt.RegisteredClaims{}
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// tokenExpired reports whether a stored credential is certainly stale.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := tokenExpiresAt(token)
	return ok && now.After(exp)
}
