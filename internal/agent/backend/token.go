package backend

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew renews tokens slightly before the backend would reject them.
const expirySkew = 30 * time.Second

// tokenExpiry reads the exp claim without verifying the signature. The agent
// only needs to know when to re-login; the backend does the verification.
func tokenExpiry(token string) (time.Time, bool) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// tokenExpired reports whether token is expired (or about to be) at now.
// Opaque tokens without a readable exp claim never expire locally.
func tokenExpired(token string, now time.Time) bool {
	exp, ok := tokenExpiry(token)
	if !ok {
		return false
	}
	return !now.Add(expirySkew).Before(exp)
}
