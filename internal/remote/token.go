package remote

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ExpiryFunc extracts a token's expiry. ok is false when the token carries
// none, in which case it is never considered near expiry.
type ExpiryFunc func(token string) (exp time.Time, ok bool)

// JWTExpiry reads the exp claim of a JWT. The signature is not checked; the
// server does that.
func JWTExpiry(token string) (time.Time, bool) {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
