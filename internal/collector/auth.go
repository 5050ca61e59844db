package collector

import (
	"crypto/subtle"
	"strings"
)

const (
	msgInvalidFormat = "Invalid token format"
	msgInvalidToken  = "Invalid authorization token"
)

// checkBearer validates an Authorization header against the shared token and
// returns the rejection message, or "" when the caller is authenticated.
// The token is the second space-separated field, so "Bearer tok extra"
// authenticates as "tok".
func checkBearer(header, token string) string {
	if !strings.HasPrefix(header, "Bearer ") {
		return msgInvalidFormat
	}

	parts := strings.SplitN(header, " ", 3)
	if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
		return msgInvalidToken
	}
	return ""
}
