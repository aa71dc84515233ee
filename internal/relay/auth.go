package relay

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned when a presented token does not match.
var ErrUnauthorized = errors.New("invalid token")

// AuthGate decides whether a presented credential grants access.
type AuthGate struct {
	secret []byte
}

// NewAuthGate creates a gate for the shared secret.
func NewAuthGate(secret string) *AuthGate {
	return &AuthGate{secret: []byte(secret)}
}

// Authenticate reports whether presented equals the configured secret.
// Empty tokens never pass, even against an empty secret.
func (g *AuthGate) Authenticate(presented string) bool {
	if presented == "" || len(g.secret) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), g.secret) == 1
}

// TokenFromRequest extracts the token from the query string or, failing
// that, from an Authorization: Bearer header.
func TokenFromRequest(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
