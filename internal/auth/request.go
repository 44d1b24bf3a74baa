package auth

import (
	"net/http"
	"strings"
)

// CookieName is the cookie that carries the token issued at login.
const CookieName = "token"

// TokenFromRequest reads the token cookie, falling back to a bearer
// Authorization header.
func TokenFromRequest(r *http.Request) string {
	if cookie, err := r.Cookie(CookieName); err == nil && cookie.Value != "" {
		return cookie.Value
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
