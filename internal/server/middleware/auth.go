package middleware

import (
	"net/http"
	"strings"

	"github.com/watthour/gridmarket/internal/auth"
)

// AdminAuth returns middleware that gates the admin surface behind the
// operator credential, presented as a Bearer token or X-Admin-Key header and
// checked against the configured bcrypt hash.
func AdminAuth(verifier *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := extractToken(r)
			if token == "" {
				writeUnauthorized(w, "missing admin credential")
				return
			}
			if err := verifier.VerifyAdmin(token); err != nil {
				writeUnauthorized(w, "invalid admin credential")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken looks for a credential in the Authorization header (Bearer
// scheme) or in the X-Admin-Key header.
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		parts := strings.SplitN(auth, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if key := r.Header.Get("X-Admin-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	return ""
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	w.Write([]byte(`{"error":"` + msg + `"}`))
}
