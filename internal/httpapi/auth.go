package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware guards staff endpoints with a shared bearer token. Patient
// check-in, display surfaces, and health/metrics stay public. An empty token
// disables the guard for local development.
func AuthMiddleware(staffToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if staffToken == "" || isPublicEndpoint(r) {
			next.ServeHTTP(w, r)
			return
		}
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "missing token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(staffToken)) != 1 {
			writeError(w, requestIDFromRequest(r), http.StatusUnauthorized, "unauthorized", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.Fields(header)
	if len(parts) != 2 {
		return ""
	}
	if strings.ToLower(parts[0]) != "bearer" {
		return ""
	}
	return parts[1]
}

func isPublicEndpoint(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/metrics", "/api/display/board":
		return true
	case "/api/tickets":
		return r.Method == http.MethodPost
	}
	if strings.HasPrefix(r.URL.Path, "/display/") {
		return true
	}
	return r.Method == http.MethodOptions
}
