package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// openPaths are reachable without credentials so liveness probes and
// metric scrapers keep working when a token is configured.
var openPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// requireBearer wraps next with Bearer token authentication. An empty
// token disables the check entirely.
func requireBearer(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}

	want := []byte(token)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, open := openPaths[r.URL.Path]; open {
			next.ServeHTTP(w, r)
			return
		}

		provided, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(provided), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}
