package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// AuthMiddleware validates Authorization: Bearer <key> against the
// configured keys. An empty key list disables auth.
func AuthMiddleware(apiKeys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(apiKeys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := ""
			if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				key = strings.TrimPrefix(auth, "Bearer ")
			}
			if key == "" {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
				return
			}

			for _, k := range apiKeys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing API key")
		})
	}
}
