// ABOUTME: Bearer token authentication middleware for the /api routes.
// ABOUTME: Webhook ingress is not covered; each webhook trigger carries its own credential.
package web

import (
	"crypto/subtle"
	"net/http"
)

// tokenAuth rejects requests whose Authorization header does not carry the
// expected bearer token. The comparison runs in constant time.
func tokenAuth(token string) func(http.Handler) http.Handler {
	expected := []byte("Bearer " + token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(r.Header.Get("Authorization"))
			if subtle.ConstantTimeCompare(got, expected) == 1 {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", `Bearer realm="flowline"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
		})
	}
}
