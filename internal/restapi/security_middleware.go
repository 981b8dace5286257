package restapi

import (
	"net/http"
)

// securityHeaders adds essential security headers to all HTTP responses.
// CORS is handled separately by the CORS middleware.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none';")

		// ETAs and live positions are stale the moment they are served.
		h.Set("Cache-Control", "no-store")

		next.ServeHTTP(w, r)
	})
}
