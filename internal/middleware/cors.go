// Package middleware provides HTTP middleware for the dev backend.
package middleware

import "net/http"

// CORS returns middleware admitting browser requests from the configured
// frontend origin. In development any origin is echoed back; credentials are
// only ever granted to the explicit frontend origin.
func CORS(frontendOrigin string, dev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case origin == "":
				// Same-origin or non-browser request.
			case origin == frontendOrigin:
				allowOrigin(w.Header(), origin)
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			case dev:
				allowOrigin(w.Header(), origin)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func allowOrigin(h http.Header, origin string) {
	h.Set("Access-Control-Allow-Origin", origin)
	// PATCH covers topic renames and message edits.
	h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type")
	h.Set("Access-Control-Max-Age", "300")
}
