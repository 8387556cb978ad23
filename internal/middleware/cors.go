// Package middleware provides HTTP middleware for the recon API.
package middleware

import "net/http"

// CORS answers cross-origin requests from the configured origins. "*"
// admits any origin; credentials are only allowed for origins named
// explicitly, since echoing an arbitrary origin with credentials enables CSRF.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	wildcard := false
	named := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			wildcard = true
			continue
		}
		named[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" {
				_, explicit := named[origin]
				if explicit || wildcard {
					h := w.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
					h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
					h.Set("Access-Control-Expose-Headers", "X-Request-ID")
					h.Add("Vary", "Origin")
					if explicit {
						h.Set("Access-Control-Allow-Credentials", "true")
					}
				}
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
