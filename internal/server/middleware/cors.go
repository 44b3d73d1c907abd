package middleware

import (
	"net/http"
	"strings"
)

// CORS answers cross-origin requests for the configured origins. An empty
// list means any origin is accepted, which suits a dashboard served from a
// separate host during development. Preflight requests are terminated here.
func CORS(origins []string) func(http.Handler) http.Handler {
	allowAll := len(origins) == 0
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if origin := r.Header.Get("Origin"); origin != "" && (allowAll || originAllowed(origins, origin)) {
				hdr := w.Header()
				hdr.Set("Access-Control-Allow-Origin", origin)
				hdr.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				hdr.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
				hdr.Set("Access-Control-Max-Age", "86400")
				hdr.Add("Vary", "Origin")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func originAllowed(origins []string, origin string) bool {
	for _, o := range origins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
