package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	corsMethods = "GET, POST, PATCH, DELETE, OPTIONS"
	corsHeaders = "Authorization, Content-Type, X-Request-ID, Idempotency-Key"
)

// CORSMiddleware serves the browser console. An empty origin list allows any
// origin; "*" in the list does the same.
type CORSMiddleware struct {
	AllowedOrigins   []string
	AllowCredentials bool
	MaxAge           time.Duration
}

func (m CORSMiddleware) Wrap(next http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(m.AllowedOrigins))
	wildcard := len(m.AllowedOrigins) == 0
	for _, o := range m.AllowedOrigins {
		o = strings.ToLower(strings.TrimSpace(o))
		switch o {
		case "":
		case "*":
			wildcard = true
		default:
			allowed[o] = struct{}{}
		}
	}
	maxAge := ""
	if m.MaxAge > 0 {
		maxAge = strconv.Itoa(int(m.MaxAge.Seconds()))
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" {
			_, ok := allowed[strings.ToLower(origin)]
			switch {
			case ok, wildcard && m.AllowCredentials:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			case wildcard:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			}
			if m.AllowCredentials && w.Header().Get("Access-Control-Allow-Origin") != "" {
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
		}

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			if maxAge != "" {
				w.Header().Set("Access-Control-Max-Age", maxAge)
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
