package middleware

import (
	"net/http"

	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

// DBRequiredMiddleware rejects requests while the database pool could not be
// created, so handlers never see a nil repository.
type DBRequiredMiddleware struct {
	Available bool
	Skip      func(*http.Request) bool
}

func (m DBRequiredMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if !m.Available {
			httpx.WriteError(w, r, errx.KindUnavailable, "database not configured", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
