package middleware

import (
	"net/http"
	"strings"

	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/httpx"
)

type AuthMiddleware struct {
	Verifier authx.Verifier
	Skip     func(*http.Request) bool
}

func (m AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		if m.Verifier == nil {
			httpx.WriteError(w, r, errx.KindUnavailable, "auth verifier not configured", nil)
			return
		}

		authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
			httpx.WriteError(w, r, errx.KindUnauthenticated, "missing bearer token", nil)
			return
		}
		token := strings.TrimSpace(authHeader[len("bearer "):])
		auth, err := m.Verifier.Verify(r.Context(), token)
		if err != nil {
			httpx.WriteError(w, r, errx.KindUnauthenticated, "invalid token", nil)
			return
		}
		if auth.WorkerID == "" {
			httpx.WriteError(w, r, errx.KindUnauthenticated, "token carries no worker identity", nil)
			return
		}

		noteActor(r.Context(), auth)
		next.ServeHTTP(w, r.WithContext(authx.WithAuth(r.Context(), auth)))
	})
}
