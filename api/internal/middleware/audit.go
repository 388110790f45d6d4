package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"field-service-dispatch-system/api/internal/models"
	"field-service-dispatch-system/shared/authx"
	"field-service-dispatch-system/shared/httpx"
	"field-service-dispatch-system/shared/logx"
)

type AuditWriter interface {
	WriteAuditLog(ctx context.Context, entries []models.AuditLog) error
}

// AuditMiddleware records mutating requests and failed authentications. It
// must wrap AuthMiddleware to see rejected tokens; the verified caller is
// handed back through an actor slot on the context. The write happens off
// the request path.
type AuditMiddleware struct {
	Enabled bool
	Repo    AuditWriter
	Logger  logx.Logger
	Skip    func(*http.Request) bool
	Timeout time.Duration
	// Sync writes inline; tests use it.
	Sync bool
}

func (m AuditMiddleware) Wrap(next http.Handler) http.Handler {
	if !m.Enabled || m.Repo == nil {
		return next
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		slot := &actorSlot{}
		lrw := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(lrw, r.WithContext(context.WithValue(r.Context(), actorSlotKey{}, slot)))

		if !shouldAudit(r, lrw.statusCode) {
			return
		}

		resourceType, resourceID := resourceFromPath(r.URL.Path)
		entry := models.AuditLog{
			OccurredAt:   time.Now().UTC(),
			Action:       actionForRequest(r, lrw.statusCode),
			ResourceType: resourceType,
			ResourceID:   resourceID,
			RequestID:    httpx.RequestIDFromContext(r.Context()),
			Method:       r.Method,
			Path:         r.URL.Path,
			StatusCode:   lrw.statusCode,
			DurationMS:   time.Since(start).Milliseconds(),
			ClientIP:     httpx.ClientIP(r),
			UserAgent:    strings.TrimSpace(r.UserAgent()),
		}
		details := map[string]any{"status_code": lrw.statusCode}
		if auth, ok := slot.get(r.Context()); ok {
			entry.ActorID = auth.WorkerID
			details["subject"] = auth.Subject
		}
		entry.Details, _ = json.Marshal(details)

		write := func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			if err := m.Repo.WriteAuditLog(ctx, []models.AuditLog{entry}); err != nil {
				m.Logger.Warn(ctx, "audit_write_failed", "audit write failed",
					slog.String("error_code", "INTERNAL_ERROR"),
					slog.String("error", err.Error()),
				)
			}
		}
		if m.Sync {
			write()
			return
		}
		go write()
	})
}

type actorSlotKey struct{}

type actorSlot struct {
	auth *authx.AuthContext
}

func (s *actorSlot) get(ctx context.Context) (authx.AuthContext, bool) {
	if s.auth != nil {
		return *s.auth, true
	}
	return authx.FromContext(ctx)
}

// noteActor fills the enclosing audit slot, if any.
func noteActor(ctx context.Context, auth authx.AuthContext) {
	if slot, ok := ctx.Value(actorSlotKey{}).(*actorSlot); ok {
		slot.auth = &auth
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func shouldAudit(r *http.Request, statusCode int) bool {
	if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
		return true
	}
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	// Reports expose every worker's earnings.
	return strings.HasPrefix(r.URL.Path, "/api/v1/reports")
}

func actionForRequest(r *http.Request, statusCode int) string {
	switch {
	case statusCode == http.StatusUnauthorized:
		return "auth_failed"
	case statusCode == http.StatusForbidden:
		return "access_denied"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	}
	path := r.URL.Path
	switch {
	case strings.HasSuffix(path, "/check-in"):
		return "check_in"
	case strings.HasSuffix(path, "/check-out"):
		return "check_out"
	case strings.HasSuffix(path, "/comments"):
		return "comment"
	case strings.HasSuffix(path, "/payment"):
		return "payment_edit"
	case strings.HasSuffix(path, "/expected-revenue"):
		return "expected_revenue_edit"
	case strings.Contains(path, "/attachments/"):
		return "attachment_delete"
	case strings.HasPrefix(path, "/api/v1/reports"):
		return "report_read"
	}
	return strings.ToLower(r.Method)
}

// resourceFromPath maps /api/v1/{resource}/{id}/... to its type and id.
func resourceFromPath(path string) (*string, *string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 3 || parts[0] != "api" || parts[1] != "v1" {
		return nil, nil
	}
	resource := parts[2]
	switch resource {
	case "tasks", "events", "reports":
	default:
		return nil, nil
	}
	var id *string
	if len(parts) >= 4 && resource == "tasks" {
		if val := strings.TrimSpace(parts[3]); val != "" {
			id = &val
		}
	}
	return &resource, id
}
