// Package httpx renders the JSON error envelope and holds the HTTP
// middleware shared by the services.
package httpx

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
)

type ErrorEnvelope struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	RequestID string            `json:"request_id"`
	Details   map[string]string `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteError writes the envelope with the status mapped from kind.
func WriteError(w http.ResponseWriter, r *http.Request, kind errx.Kind, message string, details map[string]string) {
	WriteJSON(w, errx.HTTPStatus(kind), ErrorEnvelope{
		Error: ErrorBody{
			Code:      string(kind),
			Message:   message,
			RequestID: RequestIDFromContext(r.Context()),
			Details:   details,
		},
	})
}

// WriteAppError renders err in the error envelope. Errors without a kind are
// logged and reported as INTERNAL_ERROR with a generic message.
func WriteAppError(w http.ResponseWriter, r *http.Request, l logx.Logger, err error) {
	var appErr *errx.Error
	if !errors.As(err, &appErr) {
		appErr = errx.Internal(err)
	}
	if errx.HTTPStatus(appErr.Kind) >= http.StatusInternalServerError {
		l.Error(r.Context(), "request_failed", appErr.Message,
			slog.String("error_code", string(appErr.Kind)),
			slog.String("error", err.Error()),
		)
	}
	message := appErr.Message
	if appErr.Kind == errx.KindInternal {
		message = "internal server error"
	}
	WriteError(w, r, appErr.Kind, message, appErr.Details)
}

// ClientIP returns the first forwarded address, falling back to the peer.
func ClientIP(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		first, _, _ := strings.Cut(v, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if v := strings.TrimSpace(r.Header.Get("X-Real-IP")); v != "" {
		return v
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
