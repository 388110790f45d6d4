package errx

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindForbidden         Kind = "FORBIDDEN"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindUpstreamFailure   Kind = "UPSTREAM_FAILURE"
	KindInvalidTransition Kind = "INVALID_TRANSITION"
	KindUnauthenticated   Kind = "UNAUTHENTICATED"
	KindRateLimited       Kind = "RATE_LIMITED"
	KindUnavailable       Kind = "FAILED_PRECONDITION"
	KindTimeout           Kind = "TIMEOUT"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// Error is the typed failure returned by the domain services. Kind is the
// stable machine-readable code surfaced to callers.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// WithDetail adds a single detail and returns e.
func (e *Error) WithDetail(key, value string) *Error {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func Validation(message string) *Error { return New(KindValidation, message) }

func Forbidden(message string) *Error {
	if message == "" {
		message = "access denied"
	}
	return New(KindForbidden, message)
}

func NotFound(resource, id string) *Error {
	e := New(KindNotFound, resource+" not found")
	if id != "" {
		e.WithDetail("id", id)
	}
	return e
}

func Conflict(message string) *Error { return New(KindConflict, message) }

func InvalidTransition(from, to string) *Error {
	return New(KindInvalidTransition, fmt.Sprintf("cannot move from %s to %s", from, to)).
		WithDetail("from", from).
		WithDetail("to", to)
}

func Upstream(service string, err error) *Error {
	return Wrap(KindUpstreamFailure, service+" unavailable", err).WithDetail("service", service)
}

func Internal(err error) *Error {
	return Wrap(KindInternal, "an internal error occurred", err)
}

// KindOf reports the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict, KindInvalidTransition:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
