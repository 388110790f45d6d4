package clients

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"field-service-dispatch-system/shared/logx"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

// StatusError is returned for non-2xx collaborator responses.
type StatusError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Service, e.StatusCode, e.Body)
}

// Retryable reports whether the failure is on the collaborator's side.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError || e.StatusCode == http.StatusTooManyRequests
}

// NewBreaker trips after five consecutive failures, or when at least half of
// ten or more requests in the interval failed. Client-side (4xx) errors do not
// count as failures.
func NewBreaker(name string, logger logx.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 5 {
				return true
			}
			if counts.Requests >= 10 {
				return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
			}
			return false
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var se *StatusError
			if errors.As(err, &se) {
				return !se.Retryable()
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "circuit_state_changed", "circuit breaker state changed",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Execute runs fn through cb and maps the breaker's own rejections to
// ErrCircuitOpen.
func Execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (any, error) {
		v, err := fn()
		return v, err
	})
	var zero T
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return zero, fmt.Errorf("%s: %w", cb.Name(), ErrCircuitOpen)
	}
	if err != nil {
		return zero, err
	}
	v, _ := out.(T)
	return v, nil
}
