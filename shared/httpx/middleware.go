package httpx

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"field-service-dispatch-system/shared/errx"
	"field-service-dispatch-system/shared/logx"
)

const maxRequestIDLen = 128

// WithRequestID accepts a caller supplied X-Request-ID when it is short and
// printable, otherwise it issues a new one.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(logx.WithRequestID(r.Context(), requestID)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		if c < 0x21 || c > 0x7e {
			return false
		}
	}
	return true
}

// RequestIDFromContext returns the id set by WithRequestID. Loggers add it
// to every record on their own.
func RequestIDFromContext(ctx context.Context) string {
	return logx.RequestID(ctx)
}

func WithRecover(l logx.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("error_code", string(errx.KindInternal)),
				slog.Any("error", rec),
			}
			if !strings.EqualFold(l.Env(), "prod") {
				attrs = append(attrs, slog.String("stack", string(debug.Stack())))
			}
			l.Error(r.Context(), "panic", "panic recovered", attrs...)
			WriteError(w, r, errx.KindInternal, "internal server error", nil)
		}()
		next.ServeHTTP(w, r)
	})
}

type RequestLogOptions struct {
	SkipPaths map[string]bool
	// Attrs adds caller-specific attributes such as the actor id.
	Attrs func(r *http.Request) []slog.Attr
}

func WithRequestLog(l logx.Logger, opts RequestLogOptions, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.SkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)

		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status_code", sw.status),
			slog.Int64("bytes", sw.bytes),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("client_ip", ClientIP(r)),
		}
		if opts.Attrs != nil {
			attrs = append(attrs, opts.Attrs(r)...)
		}
		switch {
		case sw.status >= http.StatusInternalServerError:
			l.Error(r.Context(), "http_request", "http request", attrs...)
		case sw.status >= http.StatusBadRequest:
			l.Warn(r.Context(), "http_request", "http request", attrs...)
		default:
			l.Info(r.Context(), "http_request", "http request", attrs...)
		}
	})
}

// WithTimeout buffers the handler's response and replaces it with a TIMEOUT
// envelope when the deadline passes first. Writes after the deadline are
// discarded.
func WithTimeout(timeout time.Duration, next http.Handler) http.Handler {
	if timeout <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		bw := &bufferedWriter{header: make(http.Header), status: http.StatusOK}
		done := make(chan struct{})
		panicked := make(chan any, 1)
		go func() {
			defer func() {
				if rec := recover(); rec != nil {
					panicked <- rec
				}
			}()
			next.ServeHTTP(bw, r.WithContext(ctx))
			close(done)
		}()

		select {
		case rec := <-panicked:
			panic(rec)
		case <-done:
			bw.flushTo(w)
		case <-ctx.Done():
			bw.abandon()
			WriteError(w, r, errx.KindTimeout, "request timeout", nil)
		}
	})
}

// WrapServeMux serves routes registered on mux and hands everything else to
// next.
func WrapServeMux(mux *http.ServeMux, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h, pattern := mux.Handler(r); pattern != "" {
			h.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *statusWriter) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += int64(n)
	return n, err
}

type bufferedWriter struct {
	mu        sync.Mutex
	header    http.Header
	status    int
	body      bytes.Buffer
	abandoned bool
}

func (w *bufferedWriter) Header() http.Header { return w.header }

func (w *bufferedWriter) WriteHeader(status int) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abandoned {
		return 0, http.ErrHandlerTimeout
	}
	return w.body.Write(p)
}

func (w *bufferedWriter) abandon() {
	w.mu.Lock()
	w.abandoned = true
	w.mu.Unlock()
}

func (w *bufferedWriter) flushTo(dst http.ResponseWriter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for k, v := range w.header {
		dst.Header()[k] = v
	}
	dst.WriteHeader(w.status)
	_, _ = dst.Write(w.body.Bytes())
}
