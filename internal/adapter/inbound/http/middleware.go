package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mcprepl/mcprepl/pkg/mcp"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// RequestIDFromContext returns the request id set by RequestIDMiddleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// RequestIDMiddleware honors an inbound X-Request-Id header or generates a
// UUID, stores it on the context, and echoes it on the response.
func RequestIDMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			ctx := context.WithValue(r.Context(), requestIDKey, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the status code for metrics. Write before
// WriteHeader implies 200, same as net/http.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	if sr.status == 0 {
		sr.status = status
	}
	sr.ResponseWriter.WriteHeader(status)
}

func (sr *statusRecorder) Write(p []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(p)
}

// Flush keeps the recorder transparent for streaming responses.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// RecoverMiddleware turns a handler panic into a JSON-RPC internal error
// instead of a dropped connection. http.ErrAbortHandler passes through so
// deliberate aborts keep their net/http semantics.
func RecoverMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("handler panic",
					"panic", rec,
					"method", r.Method,
					"request_id", RequestIDFromContext(r.Context()),
				)
				writeError(w, http.StatusInternalServerError, nil, mcp.CodeInternalError,
					fmt.Sprintf("internal error: %v", rec), nil)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// MetricsMiddleware records request counts and durations.
func MetricsMiddleware(m *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r)
			if rec.status == 0 {
				rec.status = http.StatusOK
			}
			m.RequestsTotal.With(prometheus.Labels{
				"method": r.Method,
				"status": strconv.Itoa(rec.status),
			}).Inc()
			m.RequestDuration.With(prometheus.Labels{"method": r.Method}).
				Observe(time.Since(start).Seconds())
		})
	}
}
