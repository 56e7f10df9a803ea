package http

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRequestIDMiddleware(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var seen string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
	})
	handler := RequestIDMiddleware(logger)(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen != "req-123" || rec.Header().Get("X-Request-Id") != "req-123" {
		t.Errorf("inbound id not honored: ctx=%q echo=%q", seen, rec.Header().Get("X-Request-Id"))
	}

	req = httptest.NewRequest(http.MethodPost, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if seen == "" || rec.Header().Get("X-Request-Id") != seen {
		t.Errorf("no id generated: ctx=%q echo=%q", seen, rec.Header().Get("X-Request-Id"))
	}
}

func TestRecoverMiddlewareTurnsPanicIntoInternalError(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})
	handler := RecoverMiddleware(logger)(inner)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"code":-32603`) || !strings.Contains(body, "boom") {
		t.Errorf("body = %s", body)
	}
}

func TestRecoverMiddlewareRethrowsAbort(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})
	handler := RecoverMiddleware(logger)(inner)

	defer func() {
		if recover() != http.ErrAbortHandler {
			t.Error("ErrAbortHandler was swallowed")
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/", nil))
}
