// Package http provides the HTTP front of the proxy: the MCP endpoint,
// the dashboard UI and API, and the metrics and health endpoints.
package http

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mcprepl/mcprepl/internal/domain/security"
	"github.com/mcprepl/mcprepl/internal/port/inbound"
	"github.com/mcprepl/mcprepl/internal/service"
)

// Transport is the inbound HTTP adapter. It binds the MCP endpoint at "/",
// the dashboard under /dashboard and /api, Prometheus metrics at /metrics,
// and a liveness probe at /health.
type Transport struct {
	proxy     *service.Proxy
	server    *http.Server
	logLevel  *slog.LevelVar
	version   string
	lifecycle func(action string)
	logger    *slog.Logger

	metrics *Metrics
}

// Option configures a Transport.
type Option func(*Transport)

// WithVersion sets the version string reported by initialize and the
// dashboard.
func WithVersion(v string) Option {
	return func(t *Transport) { t.version = v }
}

// WithLogLevel wires the dynamic log level controlled by logging/setLevel.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(t *Transport) { t.logLevel = lv }
}

// WithLifecycle wires the dashboard's proxy shutdown/restart actions.
func WithLifecycle(fn func(action string)) Option {
	return func(t *Transport) { t.lifecycle = fn }
}

// WithLogger sets the transport logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) { t.logger = logger }
}

// NewTransport creates the HTTP front for the given proxy.
func NewTransport(p *service.Proxy, opts ...Option) *Transport {
	t := &Transport{
		proxy:    p,
		logLevel: new(slog.LevelVar),
		version:  "dev",
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Start begins serving on the proxy's resolved port. It blocks until ctx is
// cancelled or the listener fails; a failed bind is returned immediately so
// the CLI can report it as a startup error.
func (t *Transport) Start(ctx context.Context) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(reg,
		func() float64 { return float64(len(t.proxy.Registry.List())) },
		func() float64 {
			n := 0
			for _, snap := range t.proxy.Registry.List() {
				n += snap.PendingCount
			}
			return float64(n)
		},
		func() float64 { return float64(t.proxy.Sessions.Len()) },
		func() float64 { return float64(t.proxy.Bus.Dropped()) },
	)

	gate := security.NewGate(&t.proxy.Cfg.Security)
	handler := NewHandler(t.proxy, gate, t.metrics, t.logLevel, t.version, t.logger)
	dashboard := NewDashboard(t.proxy, t.metrics, t.version, t.lifecycle, t.logger)

	var mcpHandler http.Handler = handler
	mcpHandler = RecoverMiddleware(t.logger)(mcpHandler)
	mcpHandler = RequestIDMiddleware(t.logger)(mcpHandler)
	mcpHandler = MetricsMiddleware(t.metrics)(mcpHandler)

	mux := http.NewServeMux()
	dashboard.Routes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"backends": len(t.proxy.Registry.List()),
		})
	})
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	mux.Handle("/", mcpHandler)

	t.server = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", t.proxy.Port),
		Handler: mux,
		// No WriteTimeout: buffered requests and SSE streams stay open
		// far longer than any fixed deadline.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		t.logger.Info("http server listening", "addr", t.server.Addr)
		if err := t.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("shutting down http server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// shutdown drains in-flight requests with a bounded grace period.
func (t *Transport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("http server shutdown error", "error", err)
		return err
	}
	t.logger.Info("http server shutdown complete")
	return nil
}

// Close shuts the transport down outside of Start's lifecycle.
func (t *Transport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}

var _ inbound.Transport = (*Transport)(nil)
