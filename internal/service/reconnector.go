package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/mcprepl/mcprepl/internal/domain/event"
	"github.com/mcprepl/mcprepl/pkg/mcp"
)

const (
	// probeInterval is the fixed delay between reconnection probes.
	probeInterval = time.Second
	// probeLimit bounds the number of probes per reconnection attempt.
	probeLimit = 30
	// probeTimeout bounds a single ping round trip.
	probeTimeout = 2 * time.Second
)

// Reconnector probes a disconnected backend until it answers a ping or the
// probe budget runs out. At most one reconnector runs per backend; the
// registry's reconnecting guard enforces that.
type Reconnector struct {
	proxy  *Proxy
	client *http.Client
	logger *slog.Logger
}

// NewReconnector creates a reconnector sharing the proxy's configuration.
func NewReconnector(p *Proxy, logger *slog.Logger) *Reconnector {
	return &Reconnector{
		proxy:  p,
		client: &http.Client{Timeout: probeTimeout},
		logger: logger,
	}
}

// Run probes the backend until success or exhaustion. On success the backend
// is promoted to ready and its buffered requests are flushed; on exhaustion
// the queue is drained with a timeout error and the backend drops back to
// disconnected so a later heartbeat can still revive it.
func (rc *Reconnector) Run(backendID string) {
	defer rc.proxy.Registry.ReconnectorDone(backendID)

	rc.logger.Info("reconnector started", "backend", backendID)

	op := func() (struct{}, error) {
		snap, ok := rc.proxy.Registry.Get(backendID)
		if !ok {
			return struct{}{}, backoff.Permanent(fmt.Errorf("backend %q no longer registered", backendID))
		}
		if err := rc.ping(snap.Port); err != nil {
			rc.logger.Debug("reconnect probe failed", "backend", backendID, "error", err)
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(context.Background(), op,
		backoff.WithBackOff(backoff.NewConstantBackOff(probeInterval)),
		backoff.WithMaxTries(probeLimit),
	)
	if err != nil {
		rc.abandon(backendID, err)
		return
	}

	tr, err := rc.proxy.Registry.PromoteReady(backendID)
	if err != nil {
		rc.logger.Warn("backend vanished after successful probe", "backend", backendID, "error", err)
		return
	}
	rc.logger.Info("backend reconnected", "backend", backendID, "flushing", len(tr.Flush))
	rc.proxy.Bus.Publish(event.Event{
		SessionID: backendID,
		Type:      event.TypeHeartbeat,
		Payload:   map[string]any{"reconnected": true, "flushed": len(tr.Flush)},
	})
	rc.proxy.Router.Flush(tr.Snapshot, tr.Flush)
}

// ping sends a JSON-RPC ping to the backend and requires any well-formed
// HTTP response, successful or not: a listening process is a live process.
func (rc *Reconnector) ping(port int) error {
	body := []byte(`{"jsonrpc":"2.0","id":"reconnect-probe","method":"ping"}`)
	url := fmt.Sprintf("http://127.0.0.1:%d/", port)

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.client.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()
	return nil
}

// abandon drains the buffered queue with a timeout error.
func (rc *Reconnector) abandon(backendID string, cause error) {
	rc.logger.Warn("reconnection abandoned", "backend", backendID, "error", cause)

	tr, err := rc.proxy.Registry.AbandonReconnect(backendID)
	if err != nil {
		return
	}
	rc.proxy.Bus.Publish(event.Event{
		SessionID: backendID,
		Type:      event.TypeError,
		Payload:   map[string]any{"error": "reconnection timeout", "drained": len(tr.Drained)},
	})
	rc.proxy.Router.DrainWithError(tr.Drained, mcp.CodeBackendUnavailable,
		fmt.Sprintf("reconnection timeout: REPL %q did not answer after %d probes", backendID, probeLimit))
}
