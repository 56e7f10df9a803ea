package service

import (
	"context"
	"testing"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
)

func TestSweepDemotesStaleBackend(t *testing.T) {
	p := newTestProxy(t)
	p.Cfg.Server.HeartbeatTimeout = time.Millisecond

	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}
	// Claim the reconnector slot so the sweep does not spawn a real prober.
	if !p.Registry.TryAcquireReconnector("julia-a") {
		t.Fatal("could not claim reconnector slot")
	}

	time.Sleep(10 * time.Millisecond)
	NewHeartbeatMonitor(p, p.logger).sweep()

	snap, _ := p.Registry.Get("julia-a")
	if snap.Status != backend.StatusDisconnected {
		t.Errorf("status = %s, want disconnected", snap.Status)
	}
	if snap.MissedHeartbeats != 1 {
		t.Errorf("missed = %d, want 1", snap.MissedHeartbeats)
	}
	if snap.LastError != "heartbeat timeout" {
		t.Errorf("last error = %q", snap.LastError)
	}
}

func TestSweepLeavesFreshBackendAlone(t *testing.T) {
	p := newTestProxy(t)

	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}
	NewHeartbeatMonitor(p, p.logger).sweep()

	snap, _ := p.Registry.Get("julia-a")
	if snap.Status != backend.StatusReady {
		t.Errorf("fresh backend demoted to %s", snap.Status)
	}
}

func TestSweepIgnoresNonReadyBackends(t *testing.T) {
	p := newTestProxy(t)
	p.Cfg.Server.HeartbeatTimeout = time.Millisecond

	if _, err := p.Register("julia-a", 9001, 11, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := p.Registry.ForwardFailed("julia-a", "connection refused", time.Hour); err != nil {
		t.Fatal(err)
	}

	time.Sleep(10 * time.Millisecond)
	NewHeartbeatMonitor(p, p.logger).sweep()

	snap, _ := p.Registry.Get("julia-a")
	if snap.MissedHeartbeats != 1 {
		t.Errorf("sweep touched a disconnected backend: missed = %d", snap.MissedHeartbeats)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	p := newTestProxy(t)
	p.Cfg.Server.HeartbeatInterval = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewHeartbeatMonitor(p, p.logger).Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancellation")
	}
}
