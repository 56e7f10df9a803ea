package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcprepl/mcprepl/internal/domain/backend"
)

// HeartbeatMonitor demotes backends whose heartbeats have gone silent.
// It runs one sweep per tick; demoted backends get a reconnector so buffered
// requests (and the next forward) find a recovery already in progress.
type HeartbeatMonitor struct {
	proxy  *Proxy
	logger *slog.Logger
}

// NewHeartbeatMonitor creates the monitor.
func NewHeartbeatMonitor(p *Proxy, logger *slog.Logger) *HeartbeatMonitor {
	return &HeartbeatMonitor{proxy: p, logger: logger}
}

// Run sweeps until ctx is cancelled.
func (hm *HeartbeatMonitor) Run(ctx context.Context) {
	interval := hm.proxy.Cfg.Server.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hm.sweep()
		}
	}
}

// sweep demotes every ready backend whose last heartbeat is older than the
// configured timeout.
func (hm *HeartbeatMonitor) sweep() {
	staleBefore := time.Now().UTC().Add(-hm.proxy.Cfg.Server.HeartbeatTimeout)

	for _, snap := range hm.proxy.Registry.List() {
		if snap.Status != backend.StatusReady {
			continue
		}
		demoted, ok := hm.proxy.Registry.DemoteIfStale(snap.ID, staleBefore)
		if !ok {
			continue
		}
		hm.logger.Warn("backend heartbeat timeout",
			"backend", demoted.ID,
			"last_heartbeat", demoted.LastHeartbeat,
			"missed", demoted.MissedHeartbeats,
		)
		if hm.proxy.Registry.TryAcquireReconnector(demoted.ID) {
			go NewReconnector(hm.proxy, hm.logger).Run(demoted.ID)
		}
	}
}
