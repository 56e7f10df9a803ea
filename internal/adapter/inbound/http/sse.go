package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// eventStream serves the dashboard's live event feed as SSE. Rather than
// holding a bus subscription per browser tab, it polls the ring at the
// configured interval and emits everything newer than its watermark, so a
// tab that lags simply catches up on the next poll.
func (d *Dashboard) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sessionFilter := sessionParam(r)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	d.metrics.SSESubscribers.Inc()
	defer d.metrics.SSESubscribers.Dec()

	ticker := time.NewTicker(d.proxy.Cfg.Server.SSEPollInterval)
	defer ticker.Stop()

	watermark := time.Now().UTC()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			for _, evt := range d.proxy.Bus.Recent(sessionFilter, 0) {
				if !evt.Timestamp.After(watermark) {
					continue
				}
				watermark = evt.Timestamp
				payload, err := json.Marshal(evt)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: update\ndata: %s\n\n", payload)
			}
			flusher.Flush()
		}
	}
}
