package http

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the HTTP front.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RejectedTotal    *prometheus.CounterVec
	BackendsGauge    prometheus.GaugeFunc
	BufferedGauge    prometheus.GaugeFunc
	SessionsGauge    prometheus.GaugeFunc
	EventsDropped    prometheus.CounterFunc
	ForwardsTotal    *prometheus.CounterVec
	SSESubscribers   prometheus.Gauge
}

// NewMetrics registers the proxy's instruments on reg.
// The gauges sample live registry state through the supplied callbacks.
func NewMetrics(reg prometheus.Registerer, backends, buffered, sessions func() float64, dropped func() float64) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprepl",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mcprepl",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		RejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprepl",
			Name:      "security_rejected_total",
			Help:      "Requests rejected by the security gate, by reason.",
		}, []string{"reason"}),
		ForwardsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mcprepl",
			Name:      "forwards_total",
			Help:      "Requests forwarded to backends, by outcome.",
		}, []string{"outcome"}),
		SSESubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mcprepl",
			Name:      "sse_subscribers",
			Help:      "Open dashboard event streams.",
		}),
		BackendsGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcprepl",
			Name:      "backends",
			Help:      "Registered backend sessions.",
		}, backends),
		BufferedGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcprepl",
			Name:      "buffered_requests",
			Help:      "Requests buffered awaiting backend recovery.",
		}, buffered),
		SessionsGauge: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "mcprepl",
			Name:      "client_sessions",
			Help:      "Open MCP client sessions.",
		}, sessions),
		EventsDropped: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "mcprepl",
			Name:      "events_dropped_total",
			Help:      "Events dropped on slow subscriber mailboxes.",
		}, dropped),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RejectedTotal,
		m.ForwardsTotal,
		m.SSESubscribers,
		m.BackendsGauge,
		m.BufferedGauge,
		m.SessionsGauge,
		m.EventsDropped,
	)
	return m
}
