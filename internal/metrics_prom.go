package internal

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"statusboard/internal/presence"
)

const metricsNamespace = "statusboard"

// newPrometheusHandler exposes the same counters as the JSON endpoint in the
// Prometheus text format. Each server gets its own registry.
func newPrometheusHandler(s *Server) http.Handler {
	m := s.metrics
	counter := func(name, help string, load func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: metricsNamespace, Name: name, Help: help}, load)
	}
	gauge := func(name, help string, load func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: metricsNamespace, Name: name, Help: help}, load)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		counter("signups_total", "Accounts created.", func() float64 { return float64(m.signups.Load()) }),
		counter("logins_total", "Session tokens issued.", func() float64 { return float64(m.logins.Load()) }),
		counter("presence_events_total", "Presence transitions published.", func() float64 { return float64(m.presenceEvents.Load()) }),
		counter("frames_sent_total", "Websocket frames written to observers.", func() float64 { return float64(m.framesSent.Load()) }),
		counter("dropped_subscribers_total", "Observers disconnected for falling behind.", func() float64 { return float64(s.hub.Dropped()) }),
		gauge("active_connections", "Open websocket connections.", func() float64 { return float64(m.activeConns.Load()) }),
		gauge("registered_connections", "Connections known to the registry.", func() float64 { return float64(s.registry.Connections()) }),
		gauge("presence_subscribers", "Queues subscribed to presence events.", func() float64 { return float64(s.hub.Subscribers(presence.Topic)) }),
	)
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
