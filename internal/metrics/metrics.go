// Package metrics provides Prometheus instrumentation for the livecast
// service. It exposes gauges for per-namespace connection counts and
// counters for fan-out throughput and persistence outcomes, so the
// fire-and-forget durability path stays observable.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of active WebSocket connections
	// on this instance, labeled by namespace.
	Connections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "livecast_connections",
		Help: "Current number of active WebSocket connections per namespace",
	}, []string{"namespace"})

	// BroadcastsTotal counts events broadcast through the fan-out bus,
	// labeled by namespace and delivery mode ("bus" or "local").
	BroadcastsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livecast_broadcasts_total",
		Help: "Total number of events broadcast, by namespace and delivery mode",
	}, []string{"namespace", "mode"})

	// PersistenceFailures counts message-log writes that failed after the
	// corresponding event was already delivered.
	PersistenceFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "livecast_persistence_failures_total",
		Help: "Total number of failed store writes on fire-and-forget paths",
	}, []string{"operation"})

	// PresenceClamps counts decrements that would have driven the presence
	// counter below zero (duplicate disconnect delivery).
	PresenceClamps = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_presence_clamps_total",
		Help: "Total number of presence decrements clamped at zero",
	})

	// TransportReconnects counts fan-out transport reconnect events.
	TransportReconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "livecast_transport_reconnects_total",
		Help: "Total number of fan-out transport reconnects",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		BroadcastsTotal,
		PersistenceFailures,
		PresenceClamps,
		TransportReconnects,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
