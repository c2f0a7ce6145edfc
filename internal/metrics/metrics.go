// Package metrics exposes the process counters scraped from the admin
// listener.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parlor_active_sessions",
		Help: "Current number of live websocket sessions",
	})
	MessagesPersisted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parlor_messages_persisted_total",
		Help: "Total number of chat messages written to storage",
	})
	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parlor_deliveries_dropped_total",
		Help: "Total number of per-session deliveries dropped due to a full send queue",
	})
	EventsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parlor_events_rejected_total",
		Help: "Total number of inbound realtime events rejected (rate limit, validation, bans)",
	})
)

func init() {
	prometheus.MustRegister(ActiveSessions, MessagesPersisted, DeliveriesDropped, EventsRejected)
}
