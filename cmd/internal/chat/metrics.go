package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide metrics, exposed by the app on /metrics.
var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parley_ws_connections",
		Help: "Currently open websocket connections.",
	})

	metricEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_ws_events_total",
		Help: "Inbound websocket events by envelope type.",
	}, []string{"type"})

	metricMessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_messages_sent_total",
		Help: "Persisted messages by conversation kind.",
	}, []string{"kind"})

	metricDeliveriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parley_deliveries_dropped_total",
		Help: "Live deliveries dropped because a client queue was full or closing.",
	})
)

func conversationKindLabel(isGroup bool) string {
	if isGroup {
		return "group"
	}
	return "private"
}
