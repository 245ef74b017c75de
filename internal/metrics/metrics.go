// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and presence counts, counters for message
// and receipt throughput, and a histogram for send-to-push latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkup_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of identities with a live binding.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "linkup_online_users",
		Help: "Current number of identities bound to a live channel",
	})

	// MessagesTotal counts messages processed by the delivery router, labeled
	// by outcome: "delivered" (pushed to a live channel), "queued" (recipient
	// offline), or "rejected" (validation failure).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkup_messages_total",
		Help: "Total number of messages processed by outcome",
	}, []string{"outcome"}) // outcome = "delivered", "queued", "rejected"

	// ReadReceiptsTotal counts messages_read events pushed to senders.
	ReadReceiptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "linkup_read_receipts_total",
		Help: "Total number of read receipt events pushed to senders",
	})

	// TypingEventsTotal counts typing/stop_typing relays, labeled by kind.
	TypingEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "linkup_typing_events_total",
		Help: "Total number of typing indicator relays",
	}, []string{"kind"}) // kind = "typing", "stop_typing"

	// SendLatency records the time from send receipt to delivery push in
	// seconds. Queued messages are not observed here.
	SendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "linkup_send_latency_seconds",
		Help:    "Latency from send_message receipt to receive_message push",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		ReadReceiptsTotal,
		TypingEventsTotal,
		SendLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
