package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chatwire",
		Name:      "online_users",
		Help:      "Users with a registered live connection.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatwire",
		Name:      "messages_sent_total",
		Help:      "Messages accepted by the dispatch engine.",
	}, []string{"path"}) // "text" or "attachment"

	MessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatwire",
		Name:      "messages_delivered_total",
		Help:      "Messages pushed to a live receiver connection.",
	})

	SendsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chatwire",
		Name:      "sends_dropped_total",
		Help:      "Real-time sends rejected before dispatch.",
	}, []string{"reason"}) // "validation" or "queue_full"

	PersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chatwire",
		Name:      "persist_failures_total",
		Help:      "Persistence calls that failed or timed out.",
	})
)
