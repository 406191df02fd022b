package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "connections_active",
		Help:      "Currently admitted websocket connections.",
	})

	usersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "users_online",
		Help:      "Users with at least one live connection.",
	})

	messagesAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "messages_appended_total",
		Help:      "Messages persisted through the gateway.",
	})

	fanoutDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "fanout_delivered_total",
		Help:      "Envelopes enqueued to subscriber connections.",
	})

	fanoutDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "fanout_dropped_total",
		Help:      "Envelopes dropped due to backpressure or closing connections.",
	})

	admissionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agora",
		Subsystem: "realtime",
		Name:      "admissions_rejected_total",
		Help:      "Connections refused before admission (auth failure or timeout).",
	})
)
