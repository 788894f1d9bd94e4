package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RelayReconnects counts WebSocket reconnect attempts.
	RelayReconnects = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "reconnects_total",
		Help:      "Relay WebSocket reconnect attempts.",
	})

	// OutboundQueueDepth reports the current size of the client's outbound send queue.
	OutboundQueueDepth = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "outbound_queue_depth",
		Help:      "Number of envelopes queued for send but not yet written to the socket.",
	})

	// EnvelopesSent counts envelopes written to the socket, by message type.
	EnvelopesSent = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "envelopes_sent_total",
		Help:      "Envelopes sent to the relay, by round message type.",
	}, []string{"type"})

	// EnvelopesReceived counts envelopes read from the socket, by message type.
	EnvelopesReceived = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "relay",
		Name:      "envelopes_received_total",
		Help:      "Envelopes received from the relay, by round message type.",
	}, []string{"type"})
)
