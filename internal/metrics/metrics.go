package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection Metrics
var (
	// ConnectionsCurrent tracks currently registered peers
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrelay_connections_current",
			Help: "Current number of registered WebSocket peers",
		},
	)

	// ConnectionsTotal tracks accepted connections by outcome
	ConnectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_connections_total",
			Help: "Total accepted connections by result (registered/handshake_failed/rejected)",
		},
		[]string{"result"},
	)

	// ConnectionDuration tracks how long registered peers stay connected
	ConnectionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrelay_connection_duration_seconds",
			Help:    "WebSocket connection duration in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600},
		},
	)

	// AcceptErrors tracks transient accept failures
	AcceptErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrelay_accept_errors_total",
			Help: "Total accept errors that were logged and skipped",
		},
	)
)

// Relay Metrics
var (
	// MessagesReceived tracks inbound messages by frame kind
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_messages_received_total",
			Help: "Total inbound messages by kind (text/binary)",
		},
		[]string{"kind"},
	)

	// Deliveries tracks per-recipient outcomes of every broadcast
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_deliveries_total",
			Help: "Total per-recipient deliveries by result (delivered/skipped/failed)",
		},
		[]string{"result"},
	)

	// BroadcastDuration tracks the time to enqueue one message on all peers
	BroadcastDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrelay_broadcast_duration_seconds",
			Help:    "Time to fan one message out to every peer outbox",
			Buckets: []float64{.00001, .00005, .0001, .0005, .001, .005, .01, .05},
		},
	)

	// MessageWriteDuration tracks a single frame write to a peer
	MessageWriteDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wsrelay_message_write_duration_seconds",
			Help:    "WebSocket frame write duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
		},
	)

	// PeerWriteFailures tracks writers that stopped on a failed write
	PeerWriteFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrelay_peer_write_failures_total",
			Help: "Total peer writers stopped by a write error",
		},
	)
)

// Bridge Metrics
var (
	// BridgeMessages tracks messages crossing the NATS bridge
	BridgeMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wsrelay_bridge_messages_total",
			Help: "Total bridge messages by direction (published/received/own/invalid)",
		},
		[]string{"direction"},
	)

	// BridgeErrors tracks failed publishes
	BridgeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wsrelay_bridge_errors_total",
			Help: "Total bridge publish errors",
		},
	)

	// BridgeConnected is 1 while the bridge holds a NATS connection
	BridgeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wsrelay_bridge_connected",
			Help: "1 if the NATS bridge is connected, 0 otherwise",
		},
	)
)
