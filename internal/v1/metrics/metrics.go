package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the realtime voice/signaling core.
//
// Naming convention: namespace_subsystem_name
// - namespace: vibespeak (application-level grouping)
// - subsystem: voice, signaling, floor, token, bus (component-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, channels, shares)
// - Counter: Cumulative events (packets, failures, rotations)
// - Histogram: Distributions (playout delay, handling time)

var (
	// --- voice (UDP relay) ---

	VoiceClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "clients_active",
		Help:      "Current number of registered UDP voice clients",
	})

	VoiceChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "channels_active",
		Help:      "Current number of non-empty voice channels",
	})

	VoicePacketsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "packets_relayed_total",
		Help:      "Total voice packets forwarded to receivers",
	})

	VoicePacketsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "packets_dropped_total",
		Help:      "Total inbound datagrams dropped before forwarding",
	}, []string{"reason"})

	VoiceDecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "decrypt_failures_total",
		Help:      "Total ENCRYPTED_WRAPPER frames that failed authentication",
	})

	VoicePacketsLost = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "packets_lost_total",
		Help:      "Total sequence gaps observed by jitter buffers",
	})

	VoiceFECParity = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "fec_parity_total",
		Help:      "Total FEC parity packets broadcast",
	})

	VoiceKeyRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "key_rotations_total",
		Help:      "Total channel key rotations",
	})

	VoicePlayoutDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "playout_delay_ms",
		Help:      "Adaptive jitter-buffer playout delay at release time",
		Buckets:   []float64{10, 20, 40, 60, 80, 100, 150, 200},
	})

	VoiceDatagramDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "vibespeak",
		Subsystem: "voice",
		Name:      "datagram_handle_seconds",
		Help:      "Time spent handling one inbound datagram",
		Buckets:   []float64{.00001, .00005, .0001, .0005, .001, .005, .01},
	})

	// --- signaling (WebSocket hub) ---

	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	RoomOccupants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "room_occupants",
		Help:      "Number of sockets in each room",
	}, []string{"room_id"})

	SignalingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "events_total",
		Help:      "Total signaling messages processed",
	}, []string{"event_type", "status"})

	AuthFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "auth_failures_total",
		Help:      "Total WebSocket authentication failures",
	}, []string{"reason"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "rate_limit_rejections_total",
		Help:      "Total connections rejected by rate limiting",
	}, []string{"scope"})

	SendQueueDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "send_queue_drops_total",
		Help:      "Outbound envelopes dropped because a client send queue was full",
	}, []string{"queue"})

	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "signaling",
		Name:      "messages_sent_total",
		Help:      "Envelopes written to WebSocket peers",
	})

	// --- floor (screen-share controller) ---

	ActiveScreenShares = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "floor",
		Name:      "shares_active",
		Help:      "Active screen shares per channel",
	}, []string{"channel"})

	FloorBandwidthUsed = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "floor",
		Name:      "bandwidth_used_mbps",
		Help:      "Estimated bandwidth committed to screen shares per channel",
	}, []string{"channel"})

	FloorDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "floor",
		Name:      "decisions_total",
		Help:      "Floor admission decisions",
	}, []string{"decision"})

	// --- token ---

	TokenVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "token",
		Name:      "verifications_total",
		Help:      "Token verification attempts",
	}, []string{"status"})

	TokenRotations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "token",
		Name:      "rotations_total",
		Help:      "Signing-secret rotations",
	})

	// --- bus ---

	BusPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "bus",
		Name:      "publish_errors_total",
		Help:      "Failed publishes to the distributed bus",
	})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "vibespeak",
		Subsystem: "bus",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vibespeak",
		Subsystem: "bus",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
