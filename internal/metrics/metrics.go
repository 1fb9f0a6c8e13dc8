// Package metrics declares the Prometheus metrics emitted by the
// signaling server, all promauto-registered on the default registry
// under the signalfish namespace.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signalfish"

var (
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections.",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms.",
	})

	RoomPlayers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "players_count",
		Help:      "Number of players currently in each room.",
	}, []string{"room_id"})

	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Total frames processed, by message type and outcome.",
	}, []string{"message_type", "status"})

	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "message_processing_seconds",
		Help:      "Time spent dispatching a single inbound frame.",
		Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5},
	}, []string{"message_type"})

	DroppedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "router",
		Name:      "dropped_messages_total",
		Help:      "Messages dropped due to a full outbound queue or unsupported encoding.",
	}, []string{"reason"})

	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Rate limit rejections, by scope.",
	}, []string{"scope"})

	LockAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lock",
		Name:      "acquisitions_total",
		Help:      "Distributed mutex acquisition attempts, by outcome.",
	}, []string{"outcome"})

	ReconnectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconnect",
		Name:      "attempts_total",
		Help:      "Reconnection attempts, by outcome.",
	}, []string{"outcome"})

	RoomsClosedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "room",
		Name:      "closed_total",
		Help:      "Rooms removed by the cleanup task, by reason.",
	}, []string{"reason"})

	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of a circuit breaker (0=closed,1=open,2=half-open).",
	}, []string{"name"})

	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Requests rejected because a circuit breaker was open.",
	}, []string{"name"})
)
