package metrics

import "testing"

func TestCountersAcceptLabels(t *testing.T) {
	MessagesTotal.WithLabelValues("join_room", "ok").Inc()
	DroppedMessages.WithLabelValues("queue_full").Inc()
	RateLimitExceeded.WithLabelValues("connection").Inc()
	LockAcquisitions.WithLabelValues("acquired").Inc()
	ReconnectionsTotal.WithLabelValues("success").Inc()
	RoomsClosedTotal.WithLabelValues("idle_timeout").Inc()
}

func TestGaugesAcceptLabels(t *testing.T) {
	ActiveConnections.Set(1)
	ActiveRooms.Set(1)
	RoomPlayers.WithLabelValues("room-1").Set(2)
	CircuitBreakerState.WithLabelValues("bus").Set(0)
}

func TestHistogramObserves(t *testing.T) {
	MessageProcessingDuration.WithLabelValues("join_room").Observe(0.001)
}
