// Package health serves the liveness and readiness probes, reporting
// on the server's own state: the room store, the distributed lock
// table, the reconnection buffer, and (when configured) the message
// bus backend.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/signalfish/signalserver/internal/logging"
	"go.uber.org/zap"
)

// RoomStats reports counters from the room store.
type RoomStats interface {
	RoomCount() int
	ConnectionCount() int
}

// LockStats reports counters from the distributed lock table.
type LockStats interface {
	HeldLockCount() int
}

// ReconnectStats reports counters from the reconnection manager.
type ReconnectStats interface {
	PendingReconnectCount() int
}

// Pinger is implemented by message bus backends that have a liveness
// check of their own (e.g. a Redis-backed bus).
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the liveness and readiness endpoints (/healthz/live,
// and /health plus /healthz/ready).
type Handler struct {
	rooms      RoomStats
	locks      LockStats
	reconnects ReconnectStats
	bus        Pinger // nil in single-instance mode
}

// NewHandler constructs a Handler. bus may be nil when running without
// a distributed message bus.
func NewHandler(rooms RoomStats, locks LockStats, reconnects ReconnectStats, bus Pinger) *Handler {
	return &Handler{rooms: rooms, locks: locks, reconnects: reconnects, bus: bus}
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Stats     map[string]int    `json:"stats"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles GET /healthz/live. Always returns 200 if the
// process can respond at all.
func (h *Handler) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Readiness handles GET /health and GET /healthz/ready. Returns 503 if the message bus
// (when configured) is unreachable.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	busStatus := h.checkBus(ctx)
	checks["bus"] = busStatus
	if busStatus != "healthy" {
		healthy = false
	}

	stats := make(map[string]int)
	if h.rooms != nil {
		stats["rooms"] = h.rooms.RoomCount()
		stats["connections"] = h.rooms.ConnectionCount()
	}
	if h.locks != nil {
		stats["held_locks"] = h.locks.HeldLockCount()
	}
	if h.reconnects != nil {
		stats["pending_reconnects"] = h.reconnects.PendingReconnectCount()
	}

	status := "ready"
	code := http.StatusOK
	if !healthy {
		status = "unavailable"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Stats:     stats,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (h *Handler) checkBus(ctx context.Context) string {
	if h.bus == nil {
		return "healthy"
	}
	if err := h.bus.Ping(ctx); err != nil {
		logging.Error(ctx, "message bus health check failed", zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}
