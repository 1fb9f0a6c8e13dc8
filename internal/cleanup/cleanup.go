// Package cleanup runs the periodic background sweep that keeps every
// component's bounded state actually bounded: expired rooms, stale
// connection entries, expired reconnection windows, expired rate
// limit buckets and expired lock claims. One process-wide ticker
// drives every component's own idempotent, lock-scoped cleanup pass
// on a fixed interval; sweep failures are logged, never propagated.
package cleanup

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/signalfish/signalserver/internal/bus"
	"github.com/signalfish/signalserver/internal/config"
	"github.com/signalfish/signalserver/internal/connmgr"
	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/lock"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/ratelimit"
	"github.com/signalfish/signalserver/internal/reconnect"
	"github.com/signalfish/signalserver/internal/roomstore"
)

// cleanupClaimMaxAge bounds how long a (room, type, bucket) claim key
// is retained before the sweep drops it.
const cleanupClaimMaxAge = time.Hour

// Coordinator is the subset of internal/coordinator.Coordinator the
// sweep needs: notifying room members once a silently-dead connection
// is torn down, through the same pipelines a voluntary leave takes.
type Coordinator interface {
	Leave(ctx context.Context, room ids.RoomID, player ids.PlayerID) error
	LeaveSpectator(room ids.RoomID, spectator ids.PlayerID, disconnected bool) error
}

// Sweeper owns the periodic cleanup goroutine.
type Sweeper struct {
	cfg        config.Config
	instanceID string

	rooms       *roomstore.Store
	conns       *connmgr.Manager
	coordinator Coordinator
	reconnect   *reconnect.Manager
	locks       *lock.Table
	joinLimit   *ratelimit.Limiter
	roomLimit   *ratelimit.Limiter
	appLimit    *ratelimit.Limiter
	bus         bus.Service
}

// New constructs a Sweeper. instanceID identifies this process in
// cleanup claims; busSvc receives a room_closed event for every room
// this instance wins the cleanup claim for.
func New(cfg config.Config, instanceID string, rooms *roomstore.Store, conns *connmgr.Manager, co Coordinator, rc *reconnect.Manager, locks *lock.Table, joinLimit, roomLimit, appLimit *ratelimit.Limiter, busSvc bus.Service) *Sweeper {
	if busSvc == nil {
		busSvc = bus.NoopService{}
	}
	return &Sweeper{
		cfg:         cfg,
		instanceID:  instanceID,
		rooms:       rooms,
		conns:       conns,
		coordinator: co,
		reconnect:   rc,
		locks:       locks,
		joinLimit:   joinLimit,
		roomLimit:   roomLimit,
		appLimit:    appLimit,
		bus:         busSvc,
	}
}

// Run blocks, sweeping every cfg.CleanupInterval until ctx is
// cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	interval := sw.cfg.CleanupInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.sweepOnce(ctx)
		case <-ctx.Done():
			logging.Info(ctx, "cleanup sweep stopping")
			return
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	sw.sweepConnections(ctx)
	sw.sweepRooms(ctx)

	expiredReconnect := sw.reconnect.CleanupExpired()
	if expiredReconnect > 0 {
		logging.Info(ctx, "expired pending reconnections", zap.Int("count", expiredReconnect))
	}

	lockEvictions := sw.locks.Cleanup()
	if lockEvictions > 0 {
		logging.Info(ctx, "evicted expired lock handles", zap.Int("count", lockEvictions))
	}

	window := time.Minute
	sw.joinLimit.Cleanup(window)
	sw.roomLimit.Cleanup(window)
	sw.appLimit.Cleanup(window)

	claimsEvicted := sw.rooms.CleanupOldRoomCleanupEvents(cleanupClaimMaxAge)
	if claimsEvicted > 0 {
		logging.Info(ctx, "evicted stale room cleanup claims", zap.Int("count", claimsEvicted))
	}

	metrics.ActiveConnections.Set(float64(sw.conns.ConnectionCount()))
}

func (sw *Sweeper) sweepRooms(ctx context.Context) {
	counts := sw.rooms.CleanupExpiredRooms(sw.cfg.EmptyRoomTimeout, sw.cfg.InactiveRoomTimeout)
	if counts.EmptyExpired > 0 {
		metrics.RoomsClosedTotal.WithLabelValues("empty_timeout").Add(float64(counts.EmptyExpired))
	}
	if counts.InactiveExpired > 0 {
		metrics.RoomsClosedTotal.WithLabelValues("inactive_timeout").Add(float64(counts.InactiveExpired))
	}

	for _, removed := range counts.Removed {
		cleanupType := "empty_cleanup"
		if !removed.WasEmpty {
			cleanupType = "inactive_cleanup"
		}
		// The claim key is bucketed per 5 minutes, so a concurrent sweep
		// (or a sweep on another instance sharing the store in a future
		// backend) announces each closed room exactly once per bucket.
		if !sw.rooms.TryClaimRoomCleanup(removed.ID, cleanupType, sw.instanceID) {
			continue
		}
		rctx := logging.WithRoom(ctx, removed.ID.String())
		logging.Info(rctx, "room closed",
			zap.String("game_name", removed.GameName),
			zap.String("code", removed.Code),
			zap.String("reason", cleanupType))
		if err := sw.bus.Publish(rctx, removed.ID.String(), bus.Envelope{
			RoomID:   removed.ID.String(),
			Event:    "room_closed",
			SenderID: sw.instanceID,
		}); err != nil {
			logging.Warn(rctx, "failed to publish room_closed", zap.Error(err))
		}
	}

	if counts.EmptyExpired+counts.InactiveExpired > 0 {
		logging.Info(ctx, "closed expired rooms",
			zap.Int("empty_timeout", counts.EmptyExpired),
			zap.Int("inactive_timeout", counts.InactiveExpired))
	}
}

// sweepConnections tears down connections whose last ping is older
// than PingTimeout: sockets that died without a clean close frame
// (network drop, crashed client) never trigger readPump's own
// defer-based teardown, so the sweep is the only thing that ever
// notices them.
func (sw *Sweeper) sweepConnections(ctx context.Context) {
	expired := sw.conns.CollectExpiredClients(sw.cfg.PingTimeout)
	for _, player := range expired {
		cc, ok := sw.conns.Get(player)
		if ok {
			if room := cc.RoomID(); room != nil {
				switch {
				case cc.IsSpectator():
					if err := sw.coordinator.LeaveSpectator(*room, player, true); err != nil {
						logging.Warn(ctx, "spectator leave on ping timeout failed", zap.String("player_id", player.String()), zap.Error(err))
					}
				default:
					// Same ordering constraint as the session teardown path:
					// the disconnection record must capture last_sequence
					// before the room store forgets the player.
					if sw.cfg.ReconnectionEnabled {
						wasAuthority := false
						if snapshot, found := sw.rooms.GetRoomByID(*room); found {
							if p, member := snapshot.Players[player]; member {
								wasAuthority = p.IsAuthority
							}
						}
						if _, err := sw.reconnect.RegisterDisconnection(ctx, player, *room, wasAuthority); err != nil {
							logging.Warn(ctx, "register disconnection on ping timeout failed", zap.String("player_id", player.String()), zap.Error(err))
						}
					}
					if err := sw.coordinator.Leave(ctx, *room, player); err != nil {
						logging.Warn(ctx, "leave on ping timeout failed", zap.String("player_id", player.String()), zap.Error(err))
					}
				}
			}
		}
		sw.conns.RemoveClient(player)
		metrics.DroppedMessages.WithLabelValues("ping_timeout").Inc()
	}
	if len(expired) > 0 {
		logging.Info(ctx, "reaped expired connections (no ping within timeout)", zap.Int("count", len(expired)))
	}
}
