// Command session is the signaling server's composition root: it
// loads configuration, wires every internal component together, and
// serves the WebSocket upgrade, health, metrics, and admin-snapshot
// endpoints over one gin.Engine until an interrupt or SIGTERM
// arrives, then shuts down under a bounded deadline.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/signalfish/signalserver/internal/admin"
	"github.com/signalfish/signalserver/internal/authregistry"
	"github.com/signalfish/signalserver/internal/bus"
	"github.com/signalfish/signalserver/internal/cleanup"
	"github.com/signalfish/signalserver/internal/config"
	"github.com/signalfish/signalserver/internal/connmgr"
	"github.com/signalfish/signalserver/internal/coordinator"
	"github.com/signalfish/signalserver/internal/health"
	"github.com/signalfish/signalserver/internal/httpmiddleware"
	"github.com/signalfish/signalserver/internal/lock"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/ratelimit"
	"github.com/signalfish/signalserver/internal/reconnect"
	"github.com/signalfish/signalserver/internal/roomstore"
	"github.com/signalfish/signalserver/internal/router"
	"github.com/signalfish/signalserver/internal/session"
	"github.com/signalfish/signalserver/internal/tracing"
)

// adminSource composes the three independently-locked stores into the
// single admin.Source the dashboard snapshot cache polls, so none of
// those stores needs to know about the other two.
type adminSource struct {
	rooms     *roomstore.Store
	locks     *lock.Table
	reconnect *reconnect.Manager
}

func (a adminSource) RoomSummaries() []admin.RoomSummary { return a.rooms.RoomSummaries() }
func (a adminSource) ConnectionCount() int               { return a.rooms.ConnectionCount() }
func (a adminSource) HeldLockCount() int                 { return a.locks.HeldLockCount() }
func (a adminSource) PendingReconnectCount() int         { return a.reconnect.PendingReconnectCount() }

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath, true)
	if err != nil {
		// Logging isn't initialized yet; this is the one place the
		// server reports a startup failure to stderr directly.
		println("failed to load configuration:", err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		println(err.Error())
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.LogDevelopment); err != nil {
		println("failed to initialize logger:", err.Error())
		os.Exit(1)
	}
	logger := logging.GetLogger()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "signalserver", cfg.TracingCollectorAddr, true)
		if err != nil {
			logger.Error("failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tracing.Shutdown(shutdownCtx, tp); err != nil {
					logger.Warn("tracer shutdown failed", zap.Error(err))
				}
			}()
		}
	}

	var busService bus.Service = bus.NoopService{}
	if cfg.BusEnabled {
		redisBus, err := bus.NewRedisService(cfg.BusRedisAddr, "")
		if err != nil {
			logger.Error("failed to connect to message bus, falling back to single-instance mode", zap.Error(err))
		} else {
			busService = redisBus
		}
	}

	rooms := roomstore.New(cfg.RoomCodeLength)
	locks := lock.New()
	reconnectMgr := reconnect.New(cfg.ReconnectionWindow, cfg.EventBufferSize, cfg.ReconnectionSecret)
	routerHub := router.New()
	conns := connmgr.New(routerHub, cfg.OutboundQueueSize, cfg.MaxConnectionsPerIP)
	authReg := authregistry.New(cfg.AuthEnabled, cfg.Apps)

	joinLimiter := ratelimit.New("join_attempt")
	roomCreateLimiter := ratelimit.New("room_creation")
	appLimiter := ratelimit.New("app")

	co := coordinator.New(rooms, locks, routerHub, reconnectMgr, joinLimiter, roomCreateLimiter, coordinator.Config{
		MaxRoomsPerGame:    cfg.MaxRoomsPerGame,
		JoinAttemptLimit:   cfg.JoinAttemptRateLimit,
		RoomCreateLimit:    cfg.RoomCreateRateLimit,
		RoomJoinLockTTL:    cfg.LockDefaultTTL,
		GameRoomCapLockTTL: cfg.LockDefaultTTL,
		AuthorityLockTTL:   cfg.LockDefaultTTL,
		ReadyLockTTL:       cfg.LockDefaultTTL,
	})

	instanceID := uuid.NewString()
	sweeper := cleanup.New(cfg, instanceID, rooms, conns, co, reconnectMgr, locks, joinLimiter, roomCreateLimiter, appLimiter, busService)
	go sweeper.Run(ctx)

	adminCache := admin.NewCache(adminSource{rooms: rooms, locks: locks, reconnect: reconnectMgr}, 5*time.Second)
	adminCache.Start(ctx)
	defer adminCache.Stop()

	healthHandler := health.NewHandler(rooms, locks, reconnectMgr, busService)

	srv := session.New(cfg, conns, co, reconnectMgr, authReg, appLimiter, routerHub)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	engine.Use(cors.New(corsCfg))

	engine.GET("/ws", httpmiddleware.UpgradeThrottle(50), srv.ServeWs)
	engine.GET("/health", healthHandler.Readiness)
	engine.GET("/healthz/live", healthHandler.Liveness)
	engine.GET("/healthz/ready", healthHandler.Readiness)

	metricsAuth := httpmiddleware.BearerAuth(cfg.MetricsToken)
	engine.GET("/metrics", metricsAuth, func(c *gin.Context) {
		rendered, err := metrics.RenderJSON()
		if err != nil {
			c.AbortWithStatus(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, rendered)
	})
	engine.GET("/metrics/prom", metricsAuth, gin.WrapH(promhttp.Handler()))
	engine.GET("/admin/snapshot", metricsAuth, func(c *gin.Context) {
		c.JSON(http.StatusOK, adminCache.Latest())
	})

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: engine,
	}

	go func() {
		logger.Info("signaling server starting", zap.String("addr", cfg.ListenAddr))
		var err error
		if cfg.TLSEnabled {
			err = httpServer.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
