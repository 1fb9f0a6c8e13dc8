// Package session implements the per-socket session handler: the
// authentication handshake, encoding negotiation, inbound dispatch,
// and outbound batching for one WebSocket connection. Each accepted
// socket runs a readPump/writePump goroutine pair over a
// gorilla/websocket connection, with ServeWs as the gin upgrade
// entrypoint; the first frame must be Authenticate, validated against
// internal/authregistry before anything else dispatches.
package session

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/signalfish/signalserver/internal/authregistry"
	"github.com/signalfish/signalserver/internal/config"
	"github.com/signalfish/signalserver/internal/connmgr"
	"github.com/signalfish/signalserver/internal/coordinator"
	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/protocol"
	"github.com/signalfish/signalserver/internal/ratelimit"
	"github.com/signalfish/signalserver/internal/reconnect"
	"github.com/signalfish/signalserver/internal/router"
	"go.uber.org/zap"
)

// Server wires together every per-connection concern: the WebSocket
// upgrade, the connection directory, the room coordinator, and the
// reconnection manager. One Server instance serves every socket the
// process accepts.
type Server struct {
	cfg config.Config

	conns       *connmgr.Manager
	coordinator *coordinator.Coordinator
	reconnect   *reconnect.Manager
	authReg     *authregistry.Registry
	appLimiter  *ratelimit.Limiter
	router      *router.Router

	upgrader websocket.Upgrader
}

// New constructs a Server. appLimiter enforces each authenticated
// app's aggregate per-minute message budget.
func New(cfg config.Config, conns *connmgr.Manager, co *coordinator.Coordinator, rc *reconnect.Manager, authReg *authregistry.Registry, appLimiter *ratelimit.Limiter, r *router.Router) *Server {
	return &Server{
		cfg:         cfg,
		conns:       conns,
		coordinator: co,
		reconnect:   rc,
		authReg:     authReg,
		appLimiter:  appLimiter,
		router:      r,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Game SDKs connect directly, not from a same-origin browser
			// tab, so there is no Origin header worth restricting on.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeWs upgrades the incoming request to a WebSocket connection and
// runs its session to completion. It blocks until the socket closes.
func (s *Server) ServeWs(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return
	}

	secWebSocketKey := c.GetHeader("Sec-WebSocket-Key")

	player, cc, err := s.conns.RegisterClient(c.Request.RemoteAddr)
	if err != nil {
		s.rejectAdmission(conn, err)
		return
	}

	sess := &connSession{
		server:          s,
		conn:            conn,
		cc:              cc,
		playerID:        player,
		secWebSocketKey: secWebSocketKey,
		done:            make(chan struct{}),
	}

	go sess.writePump()
	sess.readPump()
}

func (s *Server) rejectAdmission(conn *websocket.Conn, err error) {
	defer conn.Close()
	payload, encErr := protocol.Encode(protocol.MsgError, protocol.ErrorPayload{
		Message:   err.Error(),
		ErrorCode: protocol.ErrTooManyConnections,
	})
	if encErr == nil {
		_ = conn.WriteMessage(websocket.TextMessage, payload)
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "connection limit exceeded"), time.Now().Add(time.Second))
}

// connSession is the live state of one accepted socket, from upgrade
// to close.
type connSession struct {
	server *Server
	conn   *websocket.Conn
	cc     *connmgr.ClientConnection

	playerID        ids.PlayerID
	secWebSocketKey string

	// authOnce flips true once Authenticate succeeds. Atomic because
	// the auth-deadline timer inspects it from its own goroutine.
	authOnce atomic.Bool

	appInfo *authregistry.AppInfo

	roomID *ids.RoomID

	done     chan struct{}
	doneOnce bool
}

// logContext builds the correlation context for the current frame
// from live session state, so every log line downstream of dispatch
// carries the connection's player/app/room ids without any call site
// attaching them by hand. Only the receive goroutine may call this:
// it reads roomID/appInfo, which that goroutine owns.
func (sess *connSession) logContext() context.Context {
	f := logging.Fields{PlayerID: sess.playerID.String()}
	if sess.appInfo != nil {
		f.AppID = sess.appInfo.ID.String()
	}
	if sess.roomID != nil {
		f.RoomID = sess.roomID.String()
	}
	return logging.WithFields(context.Background(), f)
}

func (sess *connSession) closeOnce(ctx context.Context) {
	if sess.doneOnce {
		return
	}
	sess.doneOnce = true
	close(sess.done)

	switch {
	case sess.roomID != nil && sess.cc.IsSpectator():
		if err := sess.server.coordinator.LeaveSpectator(*sess.roomID, sess.playerID, true); err != nil {
			logging.Warn(ctx, "spectator leave on disconnect failed", zap.Error(err))
		}
	case sess.roomID != nil:
		// RegisterDisconnection must run before coordinator.Leave removes
		// the player from the room: it captures the room's last_sequence
		// while the player is still a member, which is what lets a later
		// reconnection compute an exact missed-event tail.
		if sess.server.cfg.ReconnectionEnabled {
			wasAuthority := false
			if room, ok := sess.server.coordinator.RoomSnapshot(*sess.roomID); ok {
				if p, ok := room.Players[sess.playerID]; ok {
					wasAuthority = p.IsAuthority
				}
			}
			if _, err := sess.server.reconnect.RegisterDisconnection(ctx, sess.playerID, *sess.roomID, wasAuthority); err != nil {
				logging.Warn(ctx, "register disconnection failed", zap.Error(err))
			}
		}
		if err := sess.server.coordinator.Leave(ctx, *sess.roomID, sess.playerID); err != nil {
			logging.Warn(ctx, "leave on disconnect failed", zap.Error(err))
		}
	}
	sess.server.conns.RemoveClient(sess.playerID)
	_ = sess.conn.Close()
}

// metricsStatus is the label applied to metrics.MessagesTotal.
const (
	statusOK    = "ok"
	statusError = "error"
)
