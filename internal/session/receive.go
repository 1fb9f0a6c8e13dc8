package session

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
)

// preAuthMessageTypes are the only frames accepted before Authenticate
// succeeds. Reconnect is deliberately absent: a returning client still
// authenticates its new socket first, then presents its token.
var preAuthMessageTypes = map[protocol.MessageType]bool{
	protocol.MsgAuthenticate: true,
}

// readPump is the receive task: it owns the socket's read side for the
// session's whole lifetime, enforcing the auth handshake window before
// handing frames to dispatch.
func (sess *connSession) readPump() {
	defer func() { sess.closeOnce(sess.logContext()) }()

	// The hard socket limit sits above MaxMessageSize so a moderately
	// oversize frame can be rejected with MessageTooLarge and the
	// connection kept, instead of gorilla poisoning the socket.
	sess.conn.SetReadLimit(2 * sess.server.cfg.MaxMessageSize)

	authTimer := time.AfterFunc(sess.server.cfg.AuthTimeout, func() {
		if !sess.authOnce.Load() {
			sess.sendError(protocol.ErrAuthenticationTimeout, "authentication timeout")
			_ = sess.conn.Close()
		}
	})
	defer authTimer.Stop()

	for {
		frameType, raw, err := sess.conn.ReadMessage()
		ctx := sess.logContext()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Info(ctx, "websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		if int64(len(raw)) > sess.server.cfg.MaxMessageSize {
			sess.sendError(protocol.ErrMessageTooLarge, "message exceeds maximum size")
			continue
		}

		if frameType == websocket.BinaryMessage {
			if !sess.authOnce.Load() {
				sess.sendError(protocol.ErrUnauthorized, "authenticate before sending other messages")
				continue
			}
			if err := sess.handleBinaryFrame(raw); err != nil {
				logging.Warn(ctx, "binary frame rejected", zap.Error(err))
			}
			continue
		}

		env, err := protocol.Decode(raw)
		if err != nil {
			sess.sendError(protocol.ErrInvalidInput, "malformed frame")
			continue
		}

		if !sess.authOnce.Load() && !preAuthMessageTypes[env.Type] {
			sess.sendError(protocol.ErrUnauthorized, "authenticate before sending other messages")
			continue
		}

		start := time.Now()
		status := statusOK
		if err := sess.dispatch(ctx, env); err != nil {
			status = statusError
			logging.Warn(ctx, "dispatch failed", zap.String("type", string(env.Type)), zap.Error(err))
		}
		metrics.MessagesTotal.WithLabelValues(string(env.Type), status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(string(env.Type)).Observe(time.Since(start).Seconds())
	}
}

func (sess *connSession) sendError(code protocol.ErrorCode, msg string) {
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgError,
		Payload: protocol.ErrorPayload{Message: msg, ErrorCode: code},
	})
}

func unmarshalPayload[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	err := json.Unmarshal(data, &v)
	return v, err
}
