package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
)

const writeWait = 10 * time.Second

// writePump is the send task: it owns the socket's write side,
// draining the connection's outbound queue. With batching enabled it
// accumulates up to BatchSize messages or BatchIntervalMS, whichever
// fires first, then writes the accumulated frames in order.
func (sess *connSession) writePump() {
	// The write side reads identity through cc (mutex-guarded) rather
	// than sess.playerID, which the receive goroutine rewrites during
	// reconnection.
	ctx := logging.WithPlayer(context.Background(), sess.cc.PlayerID().String())
	defer sess.conn.Close()

	pingInterval := sess.server.cfg.PingTimeout / 2
	if pingInterval <= 0 {
		pingInterval = 15 * time.Second
	}
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	if !sess.server.cfg.BatchingEnabled {
		sess.writePumpUnbatched(ctx, pingTicker)
		return
	}
	sess.writePumpBatched(ctx, pingTicker)
}

func (sess *connSession) writePumpUnbatched(ctx context.Context, pingTicker *time.Ticker) {
	for {
		select {
		case msg, ok := <-sess.cc.Outbound():
			if !ok {
				return
			}
			if err := sess.writeOne(ctx, msg); err != nil {
				logging.Warn(ctx, "write failed", zap.Error(err))
				return
			}
		case <-pingTicker.C:
			if err := sess.ping(); err != nil {
				return
			}
		case <-sess.done:
			return
		}
	}
}

func (sess *connSession) writePumpBatched(ctx context.Context, pingTicker *time.Ticker) {
	interval := time.Duration(sess.server.cfg.BatchIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 20 * time.Millisecond
	}
	batchTicker := time.NewTicker(interval)
	defer batchTicker.Stop()

	batch := make([]protocol.OutboundMessage, 0, sess.server.cfg.BatchSize)

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		err := sess.writeBatch(ctx, batch)
		batch = batch[:0]
		if err != nil {
			logging.Warn(ctx, "batched write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case msg, ok := <-sess.cc.Outbound():
			if !ok {
				flush()
				return
			}
			batch = append(batch, msg)
			if len(batch) >= sess.server.cfg.BatchSize {
				if !flush() {
					return
				}
			}
		case <-batchTicker.C:
			if !flush() {
				return
			}
		case <-pingTicker.C:
			if !flush() {
				return
			}
			if err := sess.ping(); err != nil {
				return
			}
		case <-sess.done:
			flush()
			return
		}
	}
}

func (sess *connSession) ping() error {
	return sess.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

// writeOne encodes and writes a single message, picking the frame type
// the recipient's negotiated encoding calls for.
func (sess *connSession) writeOne(ctx context.Context, msg protocol.OutboundMessage) error {
	frameType, raw, err := sess.encodeFrame(ctx, msg)
	if err != nil {
		return err
	}
	sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sess.conn.WriteMessage(frameType, raw)
}

// writeBatch flushes an accumulated batch, writing each message to the
// socket in order. A message that fails to encode is dropped and
// counted rather than aborting the rest of the batch.
func (sess *connSession) writeBatch(ctx context.Context, batch []protocol.OutboundMessage) error {
	for _, msg := range batch {
		frameType, raw, err := sess.encodeFrame(ctx, msg)
		if err != nil {
			metrics.DroppedMessages.WithLabelValues("encode_failure").Inc()
			logging.Warn(ctx, "dropping unencodable batched message", zap.String("type", string(msg.Type)), zap.Error(err))
			continue
		}
		sess.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := sess.conn.WriteMessage(frameType, raw); err != nil {
			return err
		}
	}
	return nil
}

// encodeFrame marshals msg into its wire form, special-casing game
// data so the payload reflects this connection's negotiated encoding
// rather than whatever the sender submitted: JSON recipients get a
// GameData text frame, MessagePack recipients a binary frame.
func (sess *connSession) encodeFrame(ctx context.Context, msg protocol.OutboundMessage) (int, []byte, error) {
	if fwd, ok := msg.Payload.(gameDataForward); ok && msg.Type == protocol.MsgGameDataBinary {
		return buildGameDataFrame(ctx, fwd, sess.cc.GameDataEncoding())
	}
	raw, err := protocol.Encode(msg.Type, msg.Payload)
	if err != nil {
		return 0, nil, err
	}
	return websocket.TextMessage, raw, nil
}
