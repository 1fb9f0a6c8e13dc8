package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/protocol"
)

// gameDataForward is the OutboundMessage payload the GameData handler
// hands to the router: the sender's identity plus the raw, still-JSON
// game state the client submitted. Re-encoding into the recipient's
// negotiated format happens in the send task, per-recipient, since
// that is the earliest point a single broadcast value can diverge by
// connection.
type gameDataForward struct {
	From ids.PlayerID
	Raw  json.RawMessage
}

var rkyvWarnOnce sync.Once

// handleBinaryFrame accepts an inbound binary game-data frame. Binary
// frames are only honored once a non-JSON encoding has been
// negotiated; under JSON they are rejected without closing the
// connection. The MessagePack body is decoded to a JSON value so it
// can fan out through the same per-recipient re-encoding path text
// GameData takes.
func (sess *connSession) handleBinaryFrame(raw []byte) error {
	if sess.cc.GameDataEncoding() == protocol.EncodingJSON {
		sess.sendError(protocol.ErrInvalidInput, "binary frames require a negotiated binary encoding")
		return fmt.Errorf("session: binary frame under json encoding")
	}
	if sess.roomID == nil {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: binary game_data with no active room")
	}

	var decoded any
	if err := msgpack.Unmarshal(raw, &decoded); err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed binary game_data payload")
		return err
	}
	asJSON, err := json.Marshal(decoded)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "binary game_data payload is not representable")
		return err
	}

	sess.server.router.BroadcastToRoomExcept(*sess.roomID, sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgGameDataBinary,
		Payload: gameDataForward{From: sess.playerID, Raw: asJSON},
	})
	return nil
}

// buildGameDataFrame renders fwd into the wire frame enc calls for:
// MessagePack recipients get a binary frame carrying a msgpack-encoded
// GameDataBinary envelope; JSON recipients get a GameData text frame.
// Rkyv is advertised as a negotiable format but has no serializer, so
// a recipient negotiated onto it receives the JSON text form instead,
// logged once per process so the gap is visible in operation without
// spamming logs per frame.
func buildGameDataFrame(ctx context.Context, fwd gameDataForward, enc protocol.GameDataEncoding) (int, []byte, error) {
	switch enc {
	case protocol.EncodingMessagePack:
		var decoded any
		if err := json.Unmarshal(fwd.Raw, &decoded); err != nil {
			return 0, nil, err
		}
		packed, err := msgpack.Marshal(decoded)
		if err != nil {
			return 0, nil, err
		}
		frame, err := msgpack.Marshal(binaryWireEnvelope{
			Type: string(protocol.MsgGameDataBinary),
			Data: protocol.GameDataBinaryPayload{
				From:     fwd.From.String(),
				Encoding: enc,
				Payload:  packed,
			},
		})
		if err != nil {
			return 0, nil, err
		}
		return websocket.BinaryMessage, frame, nil

	case protocol.EncodingRkyv:
		rkyvWarnOnce.Do(func() {
			logging.Warn(ctx, "rkyv encoding negotiated but not implemented; sending json text frames instead")
		})
		fallthrough

	default:
		raw, err := protocol.Encode(protocol.MsgGameData, protocol.ServerGameDataPayload{
			From: fwd.From.String(),
			Data: fwd.Raw,
		})
		if err != nil {
			return 0, nil, err
		}
		return websocket.TextMessage, raw, nil
	}
}

// binaryWireEnvelope mirrors protocol.Envelope for msgpack binary
// frames, where Data is a concrete struct rather than raw JSON.
type binaryWireEnvelope struct {
	Type string                         `msgpack:"type"`
	Data protocol.GameDataBinaryPayload `msgpack:"data"`
}
