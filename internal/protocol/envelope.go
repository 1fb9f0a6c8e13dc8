package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType is the wire discriminant for every client<->server frame.
type MessageType string

const (
	// Client -> Server
	MsgAuthenticate          MessageType = "authenticate"
	MsgJoinRoom              MessageType = "join_room"
	MsgLeaveRoom             MessageType = "leave_room"
	MsgPlayerReady           MessageType = "player_ready"
	MsgAuthorityRequest      MessageType = "authority_request"
	MsgProvideConnectionInfo MessageType = "provide_connection_info"
	MsgGameData              MessageType = "game_data"
	MsgPing                  MessageType = "ping"
	MsgReconnect             MessageType = "reconnect"
	MsgJoinAsSpectator       MessageType = "join_as_spectator"
	MsgLeaveSpectator        MessageType = "leave_spectator"

	// Server -> Client
	MsgAuthenticated         MessageType = "authenticated"
	MsgProtocolInfo          MessageType = "protocol_info"
	MsgAuthenticationError   MessageType = "authentication_error"
	MsgRoomJoined            MessageType = "room_joined"
	MsgRoomJoinFailed        MessageType = "room_join_failed"
	MsgRoomLeft              MessageType = "room_left"
	MsgPlayerJoined          MessageType = "player_joined"
	MsgPlayerLeft            MessageType = "player_left"
	MsgPlayerReconnected     MessageType = "player_reconnected"
	MsgGameDataBinary        MessageType = "game_data_binary"
	MsgAuthorityChanged      MessageType = "authority_changed"
	MsgAuthorityResponse     MessageType = "authority_response"
	MsgLobbyStateChanged     MessageType = "lobby_state_changed"
	MsgGameStarting          MessageType = "game_starting"
	MsgPong                  MessageType = "pong"
	MsgReconnected           MessageType = "reconnected"
	MsgReconnectionFailed    MessageType = "reconnection_failed"
	MsgSpectatorJoined       MessageType = "spectator_joined"
	MsgSpectatorJoinFailed   MessageType = "spectator_join_failed"
	MsgSpectatorLeft         MessageType = "spectator_left"
	MsgNewSpectatorJoined    MessageType = "new_spectator_joined"
	MsgSpectatorDisconnected MessageType = "spectator_disconnected"
	MsgError                 MessageType = "error"
)

// OutboundMessage is the generic value carried on a connection's
// outbound queue between the router and the session handler's send
// task. Serialization is deferred until the send task pops
// it, since GameDataBinary's wire form depends on the recipient's own
// negotiated encoding — something only the owning connection knows.
// The same OutboundMessage is handed to every recipient of a
// broadcast; Payload must never be mutated after construction.
type OutboundMessage struct {
	Type    MessageType
	Payload any
}

// Envelope is the outer JSON frame: {"type": <tag>, "data": <payload>}.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps a typed payload into an Envelope and marshals it to JSON.
func Encode(t MessageType, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", t, err)
	}
	return json.Marshal(Envelope{Type: t, Data: data})
}

// Decode splits a raw JSON frame into its envelope type and raw data,
// leaving the caller to unmarshal Data according to Type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("protocol: missing message type")
	}
	return env, nil
}
