package session

import (
	"context"
	"fmt"
	"time"

	"github.com/signalfish/signalserver/internal/coordinator"
	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/protocol"
	"github.com/signalfish/signalserver/internal/reconnect"
	"github.com/signalfish/signalserver/internal/roomstore"
)

// dispatch routes one decoded frame to its handler. Handlers return an
// error only for logging/metrics purposes; client-visible failures are
// always communicated with an explicit Error/*Failed frame, never by
// silently dropping the connection.
func (sess *connSession) dispatch(ctx context.Context, env protocol.Envelope) error {
	switch env.Type {
	case protocol.MsgAuthenticate:
		return sess.handleAuthenticate(ctx, env.Data)
	case protocol.MsgJoinRoom:
		return sess.handleJoinRoom(ctx, env.Data)
	case protocol.MsgLeaveRoom:
		return sess.handleLeaveRoom(ctx)
	case protocol.MsgPlayerReady:
		return sess.handlePlayerReady(ctx)
	case protocol.MsgAuthorityRequest:
		return sess.handleAuthorityRequest(ctx, env.Data)
	case protocol.MsgProvideConnectionInfo:
		return sess.handleProvideConnectionInfo(ctx, env.Data)
	case protocol.MsgGameData:
		return sess.handleGameData(env.Data)
	case protocol.MsgPing:
		return sess.handlePing()
	case protocol.MsgReconnect:
		return sess.handleReconnect(ctx, env.Data)
	case protocol.MsgJoinAsSpectator:
		return sess.handleJoinAsSpectator(ctx, env.Data)
	case protocol.MsgLeaveSpectator:
		return sess.handleLeaveSpectator(ctx)
	default:
		sess.sendError(protocol.ErrInvalidInput, fmt.Sprintf("unknown message type %q", env.Type))
		return fmt.Errorf("session: unknown message type %q", env.Type)
	}
}

func (sess *connSession) handleJoinRoom(ctx context.Context, data []byte) error {
	payload, err := unmarshalPayload[protocol.JoinRoomPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed join_room payload")
		return err
	}

	if sess.roomID != nil {
		sess.sendError(protocol.ErrAlreadyInRoom, "already in a room")
		return fmt.Errorf("session: player %s already in a room", sess.playerID)
	}

	if payload.GameName == "" {
		sess.sendRoomJoinFailed(protocol.ErrInvalidGameName, "game_name must not be empty")
		return fmt.Errorf("session: empty game_name in join_room")
	}
	if len(payload.RoomCode) > 32 {
		sess.sendRoomJoinFailed(protocol.ErrInvalidRoomCode, "room_code is too long")
		return fmt.Errorf("session: oversized room_code in join_room")
	}

	if err := validatePlayerName(sess.server.cfg, payload.PlayerName); err != nil {
		sess.sendRoomJoinFailed(protocol.ErrInvalidPlayerName, err.Error())
		return err
	}

	maxPlayers := payload.MaxPlayers
	if maxPlayers <= 0 {
		maxPlayers = sess.server.cfg.DefaultMaxPlayers
	}
	if maxPlayers > sess.server.cfg.MaxPlayersHardCap {
		maxPlayers = sess.server.cfg.MaxPlayersHardCap
	}

	var appID *[16]byte
	if sess.appInfo != nil {
		b := [16]byte(sess.appInfo.ID)
		appID = &b
	}

	result, err := sess.server.coordinator.Join(ctx, coordinator.JoinRequest{
		GameName:          payload.GameName,
		RoomCode:          payload.RoomCode,
		PlayerID:          sess.playerID,
		PlayerName:        payload.PlayerName,
		MaxPlayers:        maxPlayers,
		MaxSpectators:     sess.server.cfg.DefaultMaxSpectators,
		SupportsAuthority: payload.SupportsAuthority,
		RelayTransport:    payload.RelayTransport,
		ApplicationID:     appID,
	})
	if err != nil {
		code, reason := joinErrorCode(err)
		sess.sendRoomJoinFailed(code, reason)
		return err
	}

	if err := sess.server.conns.AssignClientToRoom(sess.playerID, result.Room.ID); err != nil {
		sess.sendRoomJoinFailed(protocol.ErrInternal, "failed to assign connection to room")
		return err
	}
	room := result.Room.ID
	sess.roomID = &room

	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgRoomJoined,
		Payload: buildRoomJoinedPayload(result.Room, sess.playerID, result.IsAuthority, result.ReconnectionToken),
	})
	return nil
}

func joinErrorCode(err error) (protocol.ErrorCode, string) {
	switch err {
	case coordinator.ErrRateLimited:
		return protocol.ErrRateLimitExceeded, err.Error()
	case coordinator.ErrRoomBusy:
		return protocol.ErrInvalidRoomState, err.Error()
	case coordinator.ErrRoomFull:
		return protocol.ErrRoomFull, err.Error()
	case coordinator.ErrPlayerNameTaken:
		return protocol.ErrPlayerNameTaken, err.Error()
	case coordinator.ErrMaxRoomsExceeded:
		return protocol.ErrMaxRoomsPerGameExceeded, err.Error()
	case roomstore.ErrRoomNotFound:
		return protocol.ErrRoomNotFound, err.Error()
	default:
		return protocol.ErrInternal, err.Error()
	}
}

func (sess *connSession) sendRoomJoinFailed(code protocol.ErrorCode, reason string) {
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgRoomJoinFailed,
		Payload: protocol.RoomJoinFailedPayload{Reason: reason, ErrorCode: code},
	})
}

func buildRoomJoinedPayload(room roomstore.Room, self ids.PlayerID, isAuthority bool, token string) protocol.RoomJoinedPayload {
	players := make([]protocol.PlayerSummary, 0, len(room.Players))
	for _, p := range room.Players {
		players = append(players, protocol.PlayerSummary{
			PlayerID:    p.PlayerID.String(),
			DisplayName: p.DisplayName,
			IsAuthority: p.IsAuthority,
			IsReady:     p.IsReady,
		})
	}
	return protocol.RoomJoinedPayload{
		RoomID:            room.ID.String(),
		Code:              room.Code,
		PlayerID:          self.String(),
		IsAuthority:       isAuthority,
		Players:           players,
		ReconnectionToken: token,
	}
}

func (sess *connSession) handleLeaveRoom(ctx context.Context) error {
	if sess.roomID == nil || sess.cc.IsSpectator() {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: leave_room with no active room")
	}
	room := *sess.roomID
	err := sess.server.coordinator.Leave(ctx, room, sess.playerID)
	if _, clearErr := sess.server.conns.ClearRoomAssignment(sess.playerID); clearErr != nil {
		err = clearErr
	}
	sess.roomID = nil
	if err != nil {
		sess.sendError(protocol.ErrInternal, "failed to leave room")
		return err
	}
	return nil
}

func (sess *connSession) handlePlayerReady(ctx context.Context) error {
	if sess.roomID == nil {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: player_ready with no active room")
	}
	_, err := sess.server.coordinator.PlayerReady(ctx, *sess.roomID, sess.playerID)
	if err != nil {
		sess.sendError(protocol.ErrInvalidRoomState, "cannot toggle ready in current room state")
		return err
	}
	return nil
}

func (sess *connSession) handleAuthorityRequest(ctx context.Context, data []byte) error {
	if sess.roomID == nil {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: authority_request with no active room")
	}
	payload, err := unmarshalPayload[protocol.AuthorityRequestPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed authority_request payload")
		return err
	}
	return sess.server.coordinator.RequestAuthority(ctx, *sess.roomID, sess.playerID, payload.BecomeAuthority)
}

func (sess *connSession) handleProvideConnectionInfo(ctx context.Context, data []byte) error {
	if sess.roomID == nil {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: provide_connection_info with no active room")
	}
	payload, err := unmarshalPayload[protocol.ProvideConnectionInfoPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed provide_connection_info payload")
		return err
	}
	if err := sess.server.coordinator.ProvideConnectionInfo(*sess.roomID, sess.playerID, payload.ConnectionInfo); err != nil {
		sess.sendError(protocol.ErrInternal, "failed to record connection info")
		return err
	}
	return nil
}

func (sess *connSession) handleGameData(data []byte) error {
	if sess.roomID == nil {
		sess.sendError(protocol.ErrNotInRoom, "not in a room")
		return fmt.Errorf("session: game_data with no active room")
	}
	payload, err := unmarshalPayload[protocol.GameDataPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed game_data payload")
		return err
	}
	if int64(len(payload.Data)) > sess.server.cfg.MaxMessageSize {
		sess.sendError(protocol.ErrMessageTooLarge, "game_data payload too large")
		return fmt.Errorf("session: game_data payload too large")
	}
	sess.server.router.BroadcastToRoomExcept(*sess.roomID, sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgGameDataBinary,
		Payload: gameDataForward{From: sess.playerID, Raw: payload.Data},
	})
	return nil
}

func (sess *connSession) handlePing() error {
	sess.server.conns.RecordPing(sess.playerID)
	// Room activity is only refreshed on a coarse cadence so a chatty
	// ping loop does not take the room store's write lock every frame.
	if sess.roomID != nil && sess.server.conns.ShouldUpdateLastSeen(sess.playerID, heartbeatCoalesceInterval) {
		sess.server.coordinator.RecordActivity(*sess.roomID)
	}
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{Type: protocol.MsgPong})
	return nil
}

const heartbeatCoalesceInterval = 15 * time.Second

func (sess *connSession) handleReconnect(ctx context.Context, data []byte) error {
	payload, err := unmarshalPayload[protocol.ReconnectPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed reconnect payload")
		return err
	}

	if sess.roomID != nil {
		sess.sendReconnectionFailed(protocol.ErrReconnectionFailed, "connection is already assigned to a room")
		return fmt.Errorf("session: reconnect from an in-room connection")
	}

	target, err := ids.ParsePlayerID(payload.PlayerID)
	if err != nil {
		sess.sendReconnectionFailed(protocol.ErrReconnectionTokenInvalid, "invalid player_id")
		return err
	}
	room, err := ids.ParseRoomID(payload.RoomID)
	if err != nil {
		sess.sendReconnectionFailed(protocol.ErrReconnectionTokenInvalid, "invalid room_id")
		return err
	}

	if _, connected := sess.server.conns.Get(target); connected {
		sess.sendReconnectionFailed(protocol.ErrPlayerAlreadyConnected, "player is already connected")
		return fmt.Errorf("session: reconnect target %s already connected", target)
	}

	rec, err := sess.server.reconnect.ValidateReconnection(target, room, payload.AuthToken)
	if err != nil {
		sess.sendReconnectionFailed(reconnectErrorCode(err), err.Error())
		return err
	}

	if _, err := sess.server.conns.ReassignConnection(sess.playerID, target, room); err != nil {
		sess.sendReconnectionFailed(protocol.ErrReconnectionFailed, "failed to reassign connection")
		return err
	}
	sess.playerID = target
	sess.roomID = &room
	sess.server.reconnect.CompleteReconnection(target)

	roomSnapshot, ok := sess.server.coordinator.RoomSnapshot(room)
	if !ok {
		sess.sendReconnectionFailed(protocol.ErrRoomNotFound, "room no longer exists")
		return fmt.Errorf("session: room %s missing after reconnection", room)
	}

	// A fresh token replaces the one just consumed, so a second drop
	// within the same session is recoverable too.
	freshToken, err := sess.server.reconnect.IssueToken(target)
	if err != nil {
		freshToken = ""
	}

	sess.server.router.SendToPlayer(target, protocol.OutboundMessage{
		Type: protocol.MsgReconnected,
		Payload: protocol.ReconnectedPayload{
			RoomSnapshot: buildRoomJoinedPayload(roomSnapshot, target, rec.WasAuthority, freshToken),
			MissedEvents: sess.server.reconnect.GetMissedEvents(room, rec.LastSequence),
		},
	})
	sess.server.router.BroadcastToRoomExcept(room, target, protocol.OutboundMessage{
		Type:    protocol.MsgPlayerReconnected,
		Payload: protocol.PlayerReconnectedPayload{PlayerID: target.String()},
	})
	return nil
}

func reconnectErrorCode(err error) protocol.ErrorCode {
	switch err {
	case reconnect.ErrExpired:
		return protocol.ErrReconnectionExpired
	case reconnect.ErrTokenMismatch, reconnect.ErrNoRecord, reconnect.ErrRoomMismatch:
		return protocol.ErrReconnectionTokenInvalid
	default:
		return protocol.ErrReconnectionFailed
	}
}

func (sess *connSession) sendReconnectionFailed(code protocol.ErrorCode, reason string) {
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgReconnectionFailed,
		Payload: protocol.ReconnectionFailedPayload{Reason: reason, ErrorCode: code},
	})
}

func (sess *connSession) handleJoinAsSpectator(ctx context.Context, data []byte) error {
	payload, err := unmarshalPayload[protocol.JoinAsSpectatorPayload](data)
	if err != nil {
		sess.sendError(protocol.ErrInvalidInput, "malformed join_as_spectator payload")
		return err
	}

	if sess.roomID != nil {
		sess.sendError(protocol.ErrAlreadyInRoom, "already in a room")
		return fmt.Errorf("session: spectator join while already in a room")
	}

	room, ok := sess.server.coordinator.ResolveRoom(payload.GameName, payload.RoomCode)
	if !ok {
		sess.sendSpectatorJoinFailed(protocol.ErrRoomNotFound, "room not found")
		return fmt.Errorf("session: spectator join to unknown room")
	}

	joined, err := sess.server.coordinator.JoinSpectator(room.ID, sess.playerID, payload.SpectatorName)
	if err != nil {
		sess.sendSpectatorJoinFailed(protocol.ErrInternal, err.Error())
		return err
	}
	if !joined {
		sess.sendSpectatorJoinFailed(protocol.ErrSpectatorRoomFull, "spectator capacity reached")
		return fmt.Errorf("session: spectator room full")
	}

	if err := sess.server.conns.AssignClientToRoom(sess.playerID, room.ID); err != nil {
		sess.sendSpectatorJoinFailed(protocol.ErrInternal, "failed to assign connection to room")
		return err
	}
	sess.cc.SetSpectator(true)
	id := room.ID
	sess.roomID = &id

	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgSpectatorJoined,
		Payload: protocol.SpectatorJoinedPayload{RoomID: room.ID.String()},
	})
	return nil
}

func (sess *connSession) sendSpectatorJoinFailed(code protocol.ErrorCode, reason string) {
	sess.server.router.SendToPlayer(sess.playerID, protocol.OutboundMessage{
		Type:    protocol.MsgSpectatorJoinFailed,
		Payload: protocol.SpectatorJoinFailedPayload{Reason: reason, ErrorCode: code},
	})
}

func (sess *connSession) handleLeaveSpectator(ctx context.Context) error {
	if sess.roomID == nil || !sess.cc.IsSpectator() {
		sess.sendError(protocol.ErrNotSpectator, "not a spectator in any room")
		return fmt.Errorf("session: leave_spectator without a spectator seat")
	}
	room := *sess.roomID
	err := sess.server.coordinator.LeaveSpectator(room, sess.playerID, false)
	sess.cc.SetSpectator(false)
	sess.roomID = nil
	if _, clearErr := sess.server.conns.ClearRoomAssignment(sess.playerID); clearErr != nil && err == nil {
		err = clearErr
	}
	return err
}
