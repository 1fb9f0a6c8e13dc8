// Package coordinator implements the room-level state machine as a
// lock -> mutate -> broadcast pipeline: Join, RequestAuthority and
// PlayerReady each acquire a named, TTL-bounded lock from
// internal/lock, mutate the room store, fan notifications out through
// the router, and release the lock on every return path. Leave,
// ProvideConnectionInfo, JoinSpectator, LeaveSpectator and
// RecordActivity take no named lock; they rely only on the room
// store's own mutex for each individual store call. Lock names are scoped per concern rather than
// per room ("room_join:...", "room_authority:...",
// "room_ready_state:...") so a join and a ready-up in different rooms
// never contend, while two racing creates of the same code serialize.
package coordinator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/lock"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/protocol"
	"github.com/signalfish/signalserver/internal/reconnect"
	"github.com/signalfish/signalserver/internal/roomstore"
	"github.com/signalfish/signalserver/internal/router"
	"go.uber.org/zap"
)

// Router is the subset of internal/router.Router the coordinator uses
// to notify room members.
type Router interface {
	SendToPlayer(player ids.PlayerID, msg protocol.OutboundMessage)
	BroadcastToRoom(room ids.RoomID, msg protocol.OutboundMessage)
	BroadcastToRoomExcept(room ids.RoomID, except ids.PlayerID, msg protocol.OutboundMessage)
}

var _ Router = (*router.Router)(nil)

// Reconnector is the subset of internal/reconnect.Manager the
// coordinator uses to keep late-joiner event history current and to
// issue reconnection tokens at join time.
type Reconnector interface {
	BufferEvent(room ids.RoomID, msgType protocol.MessageType, payload any) error
	IssueToken(player ids.PlayerID) (string, error)
}

var _ Reconnector = (*reconnect.Manager)(nil)

// Limiter is the subset of internal/ratelimit.Limiter the coordinator
// consults for join-attempt and room-creation admission.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) bool
}

// Config bundles the coordinator's tunables, sourced from
// internal/config.
type Config struct {
	MaxRoomsPerGame    int
	JoinAttemptLimit   int
	RoomCreateLimit    int
	RoomJoinLockTTL    time.Duration
	GameRoomCapLockTTL time.Duration
	AuthorityLockTTL   time.Duration
	ReadyLockTTL       time.Duration
}

// Coordinator orchestrates join/leave/authority/ready across the lock
// table, the room store, and the router.
type Coordinator struct {
	rooms     *roomstore.Store
	locks     *lock.Table
	router    Router
	reconnect Reconnector
	joinLimit Limiter
	roomLimit Limiter
	cfg       Config
}

// New constructs a Coordinator. joinLimiter enforces per-player
// join-attempt admission; roomLimiter enforces per-player
// room-creation admission (a room creation also consumes one
// join-attempt slot, so creating cannot be used to dodge the join budget).
func New(rooms *roomstore.Store, locks *lock.Table, r Router, rc Reconnector, joinLimiter, roomLimiter Limiter, cfg Config) *Coordinator {
	return &Coordinator{rooms: rooms, locks: locks, router: r, reconnect: rc, joinLimit: joinLimiter, roomLimit: roomLimiter, cfg: cfg}
}

// JoinRequest bundles JoinRoom's parameters.
type JoinRequest struct {
	GameName          string
	RoomCode          string // empty means "create a new room"
	PlayerID          ids.PlayerID
	PlayerName        string
	MaxPlayers        int
	MaxSpectators     int
	SupportsAuthority bool
	RelayTransport    string
	RegionID          string
	ApplicationID     *[16]byte
}

// JoinResult is returned on a successful join.
type JoinResult struct {
	Room              roomstore.Room
	IsAuthority       bool
	ReconnectionToken string
}

// Typed errors surfaced to the session handler, which maps them to
// protocol.ErrorCode values.
var (
	ErrRateLimited      = fmt.Errorf("coordinator: rate limit exceeded")
	ErrRoomBusy         = fmt.Errorf("coordinator: could not acquire room lock")
	ErrRoomFull         = fmt.Errorf("coordinator: room is full")
	ErrPlayerNameTaken  = fmt.Errorf("coordinator: player name already in use in this room")
	ErrMaxRoomsExceeded = fmt.Errorf("coordinator: max rooms per game exceeded")
	ErrNotInLobby       = fmt.Errorf("coordinator: room is not in lobby state")
)

func lockKey(parts ...string) string {
	return strings.Join(parts, ":")
}

// Join admits a player into an existing room or creates one, under
// the join rate limit and the per-game room cap.
func (co *Coordinator) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if !co.joinLimit.Check(ctx, req.PlayerID.String(), co.cfg.JoinAttemptLimit, time.Minute) {
		return JoinResult{}, ErrRateLimited
	}

	name := lockKey("room_join", req.GameName, req.RoomCode)
	if req.RoomCode == "" {
		name = lockKey("room_join", req.GameName, "create", req.PlayerID.String())
	}
	handle, err := co.locks.Acquire(ctx, name, co.cfg.RoomJoinLockTTL, lock.DefaultBackoff)
	if err != nil {
		return JoinResult{}, ErrRoomBusy
	}
	defer co.locks.Release(handle)

	if req.RoomCode != "" {
		if room, ok := co.rooms.GetRoom(req.GameName, req.RoomCode); ok {
			return co.joinExisting(ctx, room, req)
		}
	}
	return co.createAndJoin(ctx, req)
}

func (co *Coordinator) joinExisting(ctx context.Context, room roomstore.Room, req JoinRequest) (JoinResult, error) {
	lower := strings.ToLower(req.PlayerName)
	for _, p := range room.Players {
		if strings.ToLower(p.DisplayName) == lower {
			return JoinResult{}, ErrPlayerNameTaken
		}
	}

	info := roomstore.PlayerInfo{
		PlayerID:    req.PlayerID,
		DisplayName: req.PlayerName,
		RegionID:    req.RegionID,
	}
	ok, err := co.rooms.AddPlayerToRoom(room.ID, info)
	if err != nil {
		return JoinResult{}, err
	}
	if !ok {
		return JoinResult{}, ErrRoomFull
	}

	room, _ = co.rooms.GetRoomByID(room.ID)

	token, err := co.reconnect.IssueToken(req.PlayerID)
	if err != nil {
		return JoinResult{}, err
	}

	co.router.BroadcastToRoomExcept(room.ID, req.PlayerID, protocol.OutboundMessage{
		Type:    protocol.MsgPlayerJoined,
		Payload: protocol.PlayerJoinedPayload{Player: playerSummary(info)},
	})
	_ = co.reconnect.BufferEvent(room.ID, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{Player: playerSummary(info)})

	if len(room.Players) >= room.MaxPlayers {
		co.enterLobby(room.ID)
		// The joiner only becomes a router member of the room after Join
		// returns, so the lobby broadcast misses it; send it directly.
		if r, ok := co.rooms.GetRoomByID(room.ID); ok && r.LobbyState == roomstore.LobbyStateLobby {
			co.router.SendToPlayer(req.PlayerID, protocol.OutboundMessage{
				Type:    protocol.MsgLobbyStateChanged,
				Payload: protocol.LobbyStateChangedPayload{LobbyState: string(r.LobbyState), ReadyPlayers: playerIDStrings(r.ReadyPlayers)},
			})
		}
	}

	return JoinResult{Room: room, IsAuthority: false, ReconnectionToken: token}, nil
}

func (co *Coordinator) createAndJoin(ctx context.Context, req JoinRequest) (JoinResult, error) {
	if !co.roomLimit.Check(ctx, req.PlayerID.String(), co.cfg.RoomCreateLimit, time.Minute) {
		return JoinResult{}, ErrRateLimited
	}

	capHandle, err := co.locks.Acquire(ctx, lockKey("game_room_cap", req.GameName), co.cfg.GameRoomCapLockTTL, lock.DefaultBackoff)
	if err != nil {
		return JoinResult{}, ErrRoomBusy
	}
	defer co.locks.Release(capHandle)

	if co.cfg.MaxRoomsPerGame > 0 && co.rooms.GameRoomCount(req.GameName) >= co.cfg.MaxRoomsPerGame {
		return JoinResult{}, ErrMaxRoomsExceeded
	}

	var appID *uuidBytes
	if req.ApplicationID != nil {
		appID = (*uuidBytes)(req.ApplicationID)
	}

	room, err := co.rooms.CreateRoom(roomstore.CreateParams{
		GameName:          req.GameName,
		Code:              req.RoomCode,
		MaxPlayers:        req.MaxPlayers,
		MaxSpectators:     req.MaxSpectators,
		SupportsAuthority: req.SupportsAuthority,
		CreatorID:         req.PlayerID,
		CreatorName:       req.PlayerName,
		RelayType:         req.RelayTransport,
		RegionID:          req.RegionID,
		ApplicationID:     appID,
	})
	if err != nil {
		return JoinResult{}, err
	}

	token, err := co.reconnect.IssueToken(req.PlayerID)
	if err != nil {
		return JoinResult{}, err
	}

	if len(room.Players) >= room.MaxPlayers {
		co.enterLobby(room.ID)
		room, _ = co.rooms.GetRoomByID(room.ID)
	}

	return JoinResult{Room: room, IsAuthority: req.SupportsAuthority, ReconnectionToken: token}, nil
}

// uuidBytes lets this package accept a *[16]byte without importing
// roomstore's private alias directly.
type uuidBytes = [16]byte

func (co *Coordinator) enterLobby(room ids.RoomID) {
	changed, err := co.rooms.TransitionRoomToLobby(room)
	if err != nil || !changed {
		return
	}
	co.broadcastLobbyState(room)
}

func (co *Coordinator) broadcastLobbyState(room ids.RoomID) {
	r, ok := co.rooms.GetRoomByID(room)
	if !ok {
		return
	}
	payload := protocol.LobbyStateChangedPayload{
		LobbyState:   string(r.LobbyState),
		ReadyPlayers: playerIDStrings(r.ReadyPlayers),
		AllReady:     len(r.Players) > 0 && len(r.ReadyPlayers) == len(r.Players),
	}
	co.router.BroadcastToRoom(room, protocol.OutboundMessage{Type: protocol.MsgLobbyStateChanged, Payload: payload})
	_ = co.reconnect.BufferEvent(room, protocol.MsgLobbyStateChanged, payload)
}

// Leave removes a player from a room, notifies the leaver and the
// remaining members, and drops the room back to Waiting when
// occupancy falls below capacity mid-lobby.
func (co *Coordinator) Leave(ctx context.Context, room ids.RoomID, player ids.PlayerID) error {
	r, ok := co.rooms.GetRoomByID(room)
	if !ok {
		return roomstore.ErrRoomNotFound
	}

	if err := co.rooms.RemovePlayerFromRoom(room, player); err != nil {
		return err
	}

	co.router.SendToPlayer(player, protocol.OutboundMessage{
		Type:    protocol.MsgRoomLeft,
		Payload: protocol.NewRoomLeft(room),
	})
	co.router.BroadcastToRoomExcept(room, player, protocol.OutboundMessage{
		Type:    protocol.MsgPlayerLeft,
		Payload: protocol.NewPlayerLeft(player),
	})
	_ = co.reconnect.BufferEvent(room, protocol.MsgPlayerLeft, protocol.NewPlayerLeft(player))

	if r.LobbyState == roomstore.LobbyStateLobby {
		if changed, _ := co.rooms.TransitionRoomToWaiting(room); changed {
			co.broadcastLobbyStateAsWaiting(room)
		}
	}
	return nil
}

func (co *Coordinator) broadcastLobbyStateAsWaiting(room ids.RoomID) {
	r, ok := co.rooms.GetRoomByID(room)
	if !ok {
		return
	}
	payload := protocol.LobbyStateChangedPayload{
		LobbyState:   string(r.LobbyState),
		ReadyPlayers: nil,
		AllReady:     false,
	}
	co.router.BroadcastToRoom(room, protocol.OutboundMessage{Type: protocol.MsgLobbyStateChanged, Payload: payload})
}

// RequestAuthority runs the authority-request pipeline.
func (co *Coordinator) RequestAuthority(ctx context.Context, room ids.RoomID, player ids.PlayerID, become bool) error {
	handle, err := co.locks.Acquire(ctx, lockKey("room_authority", room.String()), co.cfg.AuthorityLockTTL, lock.DefaultBackoff)
	if err != nil {
		return ErrRoomBusy
	}
	defer co.locks.Release(handle)

	err = co.rooms.RequestRoomAuthority(room, player, become)
	if err != nil {
		code := authorityErrorCode(err)
		co.router.SendToPlayer(player, protocol.OutboundMessage{
			Type:    protocol.MsgAuthorityResponse,
			Payload: protocol.AuthorityResponsePayload{Granted: false, ErrorCode: code},
		})
		return err
	}

	co.router.SendToPlayer(player, protocol.OutboundMessage{
		Type:    protocol.MsgAuthorityResponse,
		Payload: protocol.AuthorityResponsePayload{Granted: true},
	})

	r, ok := co.rooms.GetRoomByID(room)
	if !ok {
		return nil
	}
	var authorityStr string
	if r.AuthorityPlayer != nil {
		authorityStr = r.AuthorityPlayer.String()
	}
	for pid := range r.Players {
		payload := protocol.AuthorityChangedPayload{
			AuthorityPlayer: authorityStr,
			YouAreAuthority: r.AuthorityPlayer != nil && *r.AuthorityPlayer == pid,
		}
		co.router.SendToPlayer(pid, protocol.OutboundMessage{Type: protocol.MsgAuthorityChanged, Payload: payload})
	}
	_ = co.reconnect.BufferEvent(room, protocol.MsgAuthorityChanged, protocol.AuthorityChangedPayload{AuthorityPlayer: authorityStr, YouAreAuthority: false})
	return nil
}

func authorityErrorCode(err error) protocol.ErrorCode {
	switch err {
	case roomstore.ErrAuthorityUnsupported:
		return protocol.ErrAuthorityNotSupported
	case roomstore.ErrAuthorityAlreadyHeld, roomstore.ErrNotAuthority:
		return protocol.ErrAuthorityConflict
	default:
		return protocol.ErrAuthorityDenied
	}
}

// ReadyResult is returned by PlayerReady.
type ReadyResult struct {
	AllReady bool
	Room     roomstore.Room
}

// PlayerReady runs the ready-toggle pipeline, including the
// all-ready -> GameStarting transition.
func (co *Coordinator) PlayerReady(ctx context.Context, room ids.RoomID, player ids.PlayerID) (ReadyResult, error) {
	handle, err := co.locks.Acquire(ctx, lockKey("room_ready_state", room.String()), co.cfg.ReadyLockTTL, lock.DefaultBackoff)
	if err != nil {
		return ReadyResult{}, ErrRoomBusy
	}
	defer co.locks.Release(handle)

	result, inLobby, err := co.rooms.TogglePlayerReady(room, player)
	if err != nil {
		return ReadyResult{}, err
	}
	if !inLobby {
		return ReadyResult{}, ErrNotInLobby
	}

	payload := protocol.LobbyStateChangedPayload{
		LobbyState:   string(result.LobbyState),
		ReadyPlayers: playerIDStrings(result.ReadyPlayers),
		AllReady:     result.AllPlayersReady,
	}
	co.router.BroadcastToRoom(room, protocol.OutboundMessage{Type: protocol.MsgLobbyStateChanged, Payload: payload})
	_ = co.reconnect.BufferEvent(room, protocol.MsgLobbyStateChanged, payload)

	r, ok := co.rooms.GetRoomByID(room)
	if !ok {
		return ReadyResult{}, roomstore.ErrRoomNotFound
	}

	if result.AllPlayersReady {
		peers := make([]protocol.PeerConnection, 0, len(r.Players))
		for pid, info := range r.Players {
			peers = append(peers, protocol.PeerConnection{
				PlayerID:       pid.String(),
				IsAuthority:    info.IsAuthority,
				ConnectionInfo: info.ConnectionInfo,
			})
		}
		starting := protocol.GameStartingPayload{PeerConnections: peers}
		co.router.BroadcastToRoom(room, protocol.OutboundMessage{Type: protocol.MsgGameStarting, Payload: starting})
		_ = co.reconnect.BufferEvent(room, protocol.MsgGameStarting, starting)
		if err := co.rooms.ClearRoomReadyState(room); err != nil {
			logging.Warn(ctx, "failed to clear ready state after game start", zap.String("room_id", room.String()), zap.Error(err))
		}
	}

	return ReadyResult{AllReady: result.AllPlayersReady, Room: r}, nil
}

// RoomSnapshot returns a copy of room id's current state, used by the
// session handler to build RoomJoined/Reconnected payloads.
func (co *Coordinator) RoomSnapshot(id ids.RoomID) (roomstore.Room, bool) {
	return co.rooms.GetRoomByID(id)
}

// ResolveRoom looks up a room by its (game, code) pair, used by the
// session handler when joining as a spectator.
func (co *Coordinator) ResolveRoom(gameName, code string) (roomstore.Room, bool) {
	return co.rooms.GetRoom(gameName, code)
}

// RecordActivity refreshes room's last-activity clock, called on the
// session handler's coarsened heartbeat cadence.
func (co *Coordinator) RecordActivity(room ids.RoomID) {
	_ = co.rooms.TouchRoom(room)
}

// ProvideConnectionInfo records player's P2P descriptor in room.
func (co *Coordinator) ProvideConnectionInfo(room ids.RoomID, player ids.PlayerID, info protocol.ConnectionInfo) error {
	return co.rooms.SetPlayerConnectionInfo(room, player, info)
}

// JoinSpectator adds spectator to room's spectator pool.
func (co *Coordinator) JoinSpectator(room ids.RoomID, spectator ids.PlayerID, name string) (bool, error) {
	ok, err := co.rooms.AddSpectator(room, roomstore.SpectatorInfo{SpectatorID: spectator, DisplayName: name})
	if err != nil || !ok {
		return ok, err
	}
	co.router.BroadcastToRoom(room, protocol.OutboundMessage{
		Type:    protocol.MsgNewSpectatorJoined,
		Payload: protocol.NewSpectatorJoinedPayload{SpectatorID: spectator.String(), SpectatorName: name},
	})
	return true, nil
}

// LeaveSpectator removes spectator from room, optionally announcing a
// disconnect rather than a voluntary leave.
func (co *Coordinator) LeaveSpectator(room ids.RoomID, spectator ids.PlayerID, disconnected bool) error {
	if err := co.rooms.RemoveSpectator(room, spectator); err != nil {
		return err
	}
	reason := protocol.SpectatorLeftVoluntary
	if disconnected {
		reason = protocol.SpectatorLeftDisconnected
	}
	co.router.SendToPlayer(spectator, protocol.OutboundMessage{
		Type:    protocol.MsgSpectatorLeft,
		Payload: protocol.SpectatorLeftPayload{Reason: reason},
	})
	if disconnected {
		co.router.BroadcastToRoom(room, protocol.OutboundMessage{
			Type:    protocol.MsgSpectatorDisconnected,
			Payload: protocol.SpectatorDisconnectedPayload{SpectatorID: spectator.String()},
		})
	}
	return nil
}

func playerSummary(p roomstore.PlayerInfo) protocol.PlayerSummary {
	return protocol.PlayerSummary{
		PlayerID:    p.PlayerID.String(),
		DisplayName: p.DisplayName,
		IsAuthority: p.IsAuthority,
		IsReady:     p.IsReady,
	}
}

func playerIDStrings(ps []ids.PlayerID) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.String()
	}
	return out
}
