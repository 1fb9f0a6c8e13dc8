// Package roomstore owns the in-memory room and player directory: the
// room map, a secondary (game_name, code) → RoomID index, and every
// atomic transition a room goes through from creation to
// finalization. Both maps are mutated under one store-wide write lock
// in the fixed order rooms → codes, so no interleaving can observe a
// room in one map and not the other.
package roomstore

import (
	"fmt"
	"sync"
	"time"

	"k8s.io/utils/set"

	"github.com/signalfish/signalserver/internal/admin"
	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
)

// LobbyState is the room's coarse lifecycle phase.
type LobbyState string

const (
	LobbyStateWaiting   LobbyState = "waiting"
	LobbyStateLobby     LobbyState = "lobby"
	LobbyStateFinalized LobbyState = "finalized"
)

// PlayerInfo is one room member's directory entry.
type PlayerInfo struct {
	PlayerID       ids.PlayerID
	DisplayName    string
	IsAuthority    bool
	IsReady        bool
	ConnectedAt    time.Time
	ConnectionInfo protocol.ConnectionInfo
	RegionID       string
}

// SpectatorInfo is one spectator's directory entry.
type SpectatorInfo struct {
	SpectatorID ids.PlayerID
	DisplayName string
	JoinedAt    time.Time
}

// Room is one room's full state. Callers only ever see copies
// returned by GetRoom/GetRoomByID; mutation happens exclusively
// through Store methods.
type Room struct {
	ID            ids.RoomID
	GameName      string
	Code          string
	RegionID      string
	RelayType     string
	ApplicationID *uuid16

	MaxPlayers        int
	SupportsAuthority bool

	Players       map[ids.PlayerID]PlayerInfo
	MaxSpectators int
	Spectators    map[ids.PlayerID]SpectatorInfo

	AuthorityPlayer *ids.PlayerID

	LobbyState   LobbyState
	ReadyPlayers []ids.PlayerID

	CreatedAt       time.Time
	LastActivity    time.Time
	LobbyStartedAt  *time.Time
	GameFinalizedAt *time.Time
}

// uuid16 avoids importing google/uuid here just for an optional
// field; roomstore only ever copies it through.
type uuid16 = [16]byte

func (r Room) clone() Room {
	players := make(map[ids.PlayerID]PlayerInfo, len(r.Players))
	for k, v := range r.Players {
		players[k] = v
	}
	spectators := make(map[ids.PlayerID]SpectatorInfo, len(r.Spectators))
	for k, v := range r.Spectators {
		spectators[k] = v
	}
	r.Players = players
	r.Spectators = spectators
	if r.ReadyPlayers != nil {
		ready := make([]ids.PlayerID, len(r.ReadyPlayers))
		copy(ready, r.ReadyPlayers)
		r.ReadyPlayers = ready
	}
	return r
}

type roomKey struct {
	gameName string
	code     string
}

// Store is the room directory.
type Store struct {
	mu    sync.RWMutex
	rooms map[ids.RoomID]*Room
	codes map[roomKey]ids.RoomID

	cleanupClaims map[string]cleanupClaim

	roomCodeLength int
}

// New constructs an empty Store.
func New(roomCodeLength int) *Store {
	if roomCodeLength <= 0 {
		roomCodeLength = ids.DefaultRoomCodeLength
	}
	return &Store{
		rooms:          make(map[ids.RoomID]*Room),
		codes:          make(map[roomKey]ids.RoomID),
		roomCodeLength: roomCodeLength,
	}
}

// CreateParams bundles CreateRoom's arguments.
type CreateParams struct {
	GameName          string
	Code              string // empty to auto-generate
	MaxPlayers        int
	MaxSpectators     int
	SupportsAuthority bool
	CreatorID         ids.PlayerID
	CreatorName       string
	RelayType         string
	RegionID          string
	ApplicationID     *uuid16
}

var ErrCodeTaken = fmt.Errorf("roomstore: requested room code is already in use")
var ErrRoomIDCollision = fmt.Errorf("roomstore: could not generate a unique room id")
var ErrRoomNotFound = fmt.Errorf("roomstore: room not found")
var ErrRoomFull = fmt.Errorf("roomstore: room is at capacity")

const maxIDGenerationAttempts = 16

// CreateRoom inserts a new room seeded with its creator as the first
// player. When supports_authority is true the creator starts as the
// authority. Both maps are mutated under the combined write lock in
// the fixed order rooms → codes.
func (s *Store) CreateRoom(p CreateParams) (Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := p.Code
	if code == "" {
		generated, err := ids.GenerateRoomCode(s.roomCodeLength, "")
		if err != nil {
			return Room{}, err
		}
		code = generated
	}

	key := roomKey{gameName: p.GameName, code: code}
	if _, exists := s.codes[key]; exists {
		return Room{}, ErrCodeTaken
	}

	var roomID ids.RoomID
	for attempt := 0; ; attempt++ {
		candidate := ids.NewRoomID()
		if _, exists := s.rooms[candidate]; !exists {
			roomID = candidate
			break
		}
		if attempt >= maxIDGenerationAttempts {
			return Room{}, ErrRoomIDCollision
		}
	}

	now := time.Now()
	room := &Room{
		ID:                roomID,
		GameName:          p.GameName,
		Code:              code,
		RegionID:          p.RegionID,
		RelayType:         p.RelayType,
		ApplicationID:     p.ApplicationID,
		MaxPlayers:        p.MaxPlayers,
		SupportsAuthority: p.SupportsAuthority,
		Players:           map[ids.PlayerID]PlayerInfo{},
		MaxSpectators:     p.MaxSpectators,
		Spectators:        map[ids.PlayerID]SpectatorInfo{},
		LobbyState:        LobbyStateWaiting,
		CreatedAt:         now,
		LastActivity:      now,
	}

	room.Players[p.CreatorID] = PlayerInfo{
		PlayerID:    p.CreatorID,
		DisplayName: p.CreatorName,
		IsAuthority: p.SupportsAuthority,
		ConnectedAt: now,
	}
	if p.SupportsAuthority {
		authority := p.CreatorID
		room.AuthorityPlayer = &authority
	}

	s.rooms[roomID] = room
	s.codes[key] = roomID
	metrics.ActiveRooms.Inc()

	return room.clone(), nil
}

// GetRoom returns a snapshot copy of the room identified by
// (gameName, code), if any.
func (s *Store) GetRoom(gameName, code string) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.codes[roomKey{gameName: gameName, code: code}]
	if !ok {
		return Room{}, false
	}
	room, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return room.clone(), true
}

// GetRoomByID returns a snapshot copy of the room by id.
func (s *Store) GetRoomByID(id ids.RoomID) (Room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return Room{}, false
	}
	return room.clone(), true
}

// AddPlayerToRoom inserts player into room id if under capacity.
// Returns (false, nil) when the room is full, and a non-nil error
// only when the room does not exist.
func (s *Store) AddPlayerToRoom(id ids.RoomID, player PlayerInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if len(room.Players) >= room.MaxPlayers {
		return false, nil
	}
	if player.ConnectedAt.IsZero() {
		player.ConnectedAt = time.Now()
	}
	room.Players[player.PlayerID] = player
	room.LastActivity = time.Now()
	return true, nil
}

// RemovePlayerFromRoom pops player from room id. If the removed
// player was the authority, the authority slot is cleared (no
// auto-reassignment) and every remaining player's is_authority flag
// is cleared alongside it.
func (s *Store) RemovePlayerFromRoom(id ids.RoomID, player ids.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}

	delete(room.Players, player)

	if room.AuthorityPlayer != nil && *room.AuthorityPlayer == player {
		room.AuthorityPlayer = nil
		for pid, info := range room.Players {
			if info.IsAuthority {
				info.IsAuthority = false
				room.Players[pid] = info
			}
		}
	}

	room.LastActivity = time.Now()
	return nil
}

var ErrAuthorityUnsupported = fmt.Errorf("roomstore: room does not support authority")
var ErrAuthorityAlreadyHeld = fmt.Errorf("roomstore: authority already held by another player")
var ErrNotAuthority = fmt.Errorf("roomstore: caller does not hold authority")
var ErrPlayerNotInRoom = fmt.Errorf("roomstore: player is not in the room")

// RequestRoomAuthority grants or releases authority for player in
// room id.
func (s *Store) RequestRoomAuthority(id ids.RoomID, player ids.PlayerID, become bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	if !room.SupportsAuthority {
		return ErrAuthorityUnsupported
	}
	info, ok := room.Players[player]
	if !ok {
		return ErrPlayerNotInRoom
	}

	if become {
		if room.AuthorityPlayer != nil {
			return ErrAuthorityAlreadyHeld
		}
		p := player
		room.AuthorityPlayer = &p
		info.IsAuthority = true
		room.Players[player] = info
		return nil
	}

	if room.AuthorityPlayer == nil || *room.AuthorityPlayer != player {
		return ErrNotAuthority
	}
	room.AuthorityPlayer = nil
	info.IsAuthority = false
	room.Players[player] = info
	return nil
}

// ToggleResult is returned by TogglePlayerReady.
type ToggleResult struct {
	LobbyState      LobbyState
	ReadyPlayers    []ids.PlayerID
	AllPlayersReady bool
}

// TogglePlayerReady flips player's ready bit. Only valid while the
// room is in the Lobby state; returns (ToggleResult{}, false)
// otherwise.
func (s *Store) TogglePlayerReady(id ids.RoomID, player ids.PlayerID) (ToggleResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ToggleResult{}, false, ErrRoomNotFound
	}
	if room.LobbyState != LobbyStateLobby {
		return ToggleResult{}, false, nil
	}

	info, ok := room.Players[player]
	if !ok {
		return ToggleResult{}, false, ErrPlayerNotInRoom
	}
	info.IsReady = !info.IsReady
	room.Players[player] = info

	room.ReadyPlayers = rebuildReadyPlayers(room)

	allReady := len(room.Players) > 0 && len(room.ReadyPlayers) == len(room.Players)

	result := ToggleResult{
		LobbyState:      room.LobbyState,
		ReadyPlayers:    append([]ids.PlayerID(nil), room.ReadyPlayers...),
		AllPlayersReady: allReady,
	}
	return result, true, nil
}

// rebuildReadyPlayers walks the current ready list, drops any player
// no longer ready, and appends newly-ready players not already
// present, preserving insertion order.
func rebuildReadyPlayers(room *Room) []ids.PlayerID {
	seen := set.New[ids.PlayerID]()
	rebuilt := make([]ids.PlayerID, 0, len(room.ReadyPlayers))
	for _, pid := range room.ReadyPlayers {
		if info, ok := room.Players[pid]; ok && info.IsReady {
			rebuilt = append(rebuilt, pid)
			seen.Insert(pid)
		}
	}
	for pid, info := range room.Players {
		if info.IsReady && !seen.Has(pid) {
			rebuilt = append(rebuilt, pid)
		}
	}
	return rebuilt
}

// TransitionRoomToLobby moves a room from Waiting to Lobby when
// occupancy has reached max_players.
func (s *Store) TransitionRoomToLobby(id ids.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if room.LobbyState != LobbyStateWaiting || len(room.Players) < room.MaxPlayers {
		return false, nil
	}
	room.LobbyState = LobbyStateLobby
	now := time.Now()
	room.LobbyStartedAt = &now
	for pid, info := range room.Players {
		info.IsReady = false
		room.Players[pid] = info
	}
	room.ReadyPlayers = nil
	return true, nil
}

// TransitionRoomToWaiting moves a room from Lobby back to Waiting
// when occupancy has dropped below max_players.
func (s *Store) TransitionRoomToWaiting(id ids.RoomID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if room.LobbyState != LobbyStateLobby || len(room.Players) >= room.MaxPlayers {
		return false, nil
	}
	room.LobbyState = LobbyStateWaiting
	room.ReadyPlayers = nil
	for pid, info := range room.Players {
		info.IsReady = false
		room.Players[pid] = info
	}
	return true, nil
}

// FinalizeRoomGame marks id Finalized.
func (s *Store) FinalizeRoomGame(id ids.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	room.LobbyState = LobbyStateFinalized
	now := time.Now()
	room.GameFinalizedAt = &now
	return nil
}

// RemovedRoom identifies one room reaped by CleanupExpiredRooms, so
// the cleanup task can claim and announce each removal individually.
type RemovedRoom struct {
	ID       ids.RoomID
	GameName string
	Code     string
	WasEmpty bool
}

// ExpiredCounts partitions rooms removed by CleanupExpiredRooms.
type ExpiredCounts struct {
	EmptyExpired    int
	InactiveExpired int
	Removed         []RemovedRoom
}

// CleanupExpiredRooms removes rooms that have been empty for longer
// than emptyTimeout, or inactive (regardless of occupancy) for longer
// than inactiveTimeout.
func (s *Store) CleanupExpiredRooms(emptyTimeout, inactiveTimeout time.Duration) ExpiredCounts {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var counts ExpiredCounts
	for id, room := range s.rooms {
		wasEmpty := len(room.Players) == 0
		expired := (wasEmpty && room.LastActivity.Add(emptyTimeout).Before(now)) ||
			(!wasEmpty && room.LastActivity.Add(inactiveTimeout).Before(now))
		if !expired {
			continue
		}

		delete(s.rooms, id)
		delete(s.codes, roomKey{gameName: room.GameName, code: room.Code})
		metrics.ActiveRooms.Dec()

		counts.Removed = append(counts.Removed, RemovedRoom{
			ID:       id,
			GameName: room.GameName,
			Code:     room.Code,
			WasEmpty: wasEmpty,
		})
		if wasEmpty {
			counts.EmptyExpired++
		} else {
			counts.InactiveExpired++
		}
	}
	return counts
}

// cleanupClaims tracks which instance has claimed a given
// (room, cleanup_type, time-bucket) triple, so concurrent cleanup
// sweeps across goroutines don't double-process the same room.
type cleanupClaim struct {
	instanceID string
	claimedAt  time.Time
}

// TryClaimRoomCleanup lets instanceID claim responsibility for
// cleaning up room id under cleanupType for the current 5-minute
// bucket. Returns false if another instance already holds the claim
// for this bucket.
func (s *Store) TryClaimRoomCleanup(id ids.RoomID, cleanupType, instanceID string) bool {
	key := fmt.Sprintf("%s:%s:%d", id.String(), cleanupType, time.Now().Unix()/300)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cleanupClaims == nil {
		s.cleanupClaims = make(map[string]cleanupClaim)
	}
	if _, exists := s.cleanupClaims[key]; exists {
		return false
	}
	s.cleanupClaims[key] = cleanupClaim{instanceID: instanceID, claimedAt: time.Now()}
	return true
}

// CleanupOldRoomCleanupEvents drops claim keys older than maxAge.
func (s *Store) CleanupOldRoomCleanupEvents(maxAge time.Duration) int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, claim := range s.cleanupClaims {
		if claim.claimedAt.Add(maxAge).Before(now) {
			delete(s.cleanupClaims, key)
			removed++
		}
	}
	return removed
}

// AddSpectator inserts spectator into room id's spectator map if
// under its independent capacity. Spectators never count toward
// MaxPlayers.
func (s *Store) AddSpectator(id ids.RoomID, spectator SpectatorInfo) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return false, ErrRoomNotFound
	}
	if room.MaxSpectators > 0 && len(room.Spectators) >= room.MaxSpectators {
		return false, nil
	}
	if spectator.JoinedAt.IsZero() {
		spectator.JoinedAt = time.Now()
	}
	room.Spectators[spectator.SpectatorID] = spectator
	return true, nil
}

// RemoveSpectator removes spectatorID from room id's spectator map.
func (s *Store) RemoveSpectator(id ids.RoomID, spectatorID ids.PlayerID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	delete(room.Spectators, spectatorID)
	return nil
}

// GetRoomSpectators returns a snapshot of room id's spectators.
func (s *Store) GetRoomSpectators(id ids.RoomID) ([]SpectatorInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	room, ok := s.rooms[id]
	if !ok {
		return nil, ErrRoomNotFound
	}
	out := make([]SpectatorInfo, 0, len(room.Spectators))
	for _, sp := range room.Spectators {
		out = append(out, sp)
	}
	return out, nil
}

// GameRoomCount reports how many live rooms exist for gameName, used
// by the room coordinator to enforce max_rooms_per_game under the
// game_room_cap lock.
func (s *Store) GameRoomCount(gameName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, room := range s.rooms {
		if room.GameName == gameName {
			n++
		}
	}
	return n
}

// ClearRoomReadyState resets every player's is_ready flag and empties
// ReadyPlayers without touching LobbyState, used after GameStarting
// fires so a room that later drops back out of and into Lobby starts
// its next ready-up session clean.
func (s *Store) ClearRoomReadyState(id ids.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	for pid, info := range room.Players {
		info.IsReady = false
		room.Players[pid] = info
	}
	room.ReadyPlayers = nil
	return nil
}

// SetPlayerConnectionInfo records player's advertised P2P connection
// descriptor (ProvideConnectionInfo), later surfaced in GameStarting's
// peer_connections.
func (s *Store) SetPlayerConnectionInfo(id ids.RoomID, player ids.PlayerID, info protocol.ConnectionInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	p, ok := room.Players[player]
	if !ok {
		return ErrPlayerNotInRoom
	}
	p.ConnectionInfo = info
	room.Players[player] = p
	return nil
}

// TouchRoom refreshes id's last-activity timestamp. Called by the
// session handler on a coarsened ping cadence (ShouldUpdateLastSeen)
// so an occupied-but-quiet room does not trip the inactive timeout.
func (s *Store) TouchRoom(id ids.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	room, ok := s.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	room.LastActivity = time.Now()
	return nil
}

// RoomCount reports the number of live rooms. Together with
// ConnectionCount it satisfies internal/health.RoomStats.
func (s *Store) RoomCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms)
}

// ConnectionCount reports the total number of players across all
// rooms, as a proxy for connection pressure in health diagnostics.
func (s *Store) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, room := range s.rooms {
		n += len(room.Players)
	}
	return n
}

// RoomSummaries returns a lightweight snapshot of every room, for the
// admin dashboard cache (internal/admin.Source).
func (s *Store) RoomSummaries() []admin.RoomSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]admin.RoomSummary, 0, len(s.rooms))
	for _, room := range s.rooms {
		host := ""
		if room.AuthorityPlayer != nil {
			host = room.AuthorityPlayer.String()
		}
		out = append(out, admin.RoomSummary{
			RoomID:         room.ID.String(),
			Code:           room.Code,
			State:          string(room.LobbyState),
			PlayerCount:    len(room.Players),
			SpectatorCount: len(room.Spectators),
			HostID:         host,
			CreatedAt:      room.CreatedAt,
		})
	}
	return out
}
