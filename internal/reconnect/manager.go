// Package reconnect implements the reconnection subsystem: token
// issuance, the per-room ring buffer of events a late-rejoining player
// needs to catch up on, and expiry of both. Tokens are signed JWTs
// (github.com/golang-jwt/jwt/v5, HS256) keyed on the server's
// reconnection secret; the server both mints and verifies them, so no
// external key set or identity provider is involved.
package reconnect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/set"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
	"go.uber.org/zap"
)

// DisconnectedPlayer records a player that dropped while in a room and
// is eligible to reclaim their seat within the reconnection window.
type DisconnectedPlayer struct {
	Token          string
	RoomID         ids.RoomID
	LastSequence   uint64
	WasAuthority   bool
	DisconnectedAt time.Time
	ExpiresAt      time.Time
}

// bufferedEvent is one entry in a room's event ring.
type bufferedEvent struct {
	Sequence  uint64
	Timestamp time.Time
	Envelope  json.RawMessage
}

// eventBuffer is the bounded per-room ring of recent events. Entries
// are always appended in increasing sequence order, so dropping the
// head on overflow keeps the buffer contiguous from its oldest
// retained sequence onward.
type eventBuffer struct {
	cap     int
	entries []bufferedEvent
}

func (b *eventBuffer) append(ev bufferedEvent) {
	b.entries = append(b.entries, ev)
	if len(b.entries) > b.cap {
		b.entries = b.entries[len(b.entries)-b.cap:]
	}
}

func (b *eventBuffer) tailAfter(seq uint64) []json.RawMessage {
	out := make([]json.RawMessage, 0, len(b.entries))
	for _, ev := range b.entries {
		if ev.Sequence > seq {
			out = append(out, ev.Envelope)
		}
	}
	return out
}

// reconnectClaims is the JWT payload carried by a reconnection token.
// The manager still tracks its own expiry window in DisconnectedPlayer
// independent of the JWT's own exp claim, since the reconnection
// window is measured from the moment of disconnection, not from the
// moment the token was minted at join time.
type reconnectClaims struct {
	PlayerID string `json:"player_id"`
	RoomID   string `json:"room_id,omitempty"`
	jwt.RegisteredClaims
}

// Manager owns the disconnected-player directory and every room's
// event buffer.
type Manager struct {
	mu sync.Mutex

	window     time.Duration
	bufferSize int
	secret     []byte

	nextSequence uint64
	issued       map[ids.PlayerID]string
	disconnected map[ids.PlayerID]DisconnectedPlayer
	buffers      map[ids.RoomID]*eventBuffer
}

// New constructs a Manager. window bounds how long a disconnected
// player may reconnect; bufferSize caps each room's event ring;
// secret signs issued tokens (an ephemeral random secret is generated
// if empty, matching a single-process deployment with no shared
// signing key across restarts).
func New(window time.Duration, bufferSize int, secret string) *Manager {
	key := []byte(secret)
	if len(key) == 0 {
		key = ephemeralSecret()
	}
	return &Manager{
		window:       window,
		bufferSize:   bufferSize,
		secret:       key,
		issued:       make(map[ids.PlayerID]string),
		disconnected: make(map[ids.PlayerID]DisconnectedPlayer),
		buffers:      make(map[ids.RoomID]*eventBuffer),
	}
}

func ephemeralSecret() []byte {
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}).SignedString([]byte("bootstrap"))
	if err != nil {
		return []byte("signalfish-reconnect-fallback-secret")
	}
	return []byte(tok)
}

// IssueToken mints a fresh reconnection token for player, to be
// delivered immediately (in RoomJoined / Reconnected) rather than at
// disconnect time — RegisterDisconnection reuses whatever token was
// last issued so the value a reconnecting client presents matches
// what the manager expects.
func (m *Manager) IssueToken(player ids.PlayerID) (string, error) {
	claims := reconnectClaims{
		PlayerID: player.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("reconnect: sign token: %w", err)
	}

	m.mu.Lock()
	m.issued[player] = tok
	m.mu.Unlock()
	return tok, nil
}

// RegisterDisconnection records that player dropped while assigned to
// room. It must be called before the caller mutates the room store,
// so LastSequence reflects exactly the events the player had already
// seen. Overwriting an existing record is logged, not rejected — a
// player cannot be disconnected twice without an intervening
// reconnect, but defensive callers may retry.
func (m *Manager) RegisterDisconnection(ctx context.Context, player ids.PlayerID, room ids.RoomID, wasAuthority bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.disconnected[player]; exists {
		logging.Warn(ctx, "overwriting existing disconnection record", zap.String("player_id", player.String()))
	}

	token, ok := m.issued[player]
	if !ok {
		minted, err := m.mintLocked(player)
		if err != nil {
			return "", err
		}
		token = minted
	}
	delete(m.issued, player)

	now := time.Now()
	m.disconnected[player] = DisconnectedPlayer{
		Token:          token,
		RoomID:         room,
		LastSequence:   m.nextSequence,
		WasAuthority:   wasAuthority,
		DisconnectedAt: now,
		ExpiresAt:      now.Add(m.window),
	}
	if _, ok := m.buffers[room]; !ok {
		m.buffers[room] = &eventBuffer{cap: m.bufferSize}
	}
	return token, nil
}

func (m *Manager) mintLocked(player ids.PlayerID) (string, error) {
	claims := reconnectClaims{
		PlayerID: player.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// BufferEvent appends a late-joiner-relevant message to room's event
// ring, bumping the process-wide monotonic sequence counter. It is a
// no-op when room has no outstanding disconnection (no buffer has
// been allocated for it), so rooms nobody has ever dropped from never
// pay for retention.
func (m *Manager) BufferEvent(room ids.RoomID, msgType protocol.MessageType, payload any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[room]
	if !ok {
		return nil
	}

	raw, err := protocol.Encode(msgType, payload)
	if err != nil {
		return fmt.Errorf("reconnect: encode buffered event: %w", err)
	}

	m.nextSequence++
	buf.append(bufferedEvent{
		Sequence:  m.nextSequence,
		Timestamp: time.Now(),
		Envelope:  append(json.RawMessage(nil), raw...),
	})
	return nil
}

// ErrNoRecord means the player has no outstanding disconnection.
var ErrNoRecord = fmt.Errorf("reconnect: no disconnection record for player")

// ErrTokenMismatch means the presented token does not match the one
// on record.
var ErrTokenMismatch = fmt.Errorf("reconnect: token does not match")

// ErrExpired means the reconnection window has elapsed.
var ErrExpired = fmt.Errorf("reconnect: reconnection window expired")

// ErrRoomMismatch means the presented room does not match the one the
// disconnection was recorded against.
var ErrRoomMismatch = fmt.Errorf("reconnect: room does not match disconnection record")

// ValidateReconnection checks that player may reclaim its seat in
// room using token, returning the stored record on success.
func (m *Manager) ValidateReconnection(player ids.PlayerID, room ids.RoomID, token string) (DisconnectedPlayer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disconnected[player]
	if !ok {
		metrics.ReconnectionsTotal.WithLabelValues("no_record").Inc()
		return DisconnectedPlayer{}, ErrNoRecord
	}
	if rec.Token != token {
		metrics.ReconnectionsTotal.WithLabelValues("token_mismatch").Inc()
		return DisconnectedPlayer{}, ErrTokenMismatch
	}
	if rec.RoomID != room {
		metrics.ReconnectionsTotal.WithLabelValues("room_mismatch").Inc()
		return DisconnectedPlayer{}, ErrRoomMismatch
	}
	if time.Now().After(rec.ExpiresAt) {
		metrics.ReconnectionsTotal.WithLabelValues("expired").Inc()
		return DisconnectedPlayer{}, ErrExpired
	}
	metrics.ReconnectionsTotal.WithLabelValues("validated").Inc()
	return rec, nil
}

// GetMissedEvents returns room's buffered events with sequence numbers
// greater than afterSeq, in order.
func (m *Manager) GetMissedEvents(room ids.RoomID, afterSeq uint64) []json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.buffers[room]
	if !ok {
		return nil
	}
	return buf.tailAfter(afterSeq)
}

// CompleteReconnection drops player's disconnection record. If no
// other disconnected player still targets the same room, that room's
// event buffer is dropped too.
func (m *Manager) CompleteReconnection(player ids.PlayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.disconnected[player]
	if !ok {
		return
	}
	delete(m.disconnected, player)

	for _, other := range m.disconnected {
		if other.RoomID == rec.RoomID {
			return
		}
	}
	delete(m.buffers, rec.RoomID)
}

// CleanupExpired removes disconnection records whose window has
// elapsed, then drops any event buffer left with no remaining
// disconnected player pointed at it. Returns the number of records
// removed.
func (m *Manager) CleanupExpired() int {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	liveRooms := set.New[ids.RoomID]()
	for player, rec := range m.disconnected {
		if now.After(rec.ExpiresAt) {
			delete(m.disconnected, player)
			removed++
			continue
		}
		liveRooms.Insert(rec.RoomID)
	}
	for room := range m.buffers {
		if !liveRooms.Has(room) {
			delete(m.buffers, room)
		}
	}
	return removed
}

// PendingReconnectCount reports how many players currently have an
// outstanding disconnection record. Satisfies internal/health's
// ReconnectStats and supplies the matching internal/admin.Source
// method.
func (m *Manager) PendingReconnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.disconnected)
}
