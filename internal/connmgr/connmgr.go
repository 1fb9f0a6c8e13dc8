// Package connmgr implements the connection manager: the directory of
// live ClientConnections, their outbound queues, and the per-IP
// admission counter. It is the pivot the reconnection subsystem and
// session handler meet at — ReassignConnection is the primitive that
// lets a returning player's new socket take over an existing
// PlayerID's state without releasing or double-counting its IP slot.
package connmgr

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/signalfish/signalserver/internal/authregistry"
	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
	"github.com/signalfish/signalserver/internal/router"
)

// ClientConnection is one live socket's state.
type ClientConnection struct {
	mu sync.Mutex

	playerID ids.PlayerID
	roomID   *ids.RoomID

	outbound chan protocol.OutboundMessage

	lastPingAt          time.Time
	lastHeartbeatUpdate *time.Time

	clientAddr string
	clientIP   string

	gameDataEncoding protocol.GameDataEncoding
	appInfo          *authregistry.AppInfo

	isSpectator bool
}

// Enqueue satisfies router.Sender: a non-blocking attempt to hand msg
// to this connection's outbound queue.
func (c *ClientConnection) Enqueue(msg protocol.OutboundMessage) bool {
	select {
	case c.outbound <- msg:
		return true
	default:
		return false
	}
}

// Outbound returns the channel the session's send task drains. Only ever
// read from outside this package.
func (c *ClientConnection) Outbound() <-chan protocol.OutboundMessage {
	return c.outbound
}

// PlayerID returns the connection's current player id.
func (c *ClientConnection) PlayerID() ids.PlayerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// RoomID returns the connection's current room assignment, if any.
func (c *ClientConnection) RoomID() *ids.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.roomID == nil {
		return nil
	}
	r := *c.roomID
	return &r
}

// ClientAddr returns the remote address the socket was accepted from.
func (c *ClientConnection) ClientAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientAddr
}

// GameDataEncoding returns the negotiated encoding for opaque game
// data frames.
func (c *ClientConnection) GameDataEncoding() protocol.GameDataEncoding {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gameDataEncoding
}

// SetGameDataEncoding records the negotiated encoding, called once
// during Authenticate.
func (c *ClientConnection) SetGameDataEncoding(enc protocol.GameDataEncoding) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gameDataEncoding = enc
}

// SetSpectator marks whether this connection's room assignment is a
// spectator seat rather than a player seat, so the disconnect paths
// (session teardown, ping-timeout sweep) run the spectator-leave
// pipeline instead of the player-leave one.
func (c *ClientConnection) SetSpectator(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.isSpectator = v
}

// IsSpectator reports whether the connection occupies a spectator seat.
func (c *ClientConnection) IsSpectator() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isSpectator
}

// AppInfo returns the app directory entry this connection
// authenticated as, or nil before authentication completes.
func (c *ClientConnection) AppInfo() *authregistry.AppInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appInfo
}

// SetAppInfo records the app directory entry this connection
// authenticated as.
func (c *ClientConnection) SetAppInfo(info authregistry.AppInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appInfo = &info
}

// AppID returns the authenticated app's id, or the empty string if the
// connection has not authenticated yet.
func (c *ClientConnection) AppID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.appInfo == nil {
		return ""
	}
	return c.appInfo.ID.String()
}

// ErrIPLimitExceeded is returned by RegisterClient when addr's IP
// already has the maximum number of live connections.
type ErrIPLimitExceeded struct {
	Current int
	Limit   int
}

func (e ErrIPLimitExceeded) Error() string {
	return fmt.Sprintf("connmgr: ip connection limit exceeded (%d/%d)", e.Current, e.Limit)
}

// Manager owns the client directory and the per-IP admission
// counter. Registration also indexes the new connection with the router
// under room=nil, so it can immediately receive unicast messages (e.g.
// Authenticated, ProtocolInfo) before it joins any room.
type Manager struct {
	mu sync.RWMutex

	clients  map[ids.PlayerID]*ClientConnection
	perIP    map[string]int
	maxPerIP int

	queueSize int
	router    *router.Router
}

// New constructs a Manager. queueSize sizes every connection's
// outbound channel; maxPerIP bounds concurrent connections sharing one
// remote IP.
func New(r *router.Router, queueSize, maxPerIP int) *Manager {
	return &Manager{
		clients:   make(map[ids.PlayerID]*ClientConnection),
		perIP:     make(map[string]int),
		maxPerIP:  maxPerIP,
		queueSize: queueSize,
		router:    r,
	}
}

// RegisterClient allocates a fresh PlayerId and ClientConnection for a
// newly-accepted socket at addr.
func (m *Manager) RegisterClient(addr string) (ids.PlayerID, *ClientConnection, error) {
	ip := hostOf(addr)

	m.mu.Lock()
	if m.maxPerIP > 0 && m.perIP[ip] >= m.maxPerIP {
		current := m.perIP[ip]
		m.mu.Unlock()
		return ids.PlayerID{}, nil, ErrIPLimitExceeded{Current: current, Limit: m.maxPerIP}
	}
	m.perIP[ip]++

	player := ids.NewPlayerID()
	conn := &ClientConnection{
		playerID:         player,
		outbound:         make(chan protocol.OutboundMessage, m.queueSize),
		lastPingAt:       time.Now(),
		clientAddr:       addr,
		clientIP:         ip,
		gameDataEncoding: protocol.EncodingJSON,
	}
	m.clients[player] = conn
	m.mu.Unlock()

	m.router.RegisterLocalClient(player, nil, conn)
	metrics.ActiveConnections.Inc()
	return player, conn, nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// Get returns the connection for player, if any.
func (m *Manager) Get(player ids.PlayerID) (*ClientConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[player]
	return c, ok
}

// AssignClientToRoom moves player's room assignment to room and
// re-registers it with the router under the new room, atomically.
func (m *Manager) AssignClientToRoom(player ids.PlayerID, room ids.RoomID) error {
	conn, ok := m.Get(player)
	if !ok {
		return fmt.Errorf("connmgr: unknown player %s", player)
	}
	conn.mu.Lock()
	r := room
	conn.roomID = &r
	conn.mu.Unlock()

	m.router.RegisterLocalClient(player, &room, conn)
	return nil
}

// ClearRoomAssignment clears player's room assignment and re-registers
// it with the router under room=nil, returning the connection so the
// caller can use it as a router.Sender directly.
func (m *Manager) ClearRoomAssignment(player ids.PlayerID) (*ClientConnection, error) {
	conn, ok := m.Get(player)
	if !ok {
		return nil, fmt.Errorf("connmgr: unknown player %s", player)
	}
	conn.mu.Lock()
	conn.roomID = nil
	conn.isSpectator = false
	conn.mu.Unlock()

	m.router.RegisterLocalClient(player, nil, conn)
	return conn, nil
}

// RecordPing updates player's last-seen-alive timestamp.
func (m *Manager) RecordPing(player ids.PlayerID) {
	conn, ok := m.Get(player)
	if !ok {
		return
	}
	conn.mu.Lock()
	conn.lastPingAt = time.Now()
	conn.mu.Unlock()
}

// ShouldUpdateLastSeen reports whether player's coarse presence
// timestamp is missing or older than threshold, atomically recording
// now when it is — letting callers coarsen how often a "still here"
// update is pushed to peers without affecting the ping-timeout clock
// CollectExpiredClients uses.
func (m *Manager) ShouldUpdateLastSeen(player ids.PlayerID, threshold time.Duration) bool {
	conn, ok := m.Get(player)
	if !ok {
		return false
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()

	now := time.Now()
	if conn.lastHeartbeatUpdate == nil || now.Sub(*conn.lastHeartbeatUpdate) >= threshold {
		conn.lastHeartbeatUpdate = &now
		return true
	}
	return false
}

// ReassignConnection is the pivotal reconnection primitive: it takes
// the live ClientConnection registered at current (a fresh socket's
// placeholder PlayerId) and re-keys it as reconnectTarget (the
// returning player's original PlayerId), assigning room and clearing
// the coarse-presence timestamp. The per-IP counter is untouched: the
// placeholder already holds one slot and this operation neither adds
// nor frees one.
func (m *Manager) ReassignConnection(current, reconnectTarget ids.PlayerID, room ids.RoomID) (*ClientConnection, error) {
	m.mu.Lock()
	conn, ok := m.clients[current]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("connmgr: unknown placeholder connection %s", current)
	}
	delete(m.clients, current)

	conn.mu.Lock()
	conn.playerID = reconnectTarget
	r := room
	conn.roomID = &r
	conn.lastHeartbeatUpdate = nil
	conn.lastPingAt = time.Now()
	conn.mu.Unlock()

	m.clients[reconnectTarget] = conn
	m.mu.Unlock()

	m.router.UnregisterLocalClient(current)
	m.router.RegisterLocalClient(reconnectTarget, &room, conn)
	return conn, nil
}

// CollectExpiredClients returns every player whose last ping is older
// than pingTimeout.
func (m *Manager) CollectExpiredClients(pingTimeout time.Duration) []ids.PlayerID {
	cutoff := time.Now().Add(-pingTimeout)

	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []ids.PlayerID
	for player, conn := range m.clients {
		conn.mu.Lock()
		stale := conn.lastPingAt.Before(cutoff)
		conn.mu.Unlock()
		if stale {
			expired = append(expired, player)
		}
	}
	return expired
}

// RemoveClient removes player's connection and decrements its IP's
// counter exactly once.
func (m *Manager) RemoveClient(player ids.PlayerID) {
	m.mu.Lock()
	conn, ok := m.clients[player]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.clients, player)
	ip := conn.clientIP
	if m.perIP[ip] > 0 {
		m.perIP[ip]--
		if m.perIP[ip] == 0 {
			delete(m.perIP, ip)
		}
	}
	m.mu.Unlock()

	m.router.UnregisterLocalClient(player)
	metrics.ActiveConnections.Dec()
}

// ConnectionCount reports the number of live connections, for
// diagnostics.
func (m *Manager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}
