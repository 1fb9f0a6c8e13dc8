// Package router implements the message router: a per-player outbound
// index with no room-or-player business rules of its own. It only
// tracks who belongs to which room and forwards an already-built
// outbound message to one, many, or all-but-one recipients, on a
// strictly non-blocking path. Anything dropped (unknown recipient,
// full queue) is counted, never retried.
package router

import (
	"sync"

	"k8s.io/utils/set"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/metrics"
	"github.com/signalfish/signalserver/internal/protocol"
)

// Sender is satisfied by anything that can accept an outbound message
// for eventual delivery without blocking the caller. internal/connmgr.
// ClientConnection is the only production implementation.
type Sender interface {
	// Enqueue attempts to hand msg to the recipient's outbound queue.
	// It must never block; false means the message was dropped.
	Enqueue(msg protocol.OutboundMessage) bool
}

// Router is the room-membership index and message fan-out.
type Router struct {
	mu sync.RWMutex

	senders    map[ids.PlayerID]Sender
	playerRoom map[ids.PlayerID]ids.RoomID
	roomMember map[ids.RoomID]set.Set[ids.PlayerID]
}

// New constructs an empty Router.
func New() *Router {
	return &Router{
		senders:    make(map[ids.PlayerID]Sender),
		playerRoom: make(map[ids.PlayerID]ids.RoomID),
		roomMember: make(map[ids.RoomID]set.Set[ids.PlayerID]),
	}
}

// RegisterLocalClient indexes sender under player, optionally as a
// member of room. Calling it again with a different room atomically
// moves the player between rooms (or out of any room, when room is
// nil).
func (r *Router) RegisterLocalClient(player ids.PlayerID, room *ids.RoomID, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromRoomLocked(player)
	r.senders[player] = sender
	if room != nil {
		r.playerRoom[player] = *room
		members, ok := r.roomMember[*room]
		if !ok {
			members = set.New[ids.PlayerID]()
			r.roomMember[*room] = members
		}
		members.Insert(player)
	}
}

// UnregisterLocalClient removes player from the index entirely.
func (r *Router) UnregisterLocalClient(player ids.PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeFromRoomLocked(player)
	delete(r.senders, player)
}

func (r *Router) removeFromRoomLocked(player ids.PlayerID) {
	if room, ok := r.playerRoom[player]; ok {
		if members := r.roomMember[room]; members != nil {
			members.Delete(player)
			if members.Len() == 0 {
				delete(r.roomMember, room)
			}
		}
		delete(r.playerRoom, player)
	}
}

// SendToPlayer best-effort enqueues msg for player. On a full queue or
// an unknown player, the message is dropped and a metric is bumped;
// the caller is never blocked and never sees an error it must handle.
func (r *Router) SendToPlayer(player ids.PlayerID, msg protocol.OutboundMessage) {
	r.mu.RLock()
	sender, ok := r.senders[player]
	r.mu.RUnlock()

	if !ok {
		metrics.DroppedMessages.WithLabelValues("unknown_recipient").Inc()
		return
	}
	if !sender.Enqueue(msg) {
		metrics.DroppedMessages.WithLabelValues("queue_full").Inc()
	}
}

// BroadcastToRoom enqueues msg to every current member of room.
func (r *Router) BroadcastToRoom(room ids.RoomID, msg protocol.OutboundMessage) {
	r.broadcast(room, nil, msg)
}

// BroadcastToRoomExcept enqueues msg to every current member of room
// other than except.
func (r *Router) BroadcastToRoomExcept(room ids.RoomID, except ids.PlayerID, msg protocol.OutboundMessage) {
	r.broadcast(room, &except, msg)
}

func (r *Router) broadcast(room ids.RoomID, except *ids.PlayerID, msg protocol.OutboundMessage) {
	r.mu.RLock()
	members := r.roomMember[room]
	recipients := make([]ids.PlayerID, 0, members.Len())
	for player := range members {
		if except != nil && player == *except {
			continue
		}
		recipients = append(recipients, player)
	}
	senders := make([]Sender, len(recipients))
	for i, player := range recipients {
		senders[i] = r.senders[player]
	}
	r.mu.RUnlock()

	for _, sender := range senders {
		if sender == nil {
			metrics.DroppedMessages.WithLabelValues("unknown_recipient").Inc()
			continue
		}
		if !sender.Enqueue(msg) {
			metrics.DroppedMessages.WithLabelValues("queue_full").Inc()
		}
	}
}

// RoomMemberCount reports how many players the router currently
// considers members of room, for diagnostics and tests.
func (r *Router) RoomMemberCount(room ids.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.roomMember[room].Len()
}
