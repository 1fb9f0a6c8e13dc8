package router

import (
	"testing"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/protocol"
)

// fakeSender is a minimal router.Sender double: a bounded slice that
// reports failure once full, mirroring connmgr.ClientConnection's
// non-blocking channel semantics without pulling in connmgr itself.
type fakeSender struct {
	cap      int
	received []protocol.OutboundMessage
}

func newFakeSender(cap int) *fakeSender {
	return &fakeSender{cap: cap}
}

func (f *fakeSender) Enqueue(msg protocol.OutboundMessage) bool {
	if len(f.received) >= f.cap {
		return false
	}
	f.received = append(f.received, msg)
	return true
}

func TestSendToPlayerUnknownRecipientDropsSilently(t *testing.T) {
	r := New()
	// No registration at all; SendToPlayer must not panic or block.
	r.SendToPlayer(ids.NewPlayerID(), protocol.OutboundMessage{Type: protocol.MsgPing})
}

func TestSendToPlayerDeliversToRegisteredSender(t *testing.T) {
	r := New()
	p := ids.NewPlayerID()
	sender := newFakeSender(4)
	r.RegisterLocalClient(p, nil, sender)

	r.SendToPlayer(p, protocol.OutboundMessage{Type: protocol.MsgPong})

	if len(sender.received) != 1 {
		t.Fatalf("expected 1 delivered message, got %d", len(sender.received))
	}
}

func TestSendToPlayerDropsOnFullQueue(t *testing.T) {
	r := New()
	p := ids.NewPlayerID()
	sender := newFakeSender(1)
	r.RegisterLocalClient(p, nil, sender)

	r.SendToPlayer(p, protocol.OutboundMessage{Type: protocol.MsgPong})
	r.SendToPlayer(p, protocol.OutboundMessage{Type: protocol.MsgPong}) // should drop, not block or panic

	if len(sender.received) != 1 {
		t.Fatalf("expected exactly 1 delivered message (second dropped), got %d", len(sender.received))
	}
}

func TestBroadcastToRoomReachesAllMembers(t *testing.T) {
	r := New()
	room := ids.NewRoomID()

	a, b, c := ids.NewPlayerID(), ids.NewPlayerID(), ids.NewPlayerID()
	sa, sb, sc := newFakeSender(4), newFakeSender(4), newFakeSender(4)
	r.RegisterLocalClient(a, &room, sa)
	r.RegisterLocalClient(b, &room, sb)
	r.RegisterLocalClient(c, &room, sc)

	r.BroadcastToRoom(room, protocol.OutboundMessage{Type: protocol.MsgLobbyStateChanged})

	for name, s := range map[string]*fakeSender{"a": sa, "b": sb, "c": sc} {
		if len(s.received) != 1 {
			t.Fatalf("expected %s to receive 1 message, got %d", name, len(s.received))
		}
	}
}

func TestBroadcastToRoomExceptSkipsExcludedPlayer(t *testing.T) {
	r := New()
	room := ids.NewRoomID()

	a, b := ids.NewPlayerID(), ids.NewPlayerID()
	sa, sb := newFakeSender(4), newFakeSender(4)
	r.RegisterLocalClient(a, &room, sa)
	r.RegisterLocalClient(b, &room, sb)

	r.BroadcastToRoomExcept(room, a, protocol.OutboundMessage{Type: protocol.MsgPlayerLeft})

	if len(sa.received) != 0 {
		t.Fatalf("expected excluded player to receive nothing, got %d", len(sa.received))
	}
	if len(sb.received) != 1 {
		t.Fatalf("expected non-excluded player to receive 1 message, got %d", len(sb.received))
	}
}

func TestRegisterLocalClientMovesPlayerBetweenRooms(t *testing.T) {
	r := New()
	roomA := ids.NewRoomID()
	roomB := ids.NewRoomID()
	p := ids.NewPlayerID()
	sender := newFakeSender(4)

	r.RegisterLocalClient(p, &roomA, sender)
	if r.RoomMemberCount(roomA) != 1 {
		t.Fatalf("expected player in roomA")
	}

	r.RegisterLocalClient(p, &roomB, sender)
	if r.RoomMemberCount(roomA) != 0 {
		t.Fatalf("expected player removed from roomA after move, count=%d", r.RoomMemberCount(roomA))
	}
	if r.RoomMemberCount(roomB) != 1 {
		t.Fatalf("expected player present in roomB")
	}
}

func TestUnregisterLocalClientRemovesFromRoomAndSenders(t *testing.T) {
	r := New()
	room := ids.NewRoomID()
	p := ids.NewPlayerID()
	sender := newFakeSender(4)
	r.RegisterLocalClient(p, &room, sender)

	r.UnregisterLocalClient(p)

	if r.RoomMemberCount(room) != 0 {
		t.Fatalf("expected room empty after unregister")
	}
	// SendToPlayer after unregister must drop silently, not panic.
	r.SendToPlayer(p, protocol.OutboundMessage{Type: protocol.MsgPong})
	if len(sender.received) != 0 {
		t.Fatalf("expected no delivery after unregister")
	}
}

func TestRegisterLocalClientWithNilRoomLeavesNoMembership(t *testing.T) {
	r := New()
	p := ids.NewPlayerID()
	sender := newFakeSender(4)
	r.RegisterLocalClient(p, nil, sender)

	r.SendToPlayer(p, protocol.OutboundMessage{Type: protocol.MsgAuthenticated})
	if len(sender.received) != 1 {
		t.Fatalf("expected unicast delivery with no room assignment")
	}
}
