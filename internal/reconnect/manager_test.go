package reconnect

import (
	"context"
	"testing"
	"time"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/protocol"
)

func TestIssueTokenThenRegisterDisconnectionReusesIssuedToken(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()

	issued, err := m.IssueToken(player)
	if err != nil {
		t.Fatal(err)
	}

	token, err := m.RegisterDisconnection(context.Background(), player, room, false)
	if err != nil {
		t.Fatal(err)
	}
	if token != issued {
		t.Fatalf("expected RegisterDisconnection to reuse the token issued at join time")
	}
}

func TestValidateReconnectionHappyPath(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()

	token, err := m.RegisterDisconnection(context.Background(), player, room, false)
	if err != nil {
		t.Fatal(err)
	}

	rec, err := m.ValidateReconnection(player, room, token)
	if err != nil {
		t.Fatal(err)
	}
	if rec.RoomID != room {
		t.Fatalf("expected validated record to carry the same room id")
	}
}

func TestValidateReconnectionRejectsWrongToken(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()
	if _, err := m.RegisterDisconnection(context.Background(), player, room, false); err != nil {
		t.Fatal(err)
	}

	if _, err := m.ValidateReconnection(player, room, "bogus-token"); err != ErrTokenMismatch {
		t.Fatalf("expected ErrTokenMismatch, got %v", err)
	}
}

func TestValidateReconnectionRejectsWrongRoom(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()
	token, err := m.RegisterDisconnection(context.Background(), player, room, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.ValidateReconnection(player, ids.NewRoomID(), token); err != ErrRoomMismatch {
		t.Fatalf("expected ErrRoomMismatch, got %v", err)
	}
}

func TestValidateReconnectionRejectsUnknownPlayer(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	if _, err := m.ValidateReconnection(ids.NewPlayerID(), ids.NewRoomID(), "x"); err != ErrNoRecord {
		t.Fatalf("expected ErrNoRecord, got %v", err)
	}
}

func TestValidateReconnectionRejectsExpired(t *testing.T) {
	m := New(-time.Second, 16, "test-secret") // window already elapsed by construction
	player := ids.NewPlayerID()
	room := ids.NewRoomID()
	token, err := m.RegisterDisconnection(context.Background(), player, room, false)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := m.ValidateReconnection(player, room, token); err != ErrExpired {
		t.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestBufferEventIsNoopWithoutOutstandingDisconnection(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	room := ids.NewRoomID()

	if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
		t.Fatal(err)
	}
	if got := m.GetMissedEvents(room, 0); got != nil {
		t.Fatalf("expected no buffered events for a room nobody disconnected from, got %v", got)
	}
}

func TestGetMissedEventsReturnsLosslessTailAfterRegistration(t *testing.T) {
	// register_disconnection followed by validate_reconnection within the
	// window must deliver exactly the events buffered after last_sequence.
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()

	// Some activity happens in the room before the player disconnects —
	// but since no one has disconnected yet, the buffer isn't allocated,
	// so these early events naturally don't need to be retained.
	if _, err := m.RegisterDisconnection(context.Background(), player, room, false); err != nil {
		t.Fatal(err)
	}
	lastSeq := uint64(0) // nothing buffered yet when the player dropped

	for i := 0; i < 3; i++ {
		if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
			t.Fatal(err)
		}
	}

	missed := m.GetMissedEvents(room, lastSeq)
	if len(missed) != 3 {
		t.Fatalf("expected 3 missed events, got %d", len(missed))
	}
}

func TestEventBufferEvictsOldestOnOverflow(t *testing.T) {
	m := New(time.Minute, 2, "test-secret")
	room := ids.NewRoomID()
	player := ids.NewPlayerID()
	if _, err := m.RegisterDisconnection(context.Background(), player, room, false); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
			t.Fatal(err)
		}
	}

	missed := m.GetMissedEvents(room, 0)
	if len(missed) != 2 {
		t.Fatalf("expected ring capped at 2 entries, got %d", len(missed))
	}
}

func TestCompleteReconnectionDropsRecordAndBufferWhenLastOne(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()
	if _, err := m.RegisterDisconnection(context.Background(), player, room, false); err != nil {
		t.Fatal(err)
	}
	if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
		t.Fatal(err)
	}

	m.CompleteReconnection(player)

	if _, err := m.ValidateReconnection(player, room, "anything"); err != ErrNoRecord {
		t.Fatalf("expected record gone after completion, got %v", err)
	}
	if got := m.GetMissedEvents(room, 0); got != nil {
		t.Fatalf("expected event buffer dropped once no disconnected player targets the room, got %v", got)
	}
}

func TestCompleteReconnectionKeepsBufferWhileOtherPlayerStillDisconnected(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	room := ids.NewRoomID()
	a, b := ids.NewPlayerID(), ids.NewPlayerID()
	if _, err := m.RegisterDisconnection(context.Background(), a, room, false); err != nil {
		t.Fatal(err)
	}
	if _, err := m.RegisterDisconnection(context.Background(), b, room, false); err != nil {
		t.Fatal(err)
	}
	if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
		t.Fatal(err)
	}

	m.CompleteReconnection(a)

	if got := m.GetMissedEvents(room, 0); len(got) != 1 {
		t.Fatalf("expected buffer retained while b is still disconnected, got %v", got)
	}
}

func TestCleanupExpiredRemovesStaleRecordsAndOrphanedBuffers(t *testing.T) {
	m := New(-time.Second, 16, "test-secret")
	player := ids.NewPlayerID()
	room := ids.NewRoomID()
	if _, err := m.RegisterDisconnection(context.Background(), player, room, false); err != nil {
		t.Fatal(err)
	}
	if err := m.BufferEvent(room, protocol.MsgPlayerJoined, protocol.PlayerJoinedPayload{}); err != nil {
		t.Fatal(err)
	}

	removed := m.CleanupExpired()
	if removed != 1 {
		t.Fatalf("expected 1 record removed, got %d", removed)
	}
	if got := m.GetMissedEvents(room, 0); got != nil {
		t.Fatalf("expected orphaned buffer dropped after cleanup, got %v", got)
	}
	if m.PendingReconnectCount() != 0 {
		t.Fatalf("expected no pending reconnects after cleanup")
	}
}

func TestAtMostOneOutstandingTokenPerPlayer(t *testing.T) {
	m := New(time.Minute, 16, "test-secret")
	player := ids.NewPlayerID()
	roomA := ids.NewRoomID()
	roomB := ids.NewRoomID()

	if _, err := m.RegisterDisconnection(context.Background(), player, roomA, false); err != nil {
		t.Fatal(err)
	}
	// A second disconnection registration for the same player overwrites
	// (not appends) the outstanding record.
	if _, err := m.RegisterDisconnection(context.Background(), player, roomB, true); err != nil {
		t.Fatal(err)
	}
	if m.PendingReconnectCount() != 1 {
		t.Fatalf("expected exactly one outstanding record per player, got %d", m.PendingReconnectCount())
	}
}
