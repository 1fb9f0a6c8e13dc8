package connmgr

import (
	"testing"
	"time"

	"github.com/signalfish/signalserver/internal/ids"
	"github.com/signalfish/signalserver/internal/router"
)

func TestRegisterClientAllocatesPlayerAndIndexesWithRouter(t *testing.T) {
	r := router.New()
	m := New(r, 8, 0)

	player, conn, err := m.RegisterClient("1.2.3.4:5555")
	if err != nil {
		t.Fatal(err)
	}
	if conn.PlayerID() != player {
		t.Fatalf("expected connection's player id to match returned id")
	}
	// Registered with room=nil: a direct send must still land.
	got, ok := m.Get(player)
	if !ok || got != conn {
		t.Fatalf("expected Get to return the registered connection")
	}
}

func TestRegisterClientEnforcesPerIPLimit(t *testing.T) {
	r := router.New()
	m := New(r, 8, 2)

	if _, _, err := m.RegisterClient("1.2.3.4:1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.RegisterClient("1.2.3.4:2"); err != nil {
		t.Fatal(err)
	}
	_, _, err := m.RegisterClient("1.2.3.4:3")
	if err == nil {
		t.Fatal("expected third connection from same IP to be rejected")
	}
	ipErr, ok := err.(ErrIPLimitExceeded)
	if !ok {
		t.Fatalf("expected ErrIPLimitExceeded, got %T: %v", err, err)
	}
	if ipErr.Current != 2 || ipErr.Limit != 2 {
		t.Fatalf("unexpected error detail: %+v", ipErr)
	}

	// A different IP is unaffected.
	if _, _, err := m.RegisterClient("5.6.7.8:1"); err != nil {
		t.Fatalf("expected different IP to be admitted, got %v", err)
	}
}

func TestRemoveClientDecrementsIPCounterExactlyOnce(t *testing.T) {
	r := router.New()
	m := New(r, 8, 1)

	player, _, err := m.RegisterClient("9.9.9.9:1")
	if err != nil {
		t.Fatal(err)
	}
	m.RemoveClient(player)

	// The slot must be free again for a fresh connection from the same IP.
	if _, _, err := m.RegisterClient("9.9.9.9:2"); err != nil {
		t.Fatalf("expected IP slot to be freed after RemoveClient, got %v", err)
	}

	// Removing an unknown player is a no-op, not a double-decrement.
	m.RemoveClient(player)
}

func TestAssignAndClearRoomAssignment(t *testing.T) {
	r := router.New()
	m := New(r, 8, 0)
	player, conn, _ := m.RegisterClient("1.1.1.1:1")
	room := ids.NewRoomID()

	if err := m.AssignClientToRoom(player, room); err != nil {
		t.Fatal(err)
	}
	if conn.RoomID() == nil || *conn.RoomID() != room {
		t.Fatalf("expected connection's room id to be set")
	}
	if r.RoomMemberCount(room) != 1 {
		t.Fatalf("expected router to index the player under the room")
	}

	cleared, err := m.ClearRoomAssignment(player)
	if err != nil {
		t.Fatal(err)
	}
	if cleared.RoomID() != nil {
		t.Fatalf("expected room assignment cleared")
	}
	if r.RoomMemberCount(room) != 0 {
		t.Fatalf("expected router membership cleared for old room")
	}
}

func TestShouldUpdateLastSeenCoarsensUpdates(t *testing.T) {
	r := router.New()
	m := New(r, 8, 0)
	player, _, _ := m.RegisterClient("1.1.1.1:1")

	if !m.ShouldUpdateLastSeen(player, time.Hour) {
		t.Fatal("expected first call (no prior timestamp) to report true")
	}
	if m.ShouldUpdateLastSeen(player, time.Hour) {
		t.Fatal("expected immediate second call within threshold to report false")
	}
}

func TestReassignConnectionRekeysWithoutChangingIPCount(t *testing.T) {
	r := router.New()
	m := New(r, 8, 1)

	placeholder, conn, err := m.RegisterClient("2.2.2.2:1")
	if err != nil {
		t.Fatal(err)
	}
	returnee := ids.NewPlayerID()
	room := ids.NewRoomID()

	reassigned, err := m.ReassignConnection(placeholder, returnee, room)
	if err != nil {
		t.Fatal(err)
	}
	if reassigned != conn {
		t.Fatalf("expected the same underlying connection object to be reused")
	}
	if reassigned.PlayerID() != returnee {
		t.Fatalf("expected connection to now report the returnee's player id")
	}
	if got, ok := m.Get(placeholder); ok {
		t.Fatalf("expected placeholder id to be gone, got %v", got)
	}
	if _, ok := m.Get(returnee); !ok {
		t.Fatal("expected returnee id to resolve to the reassigned connection")
	}
	if r.RoomMemberCount(room) != 1 {
		t.Fatalf("expected router to index the returnee under the room")
	}

	// The IP slot must still be exactly 1 occupied: a second connection
	// attempt from the same IP should be rejected under maxPerIP=1.
	if _, _, err := m.RegisterClient("2.2.2.2:2"); err == nil {
		t.Fatal("expected IP slot to remain occupied after reassignment (net delta zero)")
	}
}

func TestCollectExpiredClients(t *testing.T) {
	r := router.New()
	m := New(r, 8, 0)
	player, _, _ := m.RegisterClient("3.3.3.3:1")

	expired := m.CollectExpiredClients(time.Hour)
	if len(expired) != 0 {
		t.Fatalf("expected no expired clients immediately after registration")
	}

	expired = m.CollectExpiredClients(-time.Second)
	if len(expired) != 1 || expired[0] != player {
		t.Fatalf("expected the client to be expired under a negative timeout, got %v", expired)
	}
}
