package ids

import (
	"strings"
	"testing"
)

func TestDerivePlayerIDDeterministic(t *testing.T) {
	a := DerivePlayerID("steam:12345")
	b := DerivePlayerID("steam:12345")
	if a != b {
		t.Fatalf("expected deterministic derivation, got %v != %v", a, b)
	}
	c := DerivePlayerID("steam:99999")
	if a == c {
		t.Fatalf("expected different seeds to diverge")
	}
}

func TestDerivePlayerIDVersionAndVariant(t *testing.T) {
	id := DerivePlayerID("anything")
	if (id[6] >> 4) != 0x4 {
		t.Fatalf("expected version nibble 4, got %x", id[6]>>4)
	}
	if (id[8] & 0xc0) != 0x80 {
		t.Fatalf("expected RFC 4122 variant bits, got %x", id[8])
	}
}

func TestParseOrDeriveAppIDRoundTripsRealUUIDs(t *testing.T) {
	id := NewRoomID()
	got := ParseOrDeriveAppID(id.String())
	if got.String() != id.String() {
		t.Fatalf("expected UUID passthrough, got %s != %s", got, id)
	}
}

func TestGenerateRoomCodeAlphabetAndLength(t *testing.T) {
	code, err := GenerateRoomCode(6, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(code) != 6 {
		t.Fatalf("expected length 6, got %d (%s)", len(code), code)
	}
	for _, r := range code {
		if !strings.ContainsRune(RoomCodeAlphabet, r) {
			t.Fatalf("code %s contains character %c outside alphabet", code, r)
		}
	}
}

func TestGenerateRoomCodePrefix(t *testing.T) {
	code, err := GenerateRoomCode(4, "EU")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(code, "EU") {
		t.Fatalf("expected prefix EU, got %s", code)
	}
	if len(code) != 6 {
		t.Fatalf("expected prefix+tail length 6, got %d", len(code))
	}
}
