// Package ids provides the 128-bit identifier types used throughout
// the signaling server (PlayerID, RoomID, both UUID-backed) and the
// human-facing room code alphabet.
package ids

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/google/uuid"
)

// PlayerID uniquely identifies a connected or formerly-connected player.
type PlayerID uuid.UUID

// RoomID uniquely identifies a room for its lifetime.
type RoomID uuid.UUID

func (p PlayerID) String() string { return uuid.UUID(p).String() }
func (r RoomID) String() string   { return uuid.UUID(r).String() }

func (p PlayerID) MarshalJSON() ([]byte, error) { return uuid.UUID(p).MarshalText() }
func (r RoomID) MarshalJSON() ([]byte, error)   { return uuid.UUID(r).MarshalText() }

func (p *PlayerID) UnmarshalJSON(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*p = PlayerID(u)
	return nil
}

func (r *RoomID) UnmarshalJSON(b []byte) error {
	var u uuid.UUID
	if err := u.UnmarshalText(b); err != nil {
		return err
	}
	*r = RoomID(u)
	return nil
}

// NewPlayerID generates a fresh random (v4) PlayerID.
func NewPlayerID() PlayerID { return PlayerID(uuid.New()) }

// NewRoomID generates a fresh random (v4) RoomID.
func NewRoomID() RoomID { return RoomID(uuid.New()) }

// ParsePlayerID parses a canonical UUID string into a PlayerID.
func ParsePlayerID(s string) (PlayerID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return PlayerID{}, err
	}
	return PlayerID(u), nil
}

// ParseRoomID parses a canonical UUID string into a RoomID.
func ParseRoomID(s string) (RoomID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return RoomID{}, err
	}
	return RoomID(u), nil
}

// DerivePlayerID deterministically derives a PlayerID from an arbitrary
// app-supplied string (e.g. a non-UUID external account id). The first
// 16 bytes of SHA-256(seed) are reinterpreted as a UUID with version
// nibble 4 and RFC 4122 variant bits set, so the same seed always yields
// the same PlayerID without needing a lookup table.
func DerivePlayerID(seed string) PlayerID {
	return PlayerID(deriveUUID(seed))
}

// DeriveRoomID is the RoomID analogue of DerivePlayerID.
func DeriveRoomID(seed string) RoomID {
	return RoomID(deriveUUID(seed))
}

func deriveUUID(seed string) uuid.UUID {
	sum := sha256.Sum256([]byte(seed))
	var u uuid.UUID
	copy(u[:], sum[:16])
	u[6] = (u[6] & 0x0f) | 0x40 // version 4
	u[8] = (u[8] & 0x3f) | 0x80 // RFC 4122 variant
	return u
}

// ParseOrDeriveAppID returns the UUID form of an app-supplied identifier:
// if it already parses as a UUID, that value is used verbatim, otherwise
// a stable UUID is derived from the raw string.
func ParseOrDeriveAppID(raw string) uuid.UUID {
	if u, err := uuid.Parse(raw); err == nil {
		return u
	}
	sum := sha256.Sum256([]byte(raw))
	var u uuid.UUID
	copy(u[:], sum[:16])
	u[6] = (u[6] & 0x0f) | 0x40
	u[8] = (u[8] & 0x3f) | 0x80
	return u
}

// RoomCodeAlphabet omits visually-ambiguous characters (0, O, I, 1).
const RoomCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// DefaultRoomCodeLength is used when no explicit length is configured.
const DefaultRoomCodeLength = 6

// GenerateRoomCode returns a random, uppercase room code of the given
// length drawn from RoomCodeAlphabet. An optional uppercase prefix
// (e.g. a region tag) precedes the random tail.
func GenerateRoomCode(length int, prefix string) (string, error) {
	if length <= 0 {
		length = DefaultRoomCodeLength
	}
	tailLen := length
	buf := make([]byte, tailLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("ids: generate room code: %w", err)
	}
	out := make([]byte, tailLen)
	n := len(RoomCodeAlphabet)
	for i, b := range buf {
		out[i] = RoomCodeAlphabet[int(b)%n]
	}
	return prefix + string(out), nil
}
