// Package tokenbind implements the optional per-frame token-binding
// verifier: an HMAC-SHA256 proof over the canonical Authenticate
// payload, keyed on a secret derived from the WebSocket handshake's
// Sec-WebSocket-Key header. The proof binds the first frame to the
// TLS/WebSocket handshake that carried it, so a frame replayed onto
// another connection fails verification. Built on crypto/hmac +
// crypto/sha256 directly: this is a bespoke signed envelope, not a
// JWT, so a claims library has nothing to add over the stdlib MAC.
package tokenbind

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/signalfish/signalserver/internal/protocol"
)

// ErrInvalidSignature means the presented signature does not match.
var ErrInvalidSignature = fmt.Errorf("tokenbind: signature mismatch")

// DeriveSessionSecret turns the base64-encoded, 16-byte
// Sec-WebSocket-Key handshake header into the HMAC key used for this
// connection's token-binding proofs. The handshake key is already a
// per-connection random value the server and client both observed
// directly, so it doubles as a lightweight shared secret without an
// extra round trip.
func DeriveSessionSecret(secWebSocketKey string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(secWebSocketKey)
	if err != nil {
		return nil, fmt.Errorf("tokenbind: decode Sec-WebSocket-Key: %w", err)
	}
	if len(key) != 16 {
		return nil, fmt.Errorf("tokenbind: Sec-WebSocket-Key must decode to 16 bytes, got %d", len(key))
	}
	return key, nil
}

// CanonicalPayload re-serializes raw with its top-level
// "token_binding" field removed, so the signature covers exactly the
// message content the client committed to before attaching its proof.
func CanonicalPayload(raw json.RawMessage) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("tokenbind: parse payload: %w", err)
	}
	delete(fields, "token_binding")
	canonical, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("tokenbind: re-serialize payload: %w", err)
	}
	return canonical, nil
}

// Verify checks that envelope's signature is a valid HMAC-SHA256 over
// the canonical payload under secret.
func Verify(payload []byte, envelope protocol.TokenBindingEnvelope, secret []byte) error {
	sig, err := base64.StdEncoding.DecodeString(envelope.Signature)
	if err != nil {
		return fmt.Errorf("tokenbind: decode signature: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)

	if subtle.ConstantTimeCompare(sig, expected) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// Sign produces the base64 HMAC-SHA256 signature a conforming client
// would attach for payload under secret. Exercised by tests and by any
// first-party SDK stub that needs to produce a valid envelope.
func Sign(payload []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
