package tokenbind

import (
	"encoding/base64"
	"testing"

	"github.com/signalfish/signalserver/internal/protocol"
)

func TestDeriveSessionSecretRequires16Bytes(t *testing.T) {
	key := base64.StdEncoding.EncodeToString([]byte("0123456789abcdef"))
	secret, err := DeriveSessionSecret(key)
	if err != nil {
		t.Fatal(err)
	}
	if len(secret) != 16 {
		t.Fatalf("expected 16-byte secret, got %d", len(secret))
	}

	if _, err := DeriveSessionSecret(base64.StdEncoding.EncodeToString([]byte("short"))); err == nil {
		t.Fatal("expected error for non-16-byte key")
	}
	if _, err := DeriveSessionSecret("not base64!!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
}

func TestCanonicalPayloadStripsTokenBinding(t *testing.T) {
	raw := []byte(`{"app_id":"x","token_binding":{"scheme":"hmac-sha256","signature":"abc"}}`)
	canon, err := CanonicalPayload(raw)
	if err != nil {
		t.Fatal(err)
	}
	if string(canon) != `{"app_id":"x"}` {
		t.Fatalf("unexpected canonical payload: %s", canon)
	}
}

func TestSignAndVerifyRoundTrip(t *testing.T) {
	secret := []byte("0123456789abcdef")
	payload := []byte(`{"app_id":"x"}`)

	sig := Sign(payload, secret)
	env := protocol.TokenBindingEnvelope{Scheme: "hmac-sha256", Signature: sig}

	if err := Verify(payload, env, secret); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	secret := []byte("0123456789abcdef")
	sig := Sign([]byte(`{"app_id":"x"}`), secret)
	env := protocol.TokenBindingEnvelope{Scheme: "hmac-sha256", Signature: sig}

	if err := Verify([]byte(`{"app_id":"y"}`), env, secret); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	sig := Sign([]byte(`{"app_id":"x"}`), []byte("0123456789abcdef"))
	env := protocol.TokenBindingEnvelope{Scheme: "hmac-sha256", Signature: sig}

	if err := Verify([]byte(`{"app_id":"x"}`), env, []byte("fedcba9876543210")); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyRejectsMalformedSignature(t *testing.T) {
	env := protocol.TokenBindingEnvelope{Scheme: "hmac-sha256", Signature: "not-base64!!"}
	if err := Verify([]byte(`{}`), env, []byte("0123456789abcdef")); err == nil {
		t.Fatal("expected decode error")
	}
}
