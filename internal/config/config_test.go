package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RoomCodeLength != 6 {
		t.Fatalf("expected default room code length 6, got %d", cfg.RoomCodeLength)
	}
}

func TestEnvOverrideNestedPath(t *testing.T) {
	t.Setenv("SIGNAL_FISH__ROOM_CODE_LENGTH", "8")
	cfg, err := Load("", false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RoomCodeLength != 8 {
		t.Fatalf("expected overridden room code length 8, got %d", cfg.RoomCodeLength)
	}
}

func TestEnvOverrideNestedAppsArray(t *testing.T) {
	t.Setenv(InlineJSONEnvVar, `{"apps":[{"id":"a1","name":"Game","secret":"supersecretvalue"}]}`)
	cfg, err := Load("", false)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Apps) != 1 || cfg.Apps[0].ID != "a1" {
		t.Fatalf("expected one app a1, got %#v", cfg.Apps)
	}
}

func TestInlineJSONTakesPrecedenceOverPath(t *testing.T) {
	t.Setenv(InlineJSONEnvVar, `{"room_code_length": 10}`)
	cfg, err := Load("/nonexistent/path/config.json", false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RoomCodeLength != 10 {
		t.Fatalf("expected inline JSON to win, got %d", cfg.RoomCodeLength)
	}
}

func TestValidateRequiresAppsWhenAuthEnabled(t *testing.T) {
	cfg := Default()
	cfg.AuthEnabled = true
	cfg.Apps = []AppCredential{{ID: "", Secret: ""}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for empty app id/secret")
	}
}

func TestValidateRequiresTLSPaths(t *testing.T) {
	cfg := Default()
	cfg.AuthEnabled = false
	cfg.MetricsToken = "tok"
	cfg.TLSEnabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for missing TLS paths")
	}
}

func TestRedactSecret(t *testing.T) {
	if got := RedactSecret("short"); got != "***" {
		t.Fatalf("expected fully redacted short secret, got %s", got)
	}
	if got := RedactSecret("0123456789abcdef"); got != "01234567***" {
		t.Fatalf("unexpected redaction: %s", got)
	}
}

func TestExplicitPathLoadsFile(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/cfg.json"
	if err := os.WriteFile(path, []byte(`{"room_code_length": 9}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RoomCodeLength != 9 {
		t.Fatalf("expected 9, got %d", cfg.RoomCodeLength)
	}
}
