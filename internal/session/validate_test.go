package session

import (
	"testing"

	"github.com/signalfish/signalserver/internal/config"
)

func baseNameConfig() config.Config {
	cfg := config.Default()
	cfg.MaxPlayerNameLength = 16
	cfg.AllowUnicodeNames = false
	cfg.AllowInteriorSpace = false
	cfg.AllowedSymbols = "_-"
	return cfg
}

func TestValidatePlayerNameRejectsEmpty(t *testing.T) {
	if err := validatePlayerName(baseNameConfig(), ""); err == nil {
		t.Fatal("expected empty name to be rejected")
	}
}

func TestValidatePlayerNameRejectsTooLong(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "this_name_is_way_too_long"); err == nil {
		t.Fatal("expected over-length name to be rejected")
	}
}

func TestValidatePlayerNameRejectsLeadingTrailingWhitespace(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, " Hero"); err == nil {
		t.Fatal("expected leading whitespace to be rejected")
	}
	if err := validatePlayerName(cfg, "Hero "); err == nil {
		t.Fatal("expected trailing whitespace to be rejected")
	}
}

func TestValidatePlayerNameInteriorSpaceGatedByConfig(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "Hero One"); err == nil {
		t.Fatal("expected interior space rejected when AllowInteriorSpace=false")
	}
	cfg.AllowInteriorSpace = true
	if err := validatePlayerName(cfg, "Hero One"); err != nil {
		t.Fatalf("expected interior space accepted when allowed: %v", err)
	}
}

func TestValidatePlayerNameUnicodeGatedByConfig(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "Héro"); err == nil {
		t.Fatal("expected non-ASCII letter rejected when AllowUnicodeNames=false")
	}
	cfg.AllowUnicodeNames = true
	if err := validatePlayerName(cfg, "Héro"); err != nil {
		t.Fatalf("expected unicode name accepted when allowed: %v", err)
	}
}

func TestValidatePlayerNameAllowsConfiguredSymbols(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "Hero_One-2"); err != nil {
		t.Fatalf("expected allowed symbols to pass: %v", err)
	}
}

func TestValidatePlayerNameRejectsDisallowedSymbol(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "Hero!"); err == nil {
		t.Fatal("expected disallowed symbol to be rejected")
	}
}

func TestValidatePlayerNameAllowsPlainAlphanumeric(t *testing.T) {
	cfg := baseNameConfig()
	if err := validatePlayerName(cfg, "Hero123"); err != nil {
		t.Fatalf("expected plain alphanumeric name to pass: %v", err)
	}
}
