package authregistry

import (
	"testing"

	"github.com/signalfish/signalserver/internal/config"
)

func testApps() []config.AppCredential {
	return []config.AppCredential{
		{ID: "game-1", Name: "Game One", Secret: "supersecretvalue", MaxRooms: 10, RateLimitPerMinute: 100},
	}
}

func TestValidateAppIDKnown(t *testing.T) {
	r := New(true, testApps())
	info, err := r.ValidateAppID("game-1")
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != "Game One" {
		t.Fatalf("unexpected name: %s", info.Name)
	}
}

func TestValidateAppIDUnknown(t *testing.T) {
	r := New(true, testApps())
	if _, err := r.ValidateAppID("nope"); err != ErrUnknownApp {
		t.Fatalf("expected ErrUnknownApp, got %v", err)
	}
}

func TestValidateAppCredentialsCorrect(t *testing.T) {
	r := New(true, testApps())
	if _, err := r.ValidateAppCredentials("game-1", "supersecretvalue"); err != nil {
		t.Fatal(err)
	}
}

func TestValidateAppCredentialsWrongSecret(t *testing.T) {
	r := New(true, testApps())
	if _, err := r.ValidateAppCredentials("game-1", "wrong"); err != ErrInvalidSecret {
		t.Fatalf("expected ErrInvalidSecret, got %v", err)
	}
}

func TestDisabledRegistryAlwaysSucceeds(t *testing.T) {
	r := New(false, nil)
	info, err := r.ValidateAppID("anything")
	if err != nil {
		t.Fatal(err)
	}
	if info.ID.String() == "" {
		t.Fatal("expected a derived id")
	}
}

func TestAdvisoryRatesDeriveFromPerMinute(t *testing.T) {
	info := AppInfo{RateLimitPerMinute: 10}
	if info.RateLimitPerHour() != 600 {
		t.Fatalf("expected 600, got %d", info.RateLimitPerHour())
	}
	if info.RateLimitPerDay() != 14400 {
		t.Fatalf("expected 14400, got %d", info.RateLimitPerDay())
	}
}
