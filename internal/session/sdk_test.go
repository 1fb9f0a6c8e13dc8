package session

import (
	"testing"

	"github.com/signalfish/signalserver/internal/config"
)

func baseSDKConfig() config.Config {
	cfg := config.Default()
	cfg.MinSDKVersion = "1.2.0"
	cfg.SupportedPlatforms = []string{"windows", "web"}
	cfg.PlatformCapabilities = map[string][]string{"web": {"webrtc_only"}}
	return cfg
}

func TestCheckSDKCompatibilityAcceptsAtOrAboveMinimum(t *testing.T) {
	cfg := baseSDKConfig()
	for _, v := range []string{"1.2.0", "1.2.1", "1.3", "2.0.0", "v1.4.2", "1.2.0-rc1"} {
		if _, err := checkSDKCompatibility(cfg, v, ""); err != nil {
			t.Fatalf("expected sdk version %q accepted: %v", v, err)
		}
	}
}

func TestCheckSDKCompatibilityRejectsBelowMinimum(t *testing.T) {
	cfg := baseSDKConfig()
	for _, v := range []string{"1.1.9", "0.9", "1.0.0"} {
		if _, err := checkSDKCompatibility(cfg, v, ""); err == nil {
			t.Fatalf("expected sdk version %q rejected", v)
		}
	}
}

func TestCheckSDKCompatibilityRejectsGarbageVersion(t *testing.T) {
	cfg := baseSDKConfig()
	if _, err := checkSDKCompatibility(cfg, "latest", ""); err == nil {
		t.Fatal("expected unparseable sdk version rejected")
	}
}

func TestCheckSDKCompatibilitySkipsCheckWhenUnconfigured(t *testing.T) {
	cfg := baseSDKConfig()
	cfg.MinSDKVersion = ""
	if _, err := checkSDKCompatibility(cfg, "garbage", ""); err != nil {
		t.Fatalf("expected version check skipped with no configured minimum: %v", err)
	}
}

func TestCheckSDKCompatibilityNormalizesPlatformCase(t *testing.T) {
	cfg := baseSDKConfig()
	caps, err := checkSDKCompatibility(cfg, "1.2.0", " Web ")
	if err != nil {
		t.Fatalf("expected mixed-case platform accepted: %v", err)
	}
	found := false
	for _, c := range caps {
		if c == "webrtc_only" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected platform-specific capability advertised for web")
	}
}

func TestCheckSDKCompatibilityRejectsUnknownPlatform(t *testing.T) {
	cfg := baseSDKConfig()
	if _, err := checkSDKCompatibility(cfg, "1.2.0", "dreamcast"); err == nil {
		t.Fatal("expected unknown platform rejected")
	}
}

func TestCheckSDKCompatibilityRequirePlatformRejectsAbsent(t *testing.T) {
	cfg := baseSDKConfig()
	cfg.RequirePlatform = true
	if _, err := checkSDKCompatibility(cfg, "1.2.0", ""); err == nil {
		t.Fatal("expected missing platform rejected when required")
	}
}

func TestCheckSDKCompatibilityDefaultCapabilitiesWithoutPlatform(t *testing.T) {
	cfg := baseSDKConfig()
	caps, err := checkSDKCompatibility(cfg, "1.2.0", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(caps) != len(serverCapabilities) {
		t.Fatalf("expected only the default capability set, got %v", caps)
	}
}
