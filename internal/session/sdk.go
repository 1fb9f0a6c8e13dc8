package session

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/signalfish/signalserver/internal/config"
)

// checkSDKCompatibility validates the optional sdk_version/platform
// fields of Authenticate against the configured minimums. Platform is
// normalized to lowercase before the lookup. Returns the capability
// set to advertise: the server-wide defaults plus any platform
// specific additions.
func checkSDKCompatibility(cfg config.Config, sdkVersion, platform string) ([]string, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))

	if platform != "" || cfg.RequirePlatform {
		known := false
		for _, p := range cfg.SupportedPlatforms {
			if p == platform {
				known = true
				break
			}
		}
		if !known {
			return nil, fmt.Errorf("unsupported platform %q", platform)
		}
	}

	if cfg.MinSDKVersion != "" && sdkVersion != "" {
		below, err := versionBelow(sdkVersion, cfg.MinSDKVersion)
		if err != nil {
			return nil, fmt.Errorf("unparseable sdk_version %q", sdkVersion)
		}
		if below {
			return nil, fmt.Errorf("sdk version %s is below the minimum %s", sdkVersion, cfg.MinSDKVersion)
		}
	}

	caps := append([]string(nil), serverCapabilities...)
	if extra, ok := cfg.PlatformCapabilities[platform]; ok {
		caps = append(caps, extra...)
	}
	return caps, nil
}

// versionBelow reports whether version orders strictly before min.
// Both are dotted numeric versions ("1.4.2"); a leading "v" and any
// pre-release suffix after "-" or "+" are ignored, and missing
// components compare as zero.
func versionBelow(version, min string) (bool, error) {
	v, err := parseVersion(version)
	if err != nil {
		return false, err
	}
	m, err := parseVersion(min)
	if err != nil {
		return false, err
	}
	for i := 0; i < 3; i++ {
		if v[i] != m[i] {
			return v[i] < m[i], nil
		}
	}
	return false, nil
}

func parseVersion(s string) ([3]int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	var out [3]int
	parts := strings.Split(s, ".")
	if len(parts) == 0 || len(parts) > 3 {
		return out, fmt.Errorf("session: invalid version %q", s)
	}
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return out, fmt.Errorf("session: invalid version component %q", p)
		}
		out[i] = n
	}
	return out, nil
}
