// Package config loads and validates the signaling server's
// configuration: a JSON document overridden by SIGNAL_FISH__A__B-style
// double-underscore env vars mapping to {a:{b:value}}, with env values
// parsed as JSON, falling back to comma-split arrays when the value
// contains a comma and to raw strings otherwise. Validation accumulates every violation into one
// joined error so operators see the full list in a single failure.
//
// The loader is hand-rolled over encoding/json rather than built on a
// config library (viper, koanf): the double-underscore nested-path
// override contract and the scalar-or-string-fallback parsing are the
// whole feature, and neither library implements them out of the box.
package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// AppCredential is one entry in the auth registry's app directory.
type AppCredential struct {
	ID                 string `json:"id"`
	Name               string `json:"name"`
	Secret             string `json:"secret"`
	Org                string `json:"org,omitempty"`
	MaxRooms           int    `json:"max_rooms,omitempty"`
	MaxPlayersPerRoom  int    `json:"max_players_per_room,omitempty"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute,omitempty"`
}

// Config is the fully-validated, immutable configuration object handed
// to the composition root.
type Config struct {
	ListenAddr string `json:"listen_addr"`

	// Auth
	AuthEnabled bool            `json:"auth_enabled"`
	Apps        []AppCredential `json:"apps"`

	// Room store
	RoomCodeLength       int `json:"room_code_length"`
	DefaultMaxPlayers    int `json:"default_max_players"`
	MaxPlayersHardCap    int `json:"max_players_hard_cap"`
	DefaultMaxSpectators int `json:"default_max_spectators"`
	MaxRoomsPerGame      int `json:"max_rooms_per_game"`

	EmptyRoomTimeout    time.Duration `json:"empty_room_timeout"`
	InactiveRoomTimeout time.Duration `json:"inactive_room_timeout"`

	// Reconnection
	ReconnectionEnabled bool          `json:"reconnection_enabled"`
	ReconnectionWindow  time.Duration `json:"reconnection_window"`
	EventBufferSize     int           `json:"event_buffer_size"`
	ReconnectionSecret  string        `json:"reconnection_secret"`

	// Rate limiting
	AppRateLimitPerMinute int `json:"app_rate_limit_per_minute"`
	RoomCreateRateLimit   int `json:"room_create_rate_limit_per_minute"`
	JoinAttemptRateLimit  int `json:"join_attempt_rate_limit_per_minute"`

	// Distributed mutex
	LockDefaultTTL time.Duration `json:"lock_default_ttl"`

	// Connection / session
	OutboundQueueSize   int           `json:"outbound_queue_size"`
	MaxConnectionsPerIP int           `json:"max_connections_per_ip"`
	PingTimeout         time.Duration `json:"ping_timeout"`
	AuthTimeout         time.Duration `json:"auth_timeout"`
	MaxMessageSize      int64         `json:"max_message_size"`
	BatchingEnabled     bool          `json:"batching_enabled"`
	BatchSize           int           `json:"batch_size"`
	BatchIntervalMS     int           `json:"batch_interval_ms"`
	MaxPlayerNameLength int           `json:"max_player_name_length"`
	AllowUnicodeNames   bool          `json:"allow_unicode_names"`
	AllowInteriorSpace  bool          `json:"allow_interior_space"`
	AllowedSymbols      string        `json:"allowed_symbols"`

	// SDK compatibility (handshake)
	MinSDKVersion        string              `json:"min_sdk_version"`
	RequirePlatform      bool                `json:"require_platform"`
	SupportedPlatforms   []string            `json:"supported_platforms"`
	PlatformCapabilities map[string][]string `json:"platform_capabilities"`

	// Token binding
	TokenBindingEnabled  bool `json:"token_binding_enabled"`
	TokenBindingRequired bool `json:"token_binding_required"`

	// Cleanup
	CleanupInterval time.Duration `json:"cleanup_interval"`

	// Ambient
	LogLevel             string `json:"log_level"`
	LogDevelopment       bool   `json:"log_development"`
	MetricsToken         string `json:"metrics_token"`
	TLSCertPath          string `json:"tls_cert_path"`
	TLSKeyPath           string `json:"tls_key_path"`
	TLSEnabled           bool   `json:"tls_enabled"`
	BusRedisAddr         string `json:"bus_redis_addr"`
	BusEnabled           bool   `json:"bus_enabled"`
	TracingEnabled       bool   `json:"tracing_enabled"`
	TracingCollectorAddr string `json:"tracing_collector_addr"`
}

// Default returns the built-in configuration defaults, the lowest
// precedence layer.
func Default() Config {
	return Config{
		ListenAddr:            ":8443",
		AuthEnabled:           true,
		RoomCodeLength:        6,
		DefaultMaxPlayers:     8,
		MaxPlayersHardCap:     64,
		DefaultMaxSpectators:  8,
		MaxRoomsPerGame:       10000,
		EmptyRoomTimeout:      30 * time.Second,
		InactiveRoomTimeout:   1 * time.Hour,
		ReconnectionEnabled:   true,
		ReconnectionWindow:    60 * time.Second,
		EventBufferSize:       64,
		ReconnectionSecret:    "",
		AppRateLimitPerMinute: 600,
		RoomCreateRateLimit:   20,
		JoinAttemptRateLimit:  60,
		LockDefaultTTL:        5 * time.Second,
		OutboundQueueSize:     64,
		MaxConnectionsPerIP:   32,
		PingTimeout:           30 * time.Second,
		AuthTimeout:           10 * time.Second,
		MaxMessageSize:        64 * 1024,
		BatchingEnabled:       true,
		BatchSize:             16,
		BatchIntervalMS:       20,
		MaxPlayerNameLength:   24,
		AllowUnicodeNames:     true,
		AllowInteriorSpace:    true,
		AllowedSymbols:        "_-",
		MinSDKVersion:         "",
		RequirePlatform:       false,
		SupportedPlatforms:    []string{"windows", "macos", "linux", "ios", "android", "web"},
		PlatformCapabilities: map[string][]string{
			"web": {"webrtc_only"},
		},
		TokenBindingEnabled:  false,
		TokenBindingRequired: false,
		CleanupInterval:      10 * time.Second,
		LogLevel:             "info",
		LogDevelopment:       false,
		TracingEnabled:       false,
	}
}

// EnvPrefix is the prefix scanned for nested overrides:
// SIGNAL_FISH__A__B=value -> {"a":{"b": value}}.
const EnvPrefix = "SIGNAL_FISH__"

// InlineJSONEnvVar, when set, carries the entire configuration document
// as JSON and takes the highest precedence.
const InlineJSONEnvVar = "SIGNAL_FISH_CONFIG"

// Load resolves configuration from, in descending precedence:
//  1. SIGNAL_FISH_CONFIG inline JSON env var
//  2. JSON read from stdin (if readStdin is true and stdin is not a tty)
//  3. explicitPath, if non-empty
//  4. ./config.json in the current working directory
//  5. config.json next to the running executable
//  6. built-in defaults
//
// SIGNAL_FISH__A__B style env vars are then applied as a final overlay
// regardless of which of the above sources produced the base document.
func Load(explicitPath string, readStdin bool) (Config, error) {
	merged := map[string]any{}
	base := Default()
	if err := structToMap(base, merged); err != nil {
		return Config{}, err
	}

	applyLayer := func(doc map[string]any) {
		for k, v := range doc {
			merged[k] = v
		}
	}

	loadedExplicit := false
	if inline := os.Getenv(InlineJSONEnvVar); inline != "" {
		var doc map[string]any
		if err := json.Unmarshal([]byte(inline), &doc); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", InlineJSONEnvVar, err)
		}
		applyLayer(doc)
		loadedExplicit = true
	}

	if !loadedExplicit && readStdin {
		if doc, ok := tryReadJSONStdin(); ok {
			applyLayer(doc)
			loadedExplicit = true
		}
	}

	if !loadedExplicit && explicitPath != "" {
		if doc, err := readJSONFile(explicitPath); err == nil {
			applyLayer(doc)
			loadedExplicit = true
		} else {
			return Config{}, fmt.Errorf("config: read %s: %w", explicitPath, err)
		}
	}

	if !loadedExplicit {
		if doc, err := readJSONFile("config.json"); err == nil {
			applyLayer(doc)
			loadedExplicit = true
		}
	}

	if !loadedExplicit {
		if exe, err := os.Executable(); err == nil {
			dir := filepath.Dir(exe)
			if doc, err := readJSONFile(filepath.Join(dir, "config.json")); err == nil {
				applyLayer(doc)
			}
		}
	}

	applyEnvOverrides(merged, os.Environ())

	var cfg Config
	raw, err := json.Marshal(merged)
	if err != nil {
		return Config{}, fmt.Errorf("config: remarshal merged document: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode merged document: %w", err)
	}
	return cfg, nil
}

func structToMap(cfg Config, into map[string]any) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &into)
}

func tryReadJSONStdin() (map[string]any, bool) {
	stat, err := os.Stdin.Stat()
	if err != nil || (stat.Mode()&os.ModeCharDevice) != 0 {
		return nil, false
	}
	reader := bufio.NewReader(os.Stdin)
	peek, err := reader.Peek(1)
	if err != nil || len(peek) == 0 {
		return nil, false
	}
	var doc map[string]any
	dec := json.NewDecoder(reader)
	if err := dec.Decode(&doc); err != nil {
		return nil, false
	}
	return doc, true
}

func readJSONFile(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON in %s: %w", path, err)
	}
	return doc, nil
}

// applyEnvOverrides mutates merged in place using SIGNAL_FISH__A__B=value
// style env vars. Keys are lower-cased; values are parsed as JSON,
// falling back to a comma-split array of strings when the value
// contains a comma, and to the raw string otherwise.
func applyEnvOverrides(merged map[string]any, environ []string) {
	// Sort for deterministic application order when prefixes overlap.
	sort.Strings(environ)
	for _, kv := range environ {
		eq := strings.IndexByte(kv, '=')
		if eq < 0 {
			continue
		}
		key, val := kv[:eq], kv[eq+1:]
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		path := strings.Split(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__")
		setNestedValue(merged, path, parseEnvValue(val))
	}
}

func parseEnvValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	if strings.Contains(raw, ",") {
		parts := strings.Split(raw, ",")
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out
	}
	return raw
}

func setNestedValue(root map[string]any, path []string, value any) {
	cur := root
	for i, segment := range path {
		if i == len(path)-1 {
			cur[segment] = value
			return
		}
		next, ok := cur[segment].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[segment] = next
		}
		cur = next
	}
}

// Validate checks required invariants, returning every violation
// joined together so operators see the full list in one failure.
func (c Config) Validate() error {
	var errs []string
	if c.RoomCodeLength <= 0 || c.RoomCodeLength > 32 {
		errs = append(errs, fmt.Sprintf("room_code_length must be in 1..32 (got %d)", c.RoomCodeLength))
	}
	if c.DefaultMaxPlayers <= 0 || c.DefaultMaxPlayers > c.MaxPlayersHardCap {
		errs = append(errs, fmt.Sprintf("default_max_players must be in 1..max_players_hard_cap (got %d, cap %d)", c.DefaultMaxPlayers, c.MaxPlayersHardCap))
	}
	if c.AuthTimeout < 5*time.Second || c.AuthTimeout > 60*time.Second {
		errs = append(errs, fmt.Sprintf("auth_timeout must be in [5s,60s] (got %s)", c.AuthTimeout))
	}
	if c.TLSEnabled {
		if c.TLSCertPath == "" || c.TLSKeyPath == "" {
			errs = append(errs, "tls_cert_path and tls_key_path are required when tls_enabled=true")
		}
	}
	if c.MetricsToken == "" && !c.AuthEnabled {
		// Only a soft constraint example: metrics auth is required whenever
		// app auth is disabled (dev mode), since there is nothing else
		// protecting the instance.
		errs = append(errs, "metrics_token is required when auth_enabled=false")
	}
	if c.AuthEnabled {
		seen := map[string]bool{}
		for _, app := range c.Apps {
			if app.ID == "" || app.Secret == "" {
				errs = append(errs, "every configured app requires a non-empty id and secret")
				continue
			}
			if seen[app.ID] {
				errs = append(errs, fmt.Sprintf("duplicate app id %q", app.ID))
			}
			seen[app.ID] = true
		}
	}
	if c.BatchSize <= 0 {
		errs = append(errs, "batch_size must be positive")
	}
	if c.EventBufferSize <= 0 {
		errs = append(errs, "event_buffer_size must be positive")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RedactSecret shows a short prefix and masks the rest, used only
// for log lines.
func RedactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
