// Package authregistry is the immutable app-id → (secret, limits)
// directory validated on every connection's first frame. It is loaded
// once from internal/config and never mutated afterward, keyed on
// static per-app secrets: this server's clients are game SDKs
// presenting a pre-shared app id/secret pair, not users carrying
// identity-provider tokens.
package authregistry

import (
	"crypto/subtle"

	"github.com/google/uuid"

	"github.com/signalfish/signalserver/internal/config"
	"github.com/signalfish/signalserver/internal/ids"
)

// AuthError enumerates why an app id or credential check failed.
type AuthError string

const (
	ErrUnknownApp       AuthError = "unknown_app"
	ErrInvalidSecret    AuthError = "invalid_secret"
	ErrRegistryDisabled AuthError = "registry_disabled_no_op"
)

func (e AuthError) Error() string { return string(e) }

// AppInfo is the directory entry returned for a validated app id.
type AppInfo struct {
	ID                 uuid.UUID
	Name               string
	Org                string
	MaxRooms           int // 0 = unset/unlimited
	MaxPlayersPerRoom  int // 0 = unset/unlimited
	RateLimitPerMinute int // 0 = unset/unlimited
}

// RateLimitPerHour and RateLimitPerDay are advisory figures derived
// from RateLimitPerMinute, surfaced to clients in the Authenticated
// message but not separately enforced.
func (a AppInfo) RateLimitPerHour() int { return a.RateLimitPerMinute * 60 }
func (a AppInfo) RateLimitPerDay() int  { return a.RateLimitPerMinute * 1440 }

// Registry is the immutable app directory.
type Registry struct {
	enabled bool
	byID    map[string]entry
}

type entry struct {
	info   AppInfo
	secret string
}

// New builds a Registry from configuration. When enabled is false the
// registry is a no-op: every app id validates against a synthetic
// default AppInfo.
func New(enabled bool, apps []config.AppCredential) *Registry {
	r := &Registry{enabled: enabled, byID: make(map[string]entry, len(apps))}
	for _, a := range apps {
		r.byID[a.ID] = entry{
			info: AppInfo{
				ID:                 ids.ParseOrDeriveAppID(a.ID),
				Name:               a.Name,
				Org:                a.Org,
				MaxRooms:           a.MaxRooms,
				MaxPlayersPerRoom:  a.MaxPlayersPerRoom,
				RateLimitPerMinute: a.RateLimitPerMinute,
			},
			secret: a.Secret,
		}
	}
	return r
}

// ValidateAppID reports whether appID is known, returning its AppInfo.
// When the registry is disabled, every app id succeeds with a
// synthetic default AppInfo whose ID is derived deterministically
// from appID.
func (r *Registry) ValidateAppID(appID string) (AppInfo, error) {
	if !r.enabled {
		return syntheticAppInfo(appID), nil
	}

	e, ok := r.byID[appID]
	if !ok {
		return AppInfo{}, ErrUnknownApp
	}
	return e.info, nil
}

// ValidateAppCredentials checks appID/secret using a constant-time
// comparison, so a mistyped secret's length or prefix cannot be
// inferred from response timing. crypto/subtle is the standard
// library's constant-time comparator; none of the example repos'
// dependency stacks provide a third-party alternative, so stdlib is
// used here deliberately rather than as a fallback of convenience.
func (r *Registry) ValidateAppCredentials(appID, secret string) (AppInfo, error) {
	if !r.enabled {
		return syntheticAppInfo(appID), nil
	}

	e, ok := r.byID[appID]
	if !ok {
		return AppInfo{}, ErrUnknownApp
	}

	if subtle.ConstantTimeCompare([]byte(e.secret), []byte(secret)) != 1 {
		return AppInfo{}, ErrInvalidSecret
	}
	return e.info, nil
}

func syntheticAppInfo(appID string) AppInfo {
	return AppInfo{
		ID:   ids.ParseOrDeriveAppID(appID),
		Name: appID,
	}
}
