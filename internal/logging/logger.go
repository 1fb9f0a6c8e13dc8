// Package logging is the structured logging seam for the signaling
// server. Every log line is enriched from a single Fields value
// carried on the context, so a session can stamp its correlation id,
// app, room, and player once (at authenticate/join time) and every
// downstream component logs with the full correlation set without
// threading identifiers through call signatures.
package logging

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Fields is the correlation state attached to a connection's context.
// Zero-valued members are omitted from output.
type Fields struct {
	CorrelationID string
	AppID         string
	RoomID        string
	PlayerID      string
}

type fieldsKey struct{}

// WithFields overlays f onto whatever correlation state ctx already
// carries: non-empty members replace, empty members inherit. This is
// what lets JoinRoom add a room id to a context that authenticate
// already stamped with an app id.
func WithFields(ctx context.Context, f Fields) context.Context {
	base := fieldsOf(ctx)
	if f.CorrelationID != "" {
		base.CorrelationID = f.CorrelationID
	}
	if f.AppID != "" {
		base.AppID = f.AppID
	}
	if f.RoomID != "" {
		base.RoomID = f.RoomID
	}
	if f.PlayerID != "" {
		base.PlayerID = f.PlayerID
	}
	return context.WithValue(ctx, fieldsKey{}, base)
}

// WithRoom stamps ctx with a room id.
func WithRoom(ctx context.Context, roomID string) context.Context {
	return WithFields(ctx, Fields{RoomID: roomID})
}

// WithPlayer stamps ctx with a player id.
func WithPlayer(ctx context.Context, playerID string) context.Context {
	return WithFields(ctx, Fields{PlayerID: playerID})
}

// WithApp stamps ctx with an application id.
func WithApp(ctx context.Context, appID string) context.Context {
	return WithFields(ctx, Fields{AppID: appID})
}

func fieldsOf(ctx context.Context) Fields {
	if ctx == nil {
		return Fields{}
	}
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

// zap fields the enrichment emits, in a fixed order so log lines for
// the same connection diff cleanly.
func (f Fields) zapFields() []zap.Field {
	out := make([]zap.Field, 0, 5)
	if f.CorrelationID != "" {
		out = append(out, zap.String("correlation_id", f.CorrelationID))
	}
	if f.AppID != "" {
		out = append(out, zap.String("app_id", f.AppID))
	}
	if f.RoomID != "" {
		out = append(out, zap.String("room_id", f.RoomID))
	}
	if f.PlayerID != "" {
		out = append(out, zap.String("player_id", f.PlayerID))
	}
	out = append(out, zap.String("service", "signalserver"))
	return out
}

// The process logger. An atomic pointer rather than a sync.Once so
// tests can swap in an observer core and restore the previous logger
// afterward.
var global atomic.Pointer[zap.Logger]

// Initialize builds and installs the process logger. development
// selects a human-readable console encoder; production emits JSON
// with ISO-8601 timestamps. Later calls replace the installed logger,
// which is only expected during tests.
func Initialize(development bool) error {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return err
	}
	global.Store(built)
	return nil
}

// GetLogger returns the installed logger, or a no-op logger when
// Initialize has not run (package-level tests, early startup).
func GetLogger() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return zap.NewNop()
}

// setLogger swaps the installed logger, returning the previous one.
// Test hook for zaptest/observer cores.
func setLogger(l *zap.Logger) *zap.Logger {
	return global.Swap(l)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Info(msg, enrich(ctx, fields)...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Warn(msg, enrich(ctx, fields)...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Error(msg, enrich(ctx, fields)...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	GetLogger().Fatal(msg, enrich(ctx, fields)...)
}

// enrich appends the context's correlation fields after the caller's
// explicit fields, so an explicit zap.String("room_id", ...) from a
// call site and the context stamp never silently disagree — both are
// emitted and a disagreement is visible in the line itself.
func enrich(ctx context.Context, fields []zap.Field) []zap.Field {
	return append(fields, fieldsOf(ctx).zapFields()...)
}
