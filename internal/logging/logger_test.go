package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// withObservedLogger installs an observer-backed logger for the test
// and restores whatever was installed before it.
func withObservedLogger(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	prev := setLogger(zap.New(core))
	t.Cleanup(func() { setLogger(prev) })
	return logs
}

func TestGetLoggerFallsBackToNopBeforeInitialize(t *testing.T) {
	prev := setLogger(nil)
	t.Cleanup(func() { setLogger(prev) })

	l := GetLogger()
	assert.NotNil(t, l, "GetLogger must never return nil")
	// Logging through the fallback must be a safe no-op.
	Info(context.Background(), "dropped on the floor")
}

func TestInitializeInstallsLogger(t *testing.T) {
	prev := global.Load()
	t.Cleanup(func() { global.Store(prev) })

	assert.NoError(t, Initialize(true))
	assert.NotNil(t, global.Load())
}

func TestEnrichInjectsContextFields(t *testing.T) {
	logs := withObservedLogger(t)

	ctx := WithFields(context.Background(), Fields{CorrelationID: "req-1"})
	ctx = WithApp(ctx, "app-9")
	ctx = WithRoom(ctx, "room-123")
	ctx = WithPlayer(ctx, "player-456")

	Info(ctx, "joined")

	assert.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "joined", entry.Message)

	fields := entry.ContextMap()
	assert.Equal(t, "req-1", fields["correlation_id"])
	assert.Equal(t, "app-9", fields["app_id"])
	assert.Equal(t, "room-123", fields["room_id"])
	assert.Equal(t, "player-456", fields["player_id"])
	assert.Equal(t, "signalserver", fields["service"])
}

func TestWithFieldsOverlaysWithoutErasing(t *testing.T) {
	ctx := WithFields(context.Background(), Fields{AppID: "app-1", RoomID: "room-1"})
	// A later stamp with only a player id must not erase the earlier ones.
	ctx = WithFields(ctx, Fields{PlayerID: "p-1"})

	got := fieldsOf(ctx)
	assert.Equal(t, "app-1", got.AppID)
	assert.Equal(t, "room-1", got.RoomID)
	assert.Equal(t, "p-1", got.PlayerID)
}

func TestEmptyFieldsAreOmitted(t *testing.T) {
	logs := withObservedLogger(t)

	Info(context.Background(), "bare")

	entry := logs.All()[0]
	fields := entry.ContextMap()
	assert.NotContains(t, fields, "room_id")
	assert.NotContains(t, fields, "player_id")
	assert.NotContains(t, fields, "correlation_id")
	assert.Equal(t, "signalserver", fields["service"])
}

func TestLevelRouting(t *testing.T) {
	logs := withObservedLogger(t)

	ctx := context.Background()
	Info(ctx, "info msg", zap.String("key", "val"))
	Warn(ctx, "warn msg")
	Error(ctx, "error msg")

	assert.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
	assert.Equal(t, zapcore.ErrorLevel, logs.All()[2].Level)
	assert.Equal(t, "val", logs.All()[0].ContextMap()["key"])
}
