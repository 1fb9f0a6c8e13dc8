package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

type fakeRoomStats struct{ rooms, conns int }

func (f fakeRoomStats) RoomCount() int       { return f.rooms }
func (f fakeRoomStats) ConnectionCount() int { return f.conns }

type fakeLockStats struct{ held int }

func (f fakeLockStats) HeldLockCount() int { return f.held }

type fakeReconnectStats struct{ pending int }

func (f fakeReconnectStats) PendingReconnectCount() int { return f.pending }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestLivenessAlwaysOK(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil, nil, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/live", nil)
	h.Liveness(c)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
}

func TestReadinessHealthyWithNoBus(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(fakeRoomStats{rooms: 3, conns: 7}, fakeLockStats{held: 1}, fakeReconnectStats{pending: 2}, nil)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)
	h.Readiness(c)
	assert.Equal(t, 200, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "\"rooms\":3")
	assert.Contains(t, body, "\"held_locks\":1")
}

func TestReadinessUnavailableWhenBusDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewHandler(nil, nil, nil, fakePinger{err: errors.New("connection refused")})
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/health/ready", nil)
	h.Readiness(c)
	assert.Equal(t, 503, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
}
