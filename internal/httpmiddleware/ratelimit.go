// Package httpmiddleware holds gin middleware for the HTTP surface
// that fronts the WebSocket upgrade endpoint: a pre-handshake,
// per-IP admission throttle built on github.com/ulule/limiter/v3.
//
// This is deliberately a different rate limiter from
// internal/ratelimit: that package enforces the protocol-level,
// per-app/per-player budgets with an exact trim-then-append sliding
// window. This one guards the HTTP layer itself, before a socket (and
// its connmgr admission slot) exists at all, so a flood of upgrade
// requests from one address cannot spend CPU on the TLS/HTTP
// handshake in the first place. ulule/limiter's GCRA store is the
// right tool for that job: a well-tested, off-the-shelf token bucket
// with no exact-window contract to honor.
package httpmiddleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"github.com/signalfish/signalserver/internal/logging"
	"github.com/signalfish/signalserver/internal/metrics"
	"go.uber.org/zap"
)

// UpgradeThrottle returns gin middleware that rejects WebSocket
// upgrade attempts once a client IP exceeds ratePerSecond requests
// per second.
func UpgradeThrottle(ratePerSecond int64) gin.HandlerFunc {
	rate := limiter.Rate{Period: time.Second, Limit: ratePerSecond}
	store := memory.NewStore()
	lim := limiter.New(store, rate)

	return func(c *gin.Context) {
		ctx, err := lim.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			logging.Warn(c.Request.Context(), "upgrade throttle store error", zap.Error(err))
			c.Next()
			return
		}
		if ctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("http_upgrade").Inc()
			c.AbortWithStatus(http.StatusTooManyRequests)
			return
		}
		c.Next()
	}
}
