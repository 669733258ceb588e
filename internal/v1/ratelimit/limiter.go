// Package ratelimit guards the WebSocket upgrade endpoint with a per-IP
// limit. The in-protocol per-message budget lives with the session layer;
// this limiter only bounds how fast one address can open connections.
package ratelimit

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/openwatchparty/session-server/internal/v1/logging"
)

// UpgradeLimiter rate limits WebSocket upgrade requests by client IP.
type UpgradeLimiter struct {
	wsIP *limiter.Limiter
}

// New creates an UpgradeLimiter from a formatted rate such as "60-M".
func New(wsIPRate string) (*UpgradeLimiter, error) {
	rate, err := limiter.NewRateFromFormatted(wsIPRate)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}
	return &UpgradeLimiter{
		wsIP: limiter.New(memory.NewStore(), rate),
	}, nil
}

// CheckUpgrade reports whether the upgrade request may proceed. On limit it
// writes the 429 response itself. Store failures fail open: availability
// wins over strictness for a limiter that only guards connection churn.
func (rl *UpgradeLimiter) CheckUpgrade(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	ipContext, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "Upgrade rate limiter store failed", zap.Error(err))
		return true
	}

	if ipContext.Reached {
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipContext.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}
	return true
}
