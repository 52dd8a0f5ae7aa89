package middleware

import (
	"fmt"
	"log/slog"
	"time"

	"market-proxy/internal/services"
	"market-proxy/pkg/response"

	"github.com/gin-gonic/gin"
)

type RateLimitMiddleware struct {
	limiter services.RateLimiter
	logger  *slog.Logger
}

func NewRateLimitMiddleware(limiter services.RateLimiter, logger *slog.Logger) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		logger:  logger,
	}
}

// RateLimitIP limits requests per client IP and path.
func (rm *RateLimitMiddleware) RateLimitIP(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit_ip:%s:%s", c.ClientIP(), c.FullPath())

		allowed, err := rm.limiter.Allow(c.Request.Context(), key, requests, window)
		if err != nil {
			rm.logger.Error("Rate limit check failed", "key", key, "error", err)
			response.InternalError(c, fmt.Errorf("rate limit check failed"))
			return
		}

		if !allowed {
			response.TooManyRequests(c, fmt.Sprintf("Too many requests. Limit: %d per %v", requests, window))
			return
		}

		c.Next()
	}
}

// WebSocketRateLimit limits upgrade attempts per client IP.
func (rm *RateLimitMiddleware) WebSocketRateLimit(requests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := fmt.Sprintf("rate_limit:websocket:%s", c.ClientIP())

		allowed, err := rm.limiter.Allow(c.Request.Context(), key, requests, window)
		if err != nil {
			rm.logger.Error("Rate limit check failed", "key", key, "error", err)
			response.InternalError(c, fmt.Errorf("rate limit check failed"))
			return
		}

		if !allowed {
			response.TooManyRequests(c, "WebSocket connection rate limit exceeded")
			return
		}

		c.Next()
	}
}
