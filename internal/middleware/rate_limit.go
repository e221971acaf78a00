package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"marketpulse/pkg/limiter"
	"marketpulse/pkg/log"
	"marketpulse/pkg/utils"
)

// RateLimit caps request rate per client IP using the given limiter.
// With a redis-backed limiter the budget is shared across instances.
func RateLimit(l limiter.RateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, err := l.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			// Limiter backend down: admit rather than refuse everything.
			log.WithError(err).Warn("rate limiter unavailable")
			c.Next()
			return
		}
		if !allowed {
			utils.ErrorResponse(c, http.StatusTooManyRequests, "Too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
