package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"marketpulse/pkg/log"
)

// Logger request logging middleware
func Logger() gin.HandlerFunc {
	return gin.LoggerWithFormatter(func(param gin.LogFormatterParams) string {
		log.WithFields(map[string]interface{}{
			"status":  param.StatusCode,
			"method":  param.Method,
			"path":    param.Path,
			"ip":      param.ClientIP,
			"latency": param.Latency,
			"time":    param.TimeStamp.Format(time.RFC3339),
		}).Info("Request processed")

		return ""
	})
}
