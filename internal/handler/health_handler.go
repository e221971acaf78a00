package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"marketpulse/internal/redis"
	"marketpulse/pkg/utils"
)

// HealthHandler reports process and dependency health
type HealthHandler struct {
	db    *gorm.DB
	cache *goredis.Client
}

// NewHealthHandler creates a health handler
func NewHealthHandler(db *gorm.DB, cache *goredis.Client) *HealthHandler {
	return &HealthHandler{db: db, cache: cache}
}

// Health handles GET /health
func (h *HealthHandler) Health(c *gin.Context) {
	checks := gin.H{}
	healthy := true

	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if err := redis.Health(c.Request.Context(), h.cache); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":    "degraded",
			"checks":    checks,
			"timestamp": time.Now().Unix(),
		})
		return
	}

	utils.SuccessResponse(c, gin.H{
		"status": "ok",
		"checks": checks,
	})
}
