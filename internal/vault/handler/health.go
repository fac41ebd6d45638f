package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// dbPinger is the health probe slice of the database pool.
// *pgxpool.Pool satisfies this interface.
type dbPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports service health including dependency checks.
type HealthHandler struct {
	db     dbPinger
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler.
func NewHealthHandler(db dbPinger, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// Health handles GET /health. Any failing check turns the whole response
// into a 503.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn("database health check failed", zap.Error(err))
		checks["database"] = "unreachable"
		status = http.StatusServiceUnavailable
		RecordHealthCheck(false)
	} else {
		checks["database"] = "ok"
		RecordHealthCheck(true)
	}

	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}
