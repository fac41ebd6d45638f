package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/audit"
)

// AuditHandler exposes the hash-chained audit trail.
type AuditHandler struct {
	ledger audit.Ledger
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(ledger audit.Ledger, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, logger: logger}
}

// Register registers audit routes on the given router group.
func (h *AuditHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/audit", h.List)
	rg.GET("/audit/verify", h.Verify)
}

// List handles GET /audit with pagination and an optional agent_id filter.
func (h *AuditHandler) List(c *gin.Context) {
	limit, offset := limitOffset(c)

	entries, err := h.ledger.List(c.Request.Context(), c.Query("agent_id"), limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	total, err := h.ledger.Len(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Verify handles GET /audit/verify: it walks the full chain and reports
// whether every link holds.
func (h *AuditHandler) Verify(c *gin.Context) {
	n, err := h.ledger.Len(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	root, err := h.ledger.Root(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if err := h.ledger.Verify(c.Request.Context()); err != nil {
		h.logger.Error("audit chain verification failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid":   false,
			"entries": n,
			"root":    root,
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":   true,
		"entries": n,
		"root":    root,
	})
}
