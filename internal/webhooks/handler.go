package webhooks

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for webhook endpoints.
type Handler struct {
	svc    *Service
	logger *zap.Logger
}

// NewHandler creates a new webhook Handler.
func NewHandler(svc *Service, logger *zap.Logger) *Handler {
	return &Handler{svc: svc, logger: logger}
}

// Register registers all webhook routes on the given router group. The auth
// middleware must set "agent_id" in the gin context.
func (h *Handler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	wh := rg.Group("/webhooks")
	wh.GET("/events", h.ListEvents)
	wh.Use(auth)
	{
		wh.POST("", h.CreateEndpoint)
		wh.GET("", h.ListEndpoints)
		wh.DELETE("/:id", h.DeleteEndpoint)
		wh.POST("/:id/regenerate-secret", h.RegenerateSecret)
		wh.POST("/:id/toggle", h.ToggleEndpoint)
		wh.GET("/:id/deliveries", h.ListDeliveries)
	}
}

// ListEvents handles GET /webhooks/events — the dispatchable event catalog.
func (h *Handler) ListEvents(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": Catalog()})
}

// CreateEndpoint handles POST /webhooks.
func (h *Handler) CreateEndpoint(c *gin.Context) {
	agentID := c.GetString("agent_id")

	var req CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}

	ep, err := h.svc.CreateEndpoint(c.Request.Context(), agentID, &req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
			return
		}
		h.logger.Error("create webhook endpoint", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to create endpoint"})
		return
	}

	// The secret is returned once so the agent can store it.
	c.JSON(http.StatusCreated, gin.H{
		"endpoint": ep,
		"secret":   ep.Secret,
		"note":     "Store the secret securely. It will not be shown again.",
	})
}

// ListEndpoints handles GET /webhooks.
func (h *Handler) ListEndpoints(c *gin.Context) {
	agentID := c.GetString("agent_id")

	eps, err := h.svc.ListEndpoints(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("list webhook endpoints", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "failed to list endpoints"})
		return
	}
	if eps == nil {
		eps = []*Endpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"endpoints": eps, "count": len(eps)})
}

// DeleteEndpoint handles DELETE /webhooks/:id.
func (h *Handler) DeleteEndpoint(c *gin.Context) {
	agentID := c.GetString("agent_id")
	id, ok := h.endpointID(c)
	if !ok {
		return
	}

	if err := h.svc.DeleteEndpoint(c.Request.Context(), agentID, id); err != nil {
		h.respondStoreError(c, err, "delete webhook endpoint")
		return
	}
	c.Status(http.StatusNoContent)
}

// RegenerateSecret handles POST /webhooks/:id/regenerate-secret.
func (h *Handler) RegenerateSecret(c *gin.Context) {
	agentID := c.GetString("agent_id")
	id, ok := h.endpointID(c)
	if !ok {
		return
	}

	secret, err := h.svc.RegenerateSecret(c.Request.Context(), agentID, id)
	if err != nil {
		h.respondStoreError(c, err, "regenerate webhook secret")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"secret": secret,
		"note":   "Store the secret securely. It will not be shown again.",
	})
}

// ToggleEndpoint handles POST /webhooks/:id/toggle.
func (h *Handler) ToggleEndpoint(c *gin.Context) {
	agentID := c.GetString("agent_id")
	id, ok := h.endpointID(c)
	if !ok {
		return
	}

	active, err := h.svc.ToggleEndpoint(c.Request.Context(), agentID, id)
	if err != nil {
		h.respondStoreError(c, err, "toggle webhook endpoint")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "is_active": active})
}

// ListDeliveries handles GET /webhooks/:id/deliveries.
func (h *Handler) ListDeliveries(c *gin.Context) {
	agentID := c.GetString("agent_id")
	id, ok := h.endpointID(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	ds, err := h.svc.Deliveries(c.Request.Context(), agentID, id, limit, offset)
	if err != nil {
		h.respondStoreError(c, err, "list webhook deliveries")
		return
	}
	if ds == nil {
		ds = []*Delivery{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": ds, "count": len(ds)})
}

func (h *Handler) endpointID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "invalid endpoint ID"})
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) respondStoreError(c *gin.Context, err error, op string) {
	if errors.Is(err, ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "endpoint not found"})
		return
	}
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "operation failed"})
}
