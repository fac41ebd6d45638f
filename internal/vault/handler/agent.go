package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/service"
)

// AgentHandler handles HTTP requests for the agent lifecycle.
type AgentHandler struct {
	svc    *service.AgentService
	logger *zap.Logger
}

// NewAgentHandler creates a new AgentHandler.
func NewAgentHandler(svc *service.AgentService, logger *zap.Logger) *AgentHandler {
	return &AgentHandler{svc: svc, logger: logger}
}

// Register registers agent routes on the given router group. authLimit is
// the stricter window limiter applied to credential issuance and
// verification; auth guards the lifecycle mutations.
func (h *AgentHandler) Register(rg *gin.RouterGroup, authLimit, auth gin.HandlerFunc) {
	agents := rg.Group("/agents")
	{
		agents.POST("/register", authLimit, h.RegisterAgent)
		agents.POST("/verify", authLimit, h.VerifyAgent)
		agents.GET("", h.ListAgents)
		agents.GET("/:id", h.GetAgent)
		agents.PUT("/:id/status", auth, h.UpdateStatus)
		agents.PUT("/:id/tier", auth, h.UpdateTier)
		agents.PUT("/:id/permissions", auth, h.UpdatePermissions)
		agents.DELETE("/:id", auth, h.RevokeAgent)
		agents.GET("/:id/verification-logs", h.VerificationLogs)
	}
}

// RegisterAgent handles POST /agents/register.
func (h *AgentHandler) RegisterAgent(c *gin.Context) {
	var req model.RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.svc.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"agent_id":    res.Agent.AgentID,
		"name":        res.Agent.Name,
		"owner_email": res.Agent.OwnerEmail,
		"api_key":     res.APIKey,
		"tier":        res.Agent.Tier,
		"permissions": res.Agent.Permissions,
		"created_at":  res.Agent.CreatedAt,
		"message":     "Store the api_key securely. It will not be shown again.",
	})
}

// VerifyAgent handles POST /agents/verify. Failures all surface as a bare
// valid=false so callers cannot probe which part of the credential is wrong.
func (h *AgentHandler) VerifyAgent(c *gin.Context) {
	var req model.VerifyAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	out, err := h.svc.Verify(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if !out.Valid {
		body := gin.H{"valid": false}
		if out.Agent != nil {
			body["status"] = out.Agent.Status
		}
		c.JSON(http.StatusOK, body)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"valid":       true,
		"agent_id":    out.Agent.AgentID,
		"name":        out.Agent.Name,
		"tier":        out.Agent.Tier,
		"permissions": out.Agent.Permissions,
		"status":      out.Agent.Status,
	})
}

// ListAgents handles GET /agents with optional status filtering.
func (h *AgentHandler) ListAgents(c *gin.Context) {
	limit, offset := limitOffset(c)
	status := model.AgentStatus(c.Query("status"))

	agents, err := h.svc.List(c.Request.Context(), status, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
		"limit":  limit,
		"offset": offset,
	})
}

// GetAgent handles GET /agents/:id.
func (h *AgentHandler) GetAgent(c *gin.Context) {
	agent, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateStatus handles PUT /agents/:id/status. Agents may suspend or
// deactivate themselves; acting on another agent needs the manage grant.
func (h *AgentHandler) UpdateStatus(c *gin.Context) {
	if requireAgentManager(c, true) == nil {
		return
	}

	var req model.UpdateStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	agent, err := h.svc.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateTier handles PUT /agents/:id/tier. Tier changes always need the
// manage grant; an agent cannot raise its own standing.
func (h *AgentHandler) UpdateTier(c *gin.Context) {
	if requireAgentManager(c, false) == nil {
		return
	}

	var req model.UpdateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	agent, err := h.svc.UpdateTier(c.Request.Context(), c.Param("id"), req.Tier)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdatePermissions handles PUT /agents/:id/permissions. Like tier
// changes, permission grants are manage-only.
func (h *AgentHandler) UpdatePermissions(c *gin.Context) {
	if requireAgentManager(c, false) == nil {
		return
	}

	var req model.UpdatePermissionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	agent, err := h.svc.UpdatePermissions(c.Request.Context(), c.Param("id"), req.Permissions)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, agent)
}

// RevokeAgent handles DELETE /agents/:id. Revocation is terminal and
// cascades to the agent's active commitments. Self-revocation is allowed.
func (h *AgentHandler) RevokeAgent(c *gin.Context) {
	if requireAgentManager(c, true) == nil {
		return
	}

	if err := h.svc.Revoke(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id": c.Param("id"),
		"status":   model.AgentStatusRevoked,
		"message":  "agent revoked; revocation is terminal",
	})
}

// VerificationLogs handles GET /agents/:id/verification-logs.
func (h *AgentHandler) VerificationLogs(c *gin.Context) {
	limit, offset := limitOffset(c)

	logs, err := h.svc.VerificationLogs(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"logs":   logs,
		"count":  len(logs),
		"limit":  limit,
		"offset": offset,
	})
}
