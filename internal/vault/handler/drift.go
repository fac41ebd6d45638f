package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/canonical"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/service"
)

// DriftHandler handles HTTP requests for the anti-drift vault.
type DriftHandler struct {
	svc    *service.DriftService
	logger *zap.Logger
}

// NewDriftHandler creates a new DriftHandler.
func NewDriftHandler(svc *service.DriftService, logger *zap.Logger) *DriftHandler {
	return &DriftHandler{svc: svc, logger: logger}
}

// Register registers drift routes on the given router group. The whole
// group requires API-key auth, and the key must belong to the :id agent.
func (h *DriftHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	d := rg.Group("/drift/:id", auth)
	{
		d.POST("/health-ping", h.HealthPing)
		d.GET("/drift-score", h.Score)
		d.GET("/drift-history", h.History)
		d.GET("/drift-config", h.GetConfig)
		d.PUT("/drift-config", h.UpdateConfig)
	}
}

// HealthPing handles POST /drift/:id/health-ping. When the optional
// X-Ping-Signature header is present, it must be the HMAC-SHA256 of the raw
// body bytes under the agent's API key.
func (h *DriftHandler) HealthPing(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": "unreadable request body"})
		return
	}

	if sig := c.GetHeader("X-Ping-Signature"); sig != "" {
		if !validPingSignature(body, c.GetString(ctxAPIKey), sig) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "ping signature mismatch"})
			return
		}
	}

	var req model.HealthPingRequest
	if err := json.Unmarshal(body, &req); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.svc.Ingest(c.Request.Context(), agent, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	RecordDriftEvaluation(res.Status)
	if res.Status == model.PingStatusRevoked {
		RecordAutoRevoke()
	}
	c.JSON(http.StatusOK, res)
}

// validPingSignature checks an "sha256=<hex>" header against the HMAC of the
// exact body bytes.
func validPingSignature(body []byte, apiKey, header string) bool {
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(apiKey))
	mac.Write(body)
	return canonical.EqualConstantTime(hex.EncodeToString(mac.Sum(nil)), strings.ToLower(hexSig))
}

// Score handles GET /drift/:id/drift-score.
func (h *DriftHandler) Score(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	res, err := h.svc.Score(c.Request.Context(), agent.AgentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agent_id":     agent.AgentID,
		"drift_score":  res.Score,
		"last_ping_at": res.LastPingAt,
		"trend":        res.Trend,
	})
}

// History handles GET /drift/:id/drift-history with an optional metric
// filter. format=csv switches the response to a CSV attachment.
func (h *DriftHandler) History(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}
	limit, offset := limitOffset(c)

	pings, err := h.svc.History(c.Request.Context(), agent.AgentID, c.Query("metric"), limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", `attachment; filename="drift-history.csv"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(service.PingCSV(pings)))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"pings":  pings,
		"count":  len(pings),
		"limit":  limit,
		"offset": offset,
	})
}

// GetConfig handles GET /drift/:id/drift-config.
func (h *DriftHandler) GetConfig(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	cfg, err := h.svc.GetConfig(c.Request.Context(), agent.AgentID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// UpdateConfig handles PUT /drift/:id/drift-config.
func (h *DriftHandler) UpdateConfig(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	var cfg model.DriftConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		bindError(c, err)
		return
	}

	updated, err := h.svc.UpdateConfig(c.Request.Context(), agent.AgentID, &cfg)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, updated)
}
