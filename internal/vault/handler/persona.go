package handler

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/bundle"
	"github.com/agentvault/agentvault/internal/vault/service"
)

// PersonaHandler handles HTTP requests for the persona subsystem.
type PersonaHandler struct {
	svc    *service.PersonaService
	logger *zap.Logger
}

// NewPersonaHandler creates a new PersonaHandler.
func NewPersonaHandler(svc *service.PersonaService, logger *zap.Logger) *PersonaHandler {
	return &PersonaHandler{svc: svc, logger: logger}
}

// Register registers persona routes on the given router group. Mutating
// routes require API-key auth; the key is needed for HMAC signing.
func (h *PersonaHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	p := rg.Group("/agents/:id/persona")
	{
		p.GET("", h.GetPersona)
		p.GET("/history", h.History)
		p.GET("/export", h.Export)
		p.POST("", auth, h.RegisterPersona)
		p.PUT("", auth, h.UpdatePersona)
		p.POST("/verify", auth, h.VerifyIntegrity)
		p.POST("/import", auth, h.Import)
	}
}

// RegisterPersona handles POST /agents/:id/persona.
func (h *PersonaHandler) RegisterPersona(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	var persona map[string]any
	if err := c.ShouldBindJSON(&persona); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.svc.Register(c.Request.Context(), agent, c.GetString(ctxAPIKey), persona)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// UpdatePersona handles PUT /agents/:id/persona.
func (h *PersonaHandler) UpdatePersona(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	var persona map[string]any
	if err := c.ShouldBindJSON(&persona); err != nil {
		bindError(c, err)
		return
	}

	res, err := h.svc.Update(c.Request.Context(), agent, c.GetString(ctxAPIKey), persona)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetPersona handles GET /agents/:id/persona. The persona hash doubles as
// the ETag, so an unchanged persona answers If-None-Match with a bare 304.
func (h *PersonaHandler) GetPersona(c *gin.Context) {
	includePrompt := c.Query("include_prompt") == "true"

	res, prompt, err := h.svc.Get(c.Request.Context(), c.Param("id"), includePrompt)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	etag := `"` + res.Hash + `"`
	c.Header("ETag", etag)
	if inm := c.GetHeader("If-None-Match"); inm != "" && strings.Contains(inm, res.Hash) {
		c.Status(http.StatusNotModified)
		return
	}

	body := gin.H{
		"agent_id":        c.Param("id"),
		"persona":         res.Persona,
		"persona_hash":    res.Hash,
		"persona_version": res.Version,
		"updated_at":      res.UpdatedAt,
	}
	if includePrompt {
		body["prompt"] = prompt
	}
	c.JSON(http.StatusOK, body)
}

// VerifyIntegrity handles POST /agents/:id/persona/verify.
func (h *PersonaHandler) VerifyIntegrity(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	out, err := h.svc.VerifyIntegrity(c.Request.Context(), agent.AgentID, c.GetString(ctxAPIKey))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":           out.Valid,
		"reason":          out.Reason,
		"agent_id":        agent.AgentID,
		"persona_version": agent.PersonaVersion,
	})
}

// History handles GET /agents/:id/persona/history. format=csv switches the
// response to a CSV attachment.
func (h *PersonaHandler) History(c *gin.Context) {
	limit, offset := limitOffset(c)
	ascending := c.DefaultQuery("sort", "asc") != "desc"

	entries, total, err := h.svc.History(c.Request.Context(), c.Param("id"), ascending, limit, offset)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if c.Query("format") == "csv" {
		c.Header("Content-Disposition", `attachment; filename="persona-history.csv"`)
		c.Data(http.StatusOK, "text/csv; charset=utf-8", []byte(service.HistoryCSV(entries)))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"history": entries,
		"total":   total,
		"limit":   limit,
		"offset":  offset,
	})
}

// Export handles GET /agents/:id/persona/export.
func (h *PersonaHandler) Export(c *gin.Context) {
	data, err := h.svc.ExportBundle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="persona-bundle.zip"`)
	c.Data(http.StatusOK, "application/zip", data)
}

// Import handles POST /agents/:id/persona/import with multipart field
// "bundle". The imported persona is re-signed under the importing agent's
// own key.
func (h *PersonaHandler) Import(c *gin.Context) {
	agent := requireSelf(c)
	if agent == nil {
		return
	}

	fh, err := c.FormFile("bundle")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_failed", "message": "multipart field 'bundle' is required",
		})
		return
	}
	if fh.Size > bundle.MaxBundleBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "payload_too_large", "message": "bundle exceeds the size limit",
		})
		return
	}

	f, err := fh.Open()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, bundle.MaxBundleBytes+1))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	res, err := h.svc.ImportBundle(c.Request.Context(), agent, c.GetString(ctxAPIKey), data)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
