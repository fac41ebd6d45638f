package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/ratelimit"
	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/service"
)

// Context keys set by APIKeyAuth.
const (
	ctxAgent   = "agent"
	ctxAgentID = "agent_id"
	ctxAPIKey  = "api_key"
)

// APIKeyAuth authenticates the request via the X-Api-Key header and attaches
// the resolved agent plus the raw key to the context. The key stays in the
// context because persona signing and ping signature checks need it.
func APIKeyAuth(agents *service.AgentService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("X-Api-Key")
		if key == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized", "message": "missing X-Api-Key header",
			})
			return
		}

		agent, err := agents.Authenticate(c.Request.Context(), key)
		if err != nil {
			respondError(c, logger, err)
			c.Abort()
			return
		}

		c.Set(ctxAgent, agent)
		c.Set(ctxAgentID, agent.AgentID)
		c.Set(ctxAPIKey, key)
		c.Next()
	}
}

// agentFromCtx returns the agent attached by APIKeyAuth.
func agentFromCtx(c *gin.Context) *model.Agent {
	v, ok := c.Get(ctxAgent)
	if !ok {
		return nil
	}
	agent, _ := v.(*model.Agent)
	return agent
}

// requireSelf checks that the authenticated agent matches the :id path
// parameter. Returns the agent, or nil after writing a 403.
func requireSelf(c *gin.Context) *model.Agent {
	agent := agentFromCtx(c)
	if agent == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized", "message": "authentication required",
		})
		return nil
	}
	if id := c.Param("id"); id != agent.AgentID {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "forbidden", "message": "API key does not belong to this agent",
		})
		return nil
	}
	return agent
}

// requireAgentManager authorizes a lifecycle mutation on the :id agent.
// The caller must hold the "agents:<id>:manage" permission; selfAllowed
// additionally admits the target agent acting on itself. Tier and
// permission changes pass selfAllowed=false so an agent cannot escalate
// its own standing. Returns the caller, or nil after writing a 401/403.
func requireAgentManager(c *gin.Context, selfAllowed bool) *model.Agent {
	agent := agentFromCtx(c)
	if agent == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "unauthorized", "message": "authentication required",
		})
		return nil
	}
	id := c.Param("id")
	if (selfAllowed && id == agent.AgentID) || agent.HasPermission("agents:"+id+":manage") {
		return agent
	}
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
		"error": "forbidden", "message": "insufficient permissions for this agent",
	})
	return nil
}

// WindowLimit enforces a sliding-window limiter keyed by client IP. The
// X-RateLimit-* headers are stamped on every response, rejected or not.
func WindowLimit(l *ratelimit.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := l.Allow(c.ClientIP(), time.Now())
		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))

		if !d.Allowed {
			RecordRateLimitRejection(l.Name())
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate_limited", "message": "rate limit exceeded; retry after window reset",
			})
			return
		}
		c.Next()
	}
}

// BodyLimit caps the request body size. Oversized bodies fail the read with
// a 413 from MaxBytesReader.
func BodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// RequestLogger logs each request with latency and status.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// limitOffset parses pagination query parameters with sane bounds.
func limitOffset(c *gin.Context) (int, int) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset, err := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if err != nil || offset < 0 {
		offset = 0
	}
	return limit, offset
}
