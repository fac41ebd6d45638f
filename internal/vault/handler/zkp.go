package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/service"
)

// reasonNotFoundOrRevoked is the collapsed rejection surfaced by anonymous
// verification. Distinguishing "never existed" from "revoked" would leak
// registration state to unauthenticated callers.
const reasonNotFoundOrRevoked = "not found or revoked"

// CommitmentHandler handles HTTP requests for anonymous commitments.
type CommitmentHandler struct {
	svc    *service.CommitmentService
	logger *zap.Logger
}

// NewCommitmentHandler creates a new CommitmentHandler.
func NewCommitmentHandler(svc *service.CommitmentService, logger *zap.Logger) *CommitmentHandler {
	return &CommitmentHandler{svc: svc, logger: logger}
}

// Register registers commitment routes on the given router group.
// Registration needs the raw API key, so it sits behind auth; verification
// and revocation are anonymous by design.
func (h *CommitmentHandler) Register(rg *gin.RouterGroup, auth gin.HandlerFunc) {
	z := rg.Group("/zkp")
	{
		z.POST("/register-commitment", auth, h.RegisterCommitment)
		z.POST("/verify-anonymous", h.VerifyAnonymous)
		z.DELETE("/commitment/:commitment", h.RevokeCommitment)
		z.GET("/active-count", h.ActiveCount)
	}
}

// RegisterCommitment handles POST /zkp/register-commitment. The salt is
// returned here and never again.
func (h *CommitmentHandler) RegisterCommitment(c *gin.Context) {
	agent := agentFromCtx(c)
	if agent == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "message": "authentication required"})
		return
	}

	var req model.RegisterCommitmentRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			bindError(c, err)
			return
		}
	}

	res, err := h.svc.Register(c.Request.Context(), agent, c.GetString(ctxAPIKey), req.TTLSeconds)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"commitment": res.Commitment,
		"salt":       res.Salt,
		"expires_at": res.ExpiresAt,
		"message":    "Store the salt securely. It is required to reproduce the commitment preimage.",
	})
}

// VerifyAnonymous handles POST /zkp/verify-anonymous?mode=hash|zkp. The
// response is never cacheable.
func (h *CommitmentHandler) VerifyAnonymous(c *gin.Context) {
	c.Header("Cache-Control", "no-store")

	var req model.VerifyCommitmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	var (
		out *service.CommitmentVerification
		err error
	)
	switch c.DefaultQuery("mode", "hash") {
	case "hash":
		if req.PreimageHash == "" {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "validation_failed", "message": "preimage_hash is required in hash mode",
			})
			return
		}
		out, err = h.svc.VerifyHash(c.Request.Context(), req.Commitment, req.PreimageHash)
	case "zkp":
		out, err = h.svc.VerifyProof(c.Request.Context(), req.Commitment, req.Proof, req.PublicSignals)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "validation_failed", "message": "mode must be hash or zkp",
		})
		return
	}

	if err != nil {
		var terr *model.Error
		if errors.As(err, &terr) && terr.Kind == model.KindNotFound {
			c.JSON(http.StatusOK, gin.H{"valid": false, "reason": reasonNotFoundOrRevoked})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	body := gin.H{"valid": out.Valid}
	if !out.Valid {
		reason := out.Reason
		if reason == "revoked" {
			reason = reasonNotFoundOrRevoked
		}
		body["reason"] = reason
		c.JSON(http.StatusOK, body)
		return
	}
	if out.Permissions != nil {
		body["permissions"] = out.Permissions
	}
	if out.Tier != nil {
		body["tier"] = out.Tier
	}
	c.JSON(http.StatusOK, body)
}

// RevokeCommitment handles DELETE /zkp/commitment/:commitment.
func (h *CommitmentHandler) RevokeCommitment(c *gin.Context) {
	if err := h.svc.Revoke(c.Request.Context(), c.Param("commitment")); err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "commitment revoked"})
}

// ActiveCount handles GET /zkp/active-count.
func (h *CommitmentHandler) ActiveCount(c *gin.Context) {
	n, err := h.svc.ActiveCount(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active_commitments": n})
}
