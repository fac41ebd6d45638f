package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentvault/agentvault/internal/vault/model"
	"github.com/agentvault/agentvault/internal/vault/repository"
)

// statusFor maps error kinds to HTTP status codes.
func statusFor(kind model.Kind) int {
	switch kind {
	case model.KindValidation:
		return http.StatusBadRequest
	case model.KindUnauthorized:
		return http.StatusUnauthorized
	case model.KindForbidden:
		return http.StatusForbidden
	case model.KindNotFound:
		return http.StatusNotFound
	case model.KindConflict:
		return http.StatusConflict
	case model.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case model.KindRateLimited:
		return http.StatusTooManyRequests
	case model.KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// respondError writes the uniform error body {error, message, details?}.
// Persistence errors are never surfaced raw to clients.
func respondError(c *gin.Context, logger *zap.Logger, err error) {
	var terr *model.Error
	if errors.As(err, &terr) {
		body := gin.H{"error": string(terr.Kind), "message": terr.Msg}
		if len(terr.Details) > 0 {
			body["details"] = terr.Details
		}
		c.JSON(statusFor(terr.Kind), body)
		return
	}
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "resource not found"})
		return
	}

	logger.Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "internal error"})
}

// bindError reports a request-binding failure as a validation error.
func bindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
}
