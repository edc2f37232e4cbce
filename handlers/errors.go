package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"biosure-backend/service"

	"github.com/gin-gonic/gin"
)

func abortWithError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{
		"success": false,
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	})
}

// respondServiceError maps typed service errors to HTTP responses.
// Unexpected errors are logged and reported without detail.
func respondServiceError(c *gin.Context, logger *slog.Logger, err error) {
	var vErr *service.ValidationError
	var nfErr *service.NotFoundError
	var trErr *service.TransientRemoteError
	var rrErr *service.RemoteRejectedError

	switch {
	case errors.As(err, &vErr):
		abortWithError(c, http.StatusBadRequest, "VALIDATION_ERROR", vErr.Error())
	case errors.As(err, &nfErr):
		abortWithError(c, http.StatusNotFound, "NOT_FOUND", nfErr.Error())
	case errors.As(err, &trErr):
		abortWithError(c, http.StatusServiceUnavailable, "REMOTE_UNAVAILABLE", "The document index is temporarily unavailable, please retry")
	case errors.As(err, &rrErr):
		abortWithError(c, http.StatusBadGateway, "REMOTE_REJECTED", rrErr.Error())
	default:
		logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		abortWithError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}
