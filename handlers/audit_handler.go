package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"biosure-backend/models"

	"github.com/gin-gonic/gin"
)

// AuditReader lists recent audit entries
type AuditReader interface {
	Recent(ctx context.Context, limit int) ([]models.AuditEntry, error)
}

// AuditHandler exposes the compliance trail for review
type AuditHandler struct {
	reader AuditReader
	logger *slog.Logger
}

// NewAuditHandler creates a new audit handler
func NewAuditHandler(reader AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{reader: reader, logger: logger.With("component", "audit_handler")}
}

// Register mounts the audit routes on api
func (h *AuditHandler) Register(api *gin.RouterGroup) {
	api.GET("/audit", h.ListRecent)
}

// ListRecent handles GET /api/audit?limit=
func (h *AuditHandler) ListRecent(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			abortWithError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	entries, err := h.reader.Recent(c.Request.Context(), limit)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	if entries == nil {
		entries = []models.AuditEntry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    entries,
	})
}
