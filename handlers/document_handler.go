package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"biosure-backend/models"
	"biosure-backend/service"

	"github.com/gin-gonic/gin"
)

// DocumentIndex is the document lifecycle API used by DocumentHandler
type DocumentIndex interface {
	Sync(ctx context.Context, opts service.SyncOptions) (*models.SyncReport, error)
	Documents(ctx context.Context, category models.Category) ([]service.DocumentStatus, error)
	Delete(ctx context.Context, identityHash string) (*models.DeleteResult, error)
	Query(ctx context.Context, text string, scopeIDs []string) (*service.QueryResult, error)
	ListRemote(ctx context.Context) ([]service.RemoteFileView, error)
	AwaitProcessing(ctx context.Context, remoteID string, timeout time.Duration) (models.ProcessingState, error)
	DeleteRemote(ctx context.Context, remoteID string) error
}

// DocumentSaver stores uploaded documents
type DocumentSaver interface {
	Save(ctx context.Context, category models.Category, filename string, r io.Reader) (*models.DocumentRecord, error)
}

// DocumentHandler handles HTTP requests for document operations
type DocumentHandler struct {
	index        DocumentIndex
	saver        DocumentSaver
	maxFileSize  int64
	syncAwait    time.Duration
	maxStateWait time.Duration
	logger       *slog.Logger
}

// NewDocumentHandler creates a new document handler
func NewDocumentHandler(index DocumentIndex, saver DocumentSaver, maxFileSize int64, syncAwait time.Duration, logger *slog.Logger) *DocumentHandler {
	return &DocumentHandler{
		index:        index,
		saver:        saver,
		maxFileSize:  maxFileSize,
		syncAwait:    syncAwait,
		maxStateWait: 2 * time.Minute,
		logger:       logger.With("component", "document_handler"),
	}
}

// Register mounts the document routes on api
func (h *DocumentHandler) Register(api *gin.RouterGroup) {
	api.GET("/documents", h.ListDocuments)
	api.POST("/documents/sync", h.SyncDocuments)
	api.POST("/documents/upload", h.UploadDocument)
	api.POST("/documents/query", h.QueryDocuments)
	api.DELETE("/documents/:identityHash", h.DeleteDocument)
	api.GET("/documents/remote", h.ListRemote)
	api.GET("/documents/remote/state", h.RemoteState)
	api.DELETE("/documents/remote", h.DeleteRemote)
}

func categoryParam(c *gin.Context, raw string) (models.Category, bool) {
	if strings.TrimSpace(raw) == "" {
		return "", true
	}
	category, err := models.ParseCategory(raw)
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_CATEGORY", err.Error())
		return "", false
	}
	return category, true
}

// SyncDocuments handles POST /api/documents/sync?category=&force=
func (h *DocumentHandler) SyncDocuments(c *gin.Context) {
	category, ok := categoryParam(c, c.Query("category"))
	if !ok {
		return
	}
	force := false
	if raw := c.Query("force"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			abortWithError(c, http.StatusBadRequest, "INVALID_FORCE", "force must be true or false")
			return
		}
		force = parsed
	}

	report, err := h.index.Sync(c.Request.Context(), service.SyncOptions{
		Category:     category,
		Force:        force,
		AwaitTimeout: h.syncAwait,
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    report,
	})
}

// ListDocuments handles GET /api/documents?category=
func (h *DocumentHandler) ListDocuments(c *gin.Context) {
	category, ok := categoryParam(c, c.Query("category"))
	if !ok {
		return
	}

	docs, err := h.index.Documents(c.Request.Context(), category)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	if docs == nil {
		docs = []service.DocumentStatus{}
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    docs,
	})
}

// DeleteDocument handles DELETE /api/documents/:identityHash
func (h *DocumentHandler) DeleteDocument(c *gin.Context) {
	result, err := h.index.Delete(c.Request.Context(), c.Param("identityHash"))
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	status := http.StatusOK
	if len(result.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{
		"success": len(result.Errors) == 0,
		"data":    result,
	})
}

// UploadDocument handles POST /api/documents/upload
func (h *DocumentHandler) UploadDocument(c *gin.Context) {
	category, ok := categoryParam(c, c.PostForm("category"))
	if !ok {
		return
	}
	if category == "" {
		abortWithError(c, http.StatusBadRequest, "MISSING_CATEGORY", "category is required")
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		abortWithError(c, http.StatusBadRequest, "MISSING_FILE", "File is required")
		return
	}
	if !strings.HasSuffix(strings.ToLower(fileHeader.Filename), ".pdf") {
		abortWithError(c, http.StatusBadRequest, "INVALID_FILE_TYPE", "Only PDF files are allowed")
		return
	}
	if fileHeader.Size > h.maxFileSize {
		abortWithError(c, http.StatusBadRequest, "FILE_TOO_LARGE", fmt.Sprintf("File size exceeds maximum of %d bytes", h.maxFileSize))
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, "FILE_OPEN_ERROR", err.Error())
		return
	}
	defer file.Close()

	record, err := h.saver.Save(c.Request.Context(), category, fileHeader.Filename, file)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data":    record,
	})
}

// QueryRequest is the body of POST /api/documents/query
type QueryRequest struct {
	Question       string   `json:"question" binding:"required"`
	IdentityHashes []string `json:"identity_hashes"`
}

// QueryDocuments handles POST /api/documents/query
func (h *DocumentHandler) QueryDocuments(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	result, err := h.index.Query(c.Request.Context(), req.Question, req.IdentityHashes)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    result,
	})
}

// ListRemote handles GET /api/documents/remote
func (h *DocumentHandler) ListRemote(c *gin.Context) {
	files, err := h.index.ListRemote(c.Request.Context())
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    files,
	})
}

// RemoteState handles GET /api/documents/remote/state?id=&wait=
// wait is in seconds; zero reports the state after a single poll.
func (h *DocumentHandler) RemoteState(c *gin.Context) {
	remoteID := strings.TrimSpace(c.Query("id"))
	if remoteID == "" {
		abortWithError(c, http.StatusBadRequest, "MISSING_ID", "id is required")
		return
	}
	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil || secs < 0 {
			abortWithError(c, http.StatusBadRequest, "INVALID_WAIT", "wait must be a non-negative number of seconds")
			return
		}
		wait = min(time.Duration(secs)*time.Second, h.maxStateWait)
	}

	state, err := h.index.AwaitProcessing(c.Request.Context(), remoteID, wait)
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"remote_id":        remoteID,
			"processing_state": state,
			"done":             state.Terminal(),
		},
	})
}

// DeleteRemote handles DELETE /api/documents/remote?id=
func (h *DocumentHandler) DeleteRemote(c *gin.Context) {
	if err := h.index.DeleteRemote(c.Request.Context(), c.Query("id")); err != nil {
		respondServiceError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": gin.H{
			"remote_id": c.Query("id"),
			"deleted":   true,
		},
	})
}
