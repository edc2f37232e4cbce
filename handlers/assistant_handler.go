package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"biosure-backend/models"
	"biosure-backend/service"

	"github.com/gin-gonic/gin"
)

// Dispatcher routes chat messages to query handlers
type Dispatcher interface {
	Dispatch(ctx context.Context, req service.DispatchRequest) (*service.DispatchResponse, error)
}

// AssistantHandler handles HTTP requests for the chat assistant
type AssistantHandler struct {
	dispatcher Dispatcher
	sessions   *SessionStore
	logger     *slog.Logger
}

// NewAssistantHandler creates a new assistant handler
func NewAssistantHandler(dispatcher Dispatcher, sessions *SessionStore, logger *slog.Logger) *AssistantHandler {
	return &AssistantHandler{
		dispatcher: dispatcher,
		sessions:   sessions,
		logger:     logger.With("component", "assistant_handler"),
	}
}

// Register mounts the assistant routes on api
func (h *AssistantHandler) Register(api *gin.RouterGroup) {
	api.POST("/assistant/message", h.PostMessage)
}

// MessageRequest is the body of POST /api/assistant/message
type MessageRequest struct {
	Text      string `json:"text"`
	SessionID string `json:"session_id"`
}

// MessageResponse is the data returned for one chat message
type MessageResponse struct {
	Text         string          `json:"text"`
	Sources      []models.Source `json:"sources,omitempty"`
	Grounded     bool            `json:"grounded"`
	Handler      string          `json:"handler"`
	SessionID    string          `json:"session_id"`
	TimestampUTC string          `json:"timestamp_utc"`
}

// PostMessage handles POST /api/assistant/message
func (h *AssistantHandler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	var history []models.ChatMessage
	if req.SessionID != "" {
		history = h.sessions.History(req.SessionID)
	}

	resp, err := h.dispatcher.Dispatch(c.Request.Context(), service.DispatchRequest{
		Text:      req.Text,
		SessionID: req.SessionID,
		History:   history,
	})
	if err != nil {
		respondServiceError(c, h.logger, err)
		return
	}

	h.sessions.Append(resp.SessionID,
		models.ChatMessage{Role: models.RoleUser, Text: req.Text, Timestamp: resp.TimestampUTC},
		models.ChatMessage{Role: models.RoleAssistant, Text: resp.Reply.Text, Handler: resp.Reply.Handler, Timestamp: resp.TimestampUTC},
	)

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data": MessageResponse{
			Text:         resp.Reply.Text,
			Sources:      resp.Reply.Sources,
			Grounded:     resp.Reply.Grounded,
			Handler:      resp.Reply.Handler,
			SessionID:    resp.SessionID,
			TimestampUTC: resp.TimestampUTC.Format("2006-01-02T15:04:05.000Z07:00"),
		},
	})
}
