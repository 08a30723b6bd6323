package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stablecall-backend/internal/domain"
	"stablecall-backend/internal/middleware"
	"stablecall-backend/internal/service/call"
	apperrors "stablecall-backend/pkg/errors"
	"stablecall-backend/pkg/logger"
	"stablecall-backend/pkg/pagination"
	"stablecall-backend/pkg/response"
)

// HistoryReader lists ended calls. Nil when the service runs without a database.
type HistoryReader interface {
	ListByChannel(ctx context.Context, userID uuid.UUID, channelID string, limit, offset int) ([]*domain.CallLog, error)
}

// Handler handles call HTTP requests
type Handler struct {
	calls   *call.Manager
	history HistoryReader
}

// NewHandler creates a new call handler
func NewHandler(calls *call.Manager, history HistoryReader) *Handler {
	return &Handler{
		calls:   calls,
		history: history,
	}
}

// OpenChannelRequest represents a channel switch
type OpenChannelRequest struct {
	ChannelID string `json:"channel_id" binding:"required,max=128"`
}

// StartCallRequest represents call initiation request
type StartCallRequest struct {
	MediaKind string `json:"media_kind" binding:"required,oneof=audio video"`
}

// OpenChannel switches the user's open conversation
// POST /v1/calls/open
func (h *Handler) OpenChannel(c *gin.Context) {
	var req OpenChannelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	reg, ok := h.registry(c)
	if !ok {
		return
	}

	if err := reg.Open(c.Request.Context(), req.ChannelID); err != nil {
		logger.FromContext(c.Request.Context()).Warn("Failed to open channel",
			zap.String("channel_id", req.ChannelID),
			zap.Error(err))
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, reg.Current())
}

// StartCall places an outgoing call on the open channel
// POST /v1/calls/start
func (h *Handler) StartCall(c *gin.Context) {
	var req StartCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	reg, ok := h.registry(c)
	if !ok {
		return
	}

	sess, err := reg.StartCall(domain.MediaKind(req.MediaKind))
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, gin.H{
		"call_id":    sess.CallID(),
		"channel_id": sess.ChannelID(),
		"media_kind": req.MediaKind,
	})
}

// AcceptCall answers the ringing call
// POST /v1/calls/accept
func (h *Handler) AcceptCall(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	if err := reg.AcceptIncoming(); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Call accepted"})
}

// RejectCall declines the ringing call
// POST /v1/calls/reject
func (h *Handler) RejectCall(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	if err := reg.RejectIncoming(); err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"message": "Call rejected"})
}

// Hangup ends the current call. Succeeds when there is none.
// POST /v1/calls/hangup
func (h *Handler) Hangup(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	reg.Hangup()
	response.Success(c, http.StatusOK, gin.H{"message": "Call ended"})
}

// GetStatus returns the latest call status
// GET /v1/calls/status
func (h *Handler) GetStatus(c *gin.Context) {
	reg, ok := h.registry(c)
	if !ok {
		return
	}

	response.Success(c, http.StatusOK, reg.Current())
}

// GetHistory lists the user's ended calls in a channel, newest first
// GET /v1/calls/history?channel_id=&page=&limit=
func (h *Handler) GetHistory(c *gin.Context) {
	if h.history == nil {
		response.AppError(c, apperrors.ServiceUnavailableError("Call history is not configured"))
		return
	}

	userID, ok := userIDFrom(c)
	if !ok {
		return
	}

	channelID := c.Query("channel_id")
	if channelID == "" {
		response.ValidationError(c, "channel_id is required")
		return
	}

	params, err := pagination.ParsePaginationParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	// One extra row tells whether another page exists
	logs, err := h.history.ListByChannel(c.Request.Context(), userID, channelID, params.Limit+1, params.Offset)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to list call history",
			zap.String("channel_id", channelID),
			zap.Error(err))
		response.InternalError(c, "Failed to get call history")
		return
	}

	fetched := len(logs)
	if fetched > params.Limit {
		logs = logs[:params.Limit]
	}
	if logs == nil {
		logs = []*domain.CallLog{}
	}

	response.Success(c, http.StatusOK, pagination.BuildPaginationResponse(params, fetched, logs))
}

// registry resolves the caller's registry, writing the error response itself
func (h *Handler) registry(c *gin.Context) (*call.Registry, bool) {
	userID, ok := userIDFrom(c)
	if !ok {
		return nil, false
	}
	displayName := c.GetString(middleware.ContextDisplayName)

	reg, ok := h.calls.Registry(userID, displayName)
	if !ok {
		response.AppError(c, apperrors.ErrRegistryClosed)
		return nil, false
	}
	return reg, true
}

func userIDFrom(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get(middleware.ContextUserID)
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}

	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}
