// Package httpapi exposes the Lifecycle Controller over HTTP,
// grounded on the teacher's internal/task/api handler style: a thin Handler
// wrapping a service, binding requests with gin's ShouldBindJSON, and
// translating apperr.AppError into its carried HTTP status.
package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/simsbuddy/voxorch/internal/common/apperr"
	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/lifecycle"
)

// Handler contains HTTP handlers for the session API.
type Handler struct {
	controller      *lifecycle.Controller
	logger          *logger.Logger
	signatureHeader string
}

// NewHandler builds a Handler.
func NewHandler(c *lifecycle.Controller, log *logger.Logger, signatureHeader string) *Handler {
	if signatureHeader == "" {
		signatureHeader = "X-Webhook-Signature"
	}
	return &Handler{controller: c, logger: log, signatureHeader: signatureHeader}
}

func writeAppError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperr.AppError); ok {
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}
	wrapped := apperr.InternalError("unexpected error", err)
	c.JSON(wrapped.HTTPStatus, wrapped)
}

// StartSession handles POST /session/start.
func (h *Handler) StartSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperr.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	result, err := h.controller.Start(c.Request.Context(), lifecycle.StartRequest{
		UserIdentity:     req.UserName,
		VoiceID:          req.VoiceID,
		OpeningLine:      req.OpeningLine,
		SystemPrompt:     req.SystemPrompt,
		CorrelationToken: req.CorrelationToken,
		CallerIP:         c.ClientIP(),
		LongForm:         req.LongForm,
	})
	if err != nil {
		h.logger.Warn("session start failed", zap.String("user", req.UserName), zap.Error(err))
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, StartSessionResponse{
		SessionID: result.SessionID,
		Token:     result.Token,
		ServerURL: result.ServerURL,
		RoomName:  result.RoomName,
		Status:    string(result.Status),
	})
}

// EndSession handles POST /session/end.
func (h *Handler) EndSession(c *gin.Context) {
	var req EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := apperr.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	report, err := h.controller.End(c.Request.Context(), req.SessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	minutes := (report.DurationSeconds + 59) / 60
	if report.DurationSeconds <= 0 {
		minutes = 0
	}
	c.JSON(http.StatusOK, EndSessionResponse{
		CleanupReport:   report,
		DurationSeconds: report.DurationSeconds,
		DurationMinutes: minutes,
	})
}

// GetSessionStatus handles GET /session/{id}.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	sessionID := c.Param("id")
	view, err := h.controller.GetStatus(c.Request.Context(), sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, SessionStatusResponse{
		SessionID:    view.SessionID,
		Status:       string(view.Status),
		CreatedAt:    view.CreatedAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		LastActiveAt: view.LastActiveAt.Format("2006-01-02T15:04:05.999999999Z07:00"),
		Error:        view.ErrorMessage,
	})
}

// GetSessionLogs handles GET /session/{id}/logs.
func (h *Handler) GetSessionLogs(c *gin.Context) {
	sessionID := c.Param("id")
	lines, err := h.controller.GetLogs(c.Request.Context(), sessionID)
	if err != nil {
		writeAppError(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionLogsResponse{SessionID: sessionID, Lines: lines})
}

// HandleMediaWebhook handles POST /webhook/media.
func (h *Handler) HandleMediaWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := apperr.BadRequest("failed to read webhook body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	var req WebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		appErr := apperr.BadRequest("invalid webhook JSON")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	signature := c.GetHeader(h.signatureHeader)
	err = h.controller.HandleDisconnect(c.Request.Context(), body, signature, lifecycle.DisconnectWebhook{
		Event:    req.Event,
		RoomName: req.Room.Name,
	})
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		writeAppError(c, err)
		return
	}

	c.JSON(http.StatusOK, WebhookResponse{Status: "ok", Event: req.Event})
}

// HealthCheck handles GET /health.
func (h *Handler) HealthCheck(c *gin.Context) {
	snap := h.controller.Health(c.Request.Context())

	status := http.StatusOK
	statusText := "ok"
	if !snap.StoreConnected {
		status = http.StatusServiceUnavailable
		statusText = "degraded"
	}

	c.JSON(status, HealthResponse{
		Status:         statusText,
		StoreConnected: snap.StoreConnected,
		Sessions: HealthSessionCounts{
			Ready:    snap.Ready,
			Starting: snap.Starting,
			Pool:     snap.Pool,
		},
		Capacity:    snap.Capacity,
		QueueDepth:  snap.QueueDepth,
		PoolTarget:  snap.PoolTarget,
		PoolDeficit: snap.PoolDeficit,
	})
}
