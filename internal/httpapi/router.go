package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/simsbuddy/voxorch/internal/common/logger"
	"github.com/simsbuddy/voxorch/internal/lifecycle"
)

// SetupRoutes configures the session API routes on router.
func SetupRoutes(router *gin.RouterGroup, c *lifecycle.Controller, log *logger.Logger, webhookSignatureHeader string) {
	handler := NewHandler(c, log, webhookSignatureHeader)

	router.GET("/health", handler.HealthCheck)

	session := router.Group("/session")
	{
		session.POST("/start", handler.StartSession)
		session.POST("/end", handler.EndSession)
		session.GET("/:id", handler.GetSessionStatus)
		session.GET("/:id/logs", handler.GetSessionLogs)
	}

	router.POST("/webhook/media", handler.HandleMediaWebhook)
}
