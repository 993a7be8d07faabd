package api

import (
	"github.com/gin-gonic/gin"

	"github.com/codeswarm/codeswarm/internal/gateway"
)

// SetupRoutes registers the REST and WebSocket endpoints.
func SetupRoutes(router *gin.Engine, h *Handler, ws *gateway.Handler) {
	router.GET("/health", h.HealthCheck)

	jobs := router.Group("/api/v1/jobs")
	{
		jobs.POST("", RateLimit(10), h.CreateJob)
		jobs.GET("", h.ListJobs)
		jobs.GET("/:id", h.GetJob)
		jobs.POST("/:id/cancel", h.CancelJob)
	}

	creds := router.Group("/api/v1/credentials")
	{
		creds.GET("", h.GetCredentials)
		creds.PUT("", h.SetCredentials)
	}

	router.GET("/ws/jobs", ws.HandleJob)
	router.GET("/ws/jobs/:id", ws.HandleJobAttach)
}
