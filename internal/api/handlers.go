package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codeswarm/codeswarm/internal/agent/credentials"
	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/job"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// CredentialsRequest updates the stored API credentials. Empty fields are
// left untouched.
type CredentialsRequest struct {
	AnthropicCred string `json:"anthropic_cred"`
	GeminiCred    string `json:"gemini_cred"`
	OpenAICred    string `json:"openai_cred"`
}

// Handler serves the REST endpoints.
type Handler struct {
	controller *job.Controller
	store      *credentials.Store
	logger     *logger.Logger
}

func NewHandler(ctrl *job.Controller, store *credentials.Store, log *logger.Logger) *Handler {
	return &Handler{
		controller: ctrl,
		store:      store,
		logger:     log,
	}
}

// HealthCheck reports service liveness.
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// CreateJob starts a job without a streaming subscription; progress is
// available afterwards via the WebSocket attach endpoint.
func (h *Handler) CreateJob(c *gin.Context) {
	var req v1.JobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("invalid job request: " + err.Error()))
		return
	}

	j, err := h.controller.Create(req)
	if err != nil {
		c.Error(err)
		return
	}

	go h.controller.Run(context.Background(), j)
	c.JSON(http.StatusCreated, j.Status())
}

// ListJobs returns every known job, newest first.
func (h *Handler) ListJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.controller.Registry().List()})
}

// GetJob returns one job's status.
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.controller.Registry().Get(c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, j.Status())
}

// CancelJob requests cancellation. Idempotent; cancelling a terminal job is
// accepted and has no effect.
func (h *Handler) CancelJob(c *gin.Context) {
	if err := h.controller.Cancel(c.Param("id")); err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancelling"})
}

// GetCredentials lists which credential keys are configured. Values are
// never returned.
func (h *Handler) GetCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"configured": h.store.Keys()})
}

// SetCredentials updates stored credentials.
func (h *Handler) SetCredentials(c *gin.Context) {
	var req CredentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("invalid credentials request: " + err.Error()))
		return
	}

	updates := map[string]string{
		"ANTHROPIC_CRED": req.AnthropicCred,
		"GEMINI_CRED":    req.GeminiCred,
		"OPENAI_CRED":    req.OpenAICred,
	}
	for key, value := range updates {
		if value == "" {
			continue
		}
		if err := h.store.Set(key, value); err != nil {
			c.Error(apperrors.InternalError("failed to store credential", err))
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"message": "credentials updated"})
}
