package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeswarm/codeswarm/internal/agent/adapter"
	"github.com/codeswarm/codeswarm/internal/agent/credentials"
	"github.com/codeswarm/codeswarm/internal/common/config"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/events/bus"
	"github.com/codeswarm/codeswarm/internal/gateway"
	"github.com/codeswarm/codeswarm/internal/job"
	"github.com/codeswarm/codeswarm/internal/scheduler"
	"github.com/codeswarm/codeswarm/internal/workspace"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text"})
	require.NoError(t, err)
	return log
}

func fakeCLIs(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	scripts := map[string]string{
		"claude-flow": `echo done; exit 0`,
		"gemini":      `cat >/dev/null; echo done; exit 0`,
		"codex":       `echo done; exit 0`,
	}
	for name, body := range scripts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body+"\n"), 0755))
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func newTestRouter(t *testing.T) (*gin.Engine, *job.Controller, *credentials.Store) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := testLogger(t)

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{MaxParallelAgents: 5, RetryLimit: 3, RetryBackoffSeconds: 1},
		Agent: config.AgentConfig{
			TimeoutMinutes:     1,
			GracePeriodSeconds: 1,
			MaxLineBytes:       64 * 1024,
			ClaudeModel:        "claude-sonnet-4",
			GeminiModel:        "gemini-2.5-pro",
			CodexModel:         "gpt-4.1-mini",
			IntegratorModel:    "claude-sonnet-4",
			IntegratorFamily:   "claude",
		},
	}

	ws, err := workspace.NewManager(workspace.Config{Root: t.TempDir()}, log)
	require.NoError(t, err)
	adapters, err := adapter.NewRegistry(cfg.Agent)
	require.NoError(t, err)

	store, err := credentials.NewStore(filepath.Join(t.TempDir(), "credentials.json"))
	require.NoError(t, err)
	creds := credentials.Chain{store, credentials.StaticProvider{
		"ANTHROPIC_CRED": "a", "GEMINI_CRED": "g", "OPENAI_CRED": "o",
	}}

	ctrl := job.NewController(cfg, ws, scheduler.New(cfg.Scheduler, log), adapters, creds,
		bus.NewMemoryEventBus(log), log)

	router := gin.New()
	router.Use(Recovery(log), ErrorHandler(log))
	SetupRoutes(router, NewHandler(ctrl, store, log), gateway.NewHandler(ctrl, log))
	return router, ctrl, store
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func seedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644))
	return dir
}

func TestHealthCheck(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestCreateAndGetJob(t *testing.T) {
	fakeCLIs(t)
	router, ctrl, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", v1.JobRequest{
		Source:    seedRepo(t),
		Objective: "do the work",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created v1.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// The job runs asynchronously; wait for terminal.
	deadline := time.Now().Add(15 * time.Second)
	for {
		j, err := ctrl.Registry().Get(created.ID)
		require.NoError(t, err)
		if j.State() == v1.JobStateTerminal {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job did not reach terminal state")
		}
		time.Sleep(50 * time.Millisecond)
	}

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status v1.JobStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &status))
	assert.Equal(t, v1.JobStateTerminal, status.State)
	assert.Equal(t, v1.JobSucceeded, status.Classification)
	assert.Len(t, status.Agents, 4)

	w = doJSON(t, router, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)
}

func TestCreateJobValidationError(t *testing.T) {
	fakeCLIs(t)
	router, _, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs", v1.JobRequest{
		Source:    "",
		Objective: "",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "CONFIGURATION_ERROR")
}

func TestGetUnknownJob(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "NOT_FOUND")
}

func TestCancelUnknownJob(t *testing.T) {
	router, _, _ := newTestRouter(t)
	w := doJSON(t, router, http.MethodPost, "/api/v1/jobs/nope/cancel", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCredentialsRoundTrip(t *testing.T) {
	router, _, store := newTestRouter(t)

	w := doJSON(t, router, http.MethodPut, "/api/v1/credentials", CredentialsRequest{
		AnthropicCred: "sk-new",
	})
	require.Equal(t, http.StatusOK, w.Code)

	val, ok := store.Lookup("ANTHROPIC_CRED")
	require.True(t, ok)
	assert.Equal(t, "sk-new", val)

	w = doJSON(t, router, http.MethodGet, "/api/v1/credentials", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ANTHROPIC_CRED")
	assert.NotContains(t, w.Body.String(), "sk-new")
}
