package job

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeswarm/codeswarm/internal/agent/adapter"
	"github.com/codeswarm/codeswarm/internal/agent/credentials"
	"github.com/codeswarm/codeswarm/internal/common/config"
	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/events/bus"
	"github.com/codeswarm/codeswarm/internal/scheduler"
	"github.com/codeswarm/codeswarm/internal/workspace"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// fakeCLIs installs shell stand-ins for the agent binaries on PATH.
func fakeCLIs(t *testing.T, scripts map[string]string) {
	t.Helper()
	dir := t.TempDir()
	for name, body := range scripts {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func defaultFakeCLIs(t *testing.T) {
	fakeCLIs(t, map[string]string{
		"claude-flow": `echo "claude working"; exit 0`,
		"gemini":      `cat >/dev/null; echo "gemini done"; exit 0`,
		"codex":       `echo "codex done"; exit 0`,
	})
}

func newTestController(t *testing.T) (*Controller, *workspace.Manager) {
	t.Helper()
	log := testLogger(t)

	cfg := &config.Config{
		Scheduler: config.SchedulerConfig{
			MaxParallelAgents:   5,
			RetryLimit:          3,
			RetryBackoffSeconds: 1,
		},
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

	creds := credentials.StaticProvider{
		"ANTHROPIC_CRED": "a-key",
		"GEMINI_CRED":    "g-key",
		"OPENAI_CRED":    "o-key",
	}

	ctrl := NewController(cfg, ws, scheduler.New(cfg.Scheduler, log), adapters, creds,
		bus.NewMemoryEventBus(log), log)
	return ctrl, ws
}

func seedRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# demo\n"), 0644))
	return dir
}

func collect(sub *Subscription) []v1.ProgressEvent {
	var out []v1.ProgressEvent
	for e := range sub.Events() {
		out = append(out, e)
	}
	return out
}

func completeEvents(events []v1.ProgressEvent) []v1.JobSummary {
	var out []v1.JobSummary
	for _, e := range events {
		if e.Kind == v1.EventComplete {
			var s v1.JobSummary
			if json.Unmarshal([]byte(e.Payload), &s) == nil {
				out = append(out, s)
			}
		}
	}
	return out
}

func TestRunHappyPath(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, ws := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{
		Source:    seedRepo(t),
		Objective: "build the thing",
	})
	require.NoError(t, err)

	sub := j.Hub.Subscribe()
	ctrl.Run(context.Background(), j)
	events := collect(sub)

	completes := completeEvents(events)
	require.Len(t, completes, 1)
	summary := completes[0]
	assert.Equal(t, v1.JobSucceeded, summary.Classification)
	require.Len(t, summary.Agents, 4)
	for _, a := range summary.Agents {
		assert.Equal(t, v1.AgentStateSucceeded, a.State, a.Key)
	}

	// Complete is the final event, after teardown already ran.
	assert.Equal(t, v1.EventComplete, events[len(events)-1].Kind)
	cleanupIdx, completeIdx := -1, -1
	for i, e := range events {
		switch {
		case e.Kind == v1.EventStatus && e.Payload == "workspace cleaned up":
			cleanupIdx = i
		case e.Kind == v1.EventComplete:
			completeIdx = i
		}
	}
	require.GreaterOrEqual(t, cleanupIdx, 0)
	assert.Less(t, cleanupIdx, completeIdx)

	// Each agent's own stream opens with its started event; pre-launch
	// workspace statuses ride on the job key.
	firstByKey := map[v1.AgentKey]v1.ProgressEvent{}
	for _, e := range events {
		if _, ok := firstByKey[e.AgentKey]; !ok {
			firstByKey[e.AgentKey] = e
		}
	}
	for _, key := range v1.AgentKeys() {
		first, ok := firstByKey[key]
		require.True(t, ok, key)
		assert.Equal(t, v1.EventStatus, first.Kind, key)
		assert.Equal(t, "started", first.Payload, key)
	}

	// The integration phase ran after the primaries.
	phases := 0
	for _, e := range events {
		if e.Kind == v1.EventPhase {
			phases++
			assert.Equal(t, "integrating", e.Payload)
		}
	}
	assert.Equal(t, 1, phases)

	// Workspaces are gone.
	_, statErr := os.Stat(ws.JobDir(j.ID))
	assert.True(t, os.IsNotExist(statErr))

	status := j.Status()
	assert.Equal(t, v1.JobStateTerminal, status.State)
	assert.Equal(t, v1.JobSucceeded, status.Classification)
	require.NotNil(t, status.FinishedAt)
}

func TestRunPartialFailure(t *testing.T) {
	fakeCLIs(t, map[string]string{
		"claude-flow": `echo ok; exit 0`,
		"gemini":      `cat >/dev/null; echo boom >&2; exit 1`,
		"codex":       `echo ok; exit 0`,
	})
	ctrl, _ := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{Source: seedRepo(t), Objective: "try hard"})
	require.NoError(t, err)

	sub := j.Hub.Subscribe()
	ctrl.Run(context.Background(), j)
	events := collect(sub)

	completes := completeEvents(events)
	require.Len(t, completes, 1)
	// One primary failed but the integrator (claude family) succeeded.
	assert.Equal(t, v1.JobPartialFailure, completes[0].Classification)

	byKey := map[v1.AgentKey]v1.AgentSummary{}
	for _, a := range completes[0].Agents {
		byKey[a.Key] = a
	}
	assert.Equal(t, v1.AgentStateFailed, byKey[v1.AgentKeyPrimary2].State)
	assert.Equal(t, v1.AgentStateSucceeded, byKey[v1.AgentKeyIntegrator].State)
}

func TestRunCancel(t *testing.T) {
	fakeCLIs(t, map[string]string{
		"claude-flow": `sleep 30`,
		"gemini":      `cat >/dev/null; sleep 30`,
		"codex":       `sleep 30`,
	})
	ctrl, ws := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{Source: seedRepo(t), Objective: "long task"})
	require.NoError(t, err)

	sub := j.Hub.Subscribe()
	done := make(chan struct{})
	go func() {
		ctrl.Run(context.Background(), j)
		close(done)
	}()

	time.Sleep(300 * time.Millisecond)
	require.NoError(t, ctrl.Cancel(j.ID))
	require.NoError(t, ctrl.Cancel(j.ID)) // idempotent

	select {
	case <-done:
	case <-time.After(15 * time.Second):
		t.Fatal("job did not terminate after cancel")
	}

	events := collect(sub)
	completes := completeEvents(events)
	require.Len(t, completes, 1)
	assert.Equal(t, v1.JobCancelled, completes[0].Classification)

	// No integration phase after cancellation.
	for _, e := range events {
		assert.NotEqual(t, v1.EventPhase, e.Kind)
	}

	_, statErr := os.Stat(ws.JobDir(j.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunDegradedIntegration(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, ws := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{Source: seedRepo(t), Objective: "best effort"})
	require.NoError(t, err)

	// Occupy primary-3's target so its allocation fails closed; the other
	// agents and the integrator proceed over the degraded input.
	target := ws.Path(j.ID, string(v1.AgentKeyPrimary3))
	require.NoError(t, os.MkdirAll(target, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "occupied"), []byte("x"), 0644))

	sub := j.Hub.Subscribe()
	ctrl.Run(context.Background(), j)
	events := collect(sub)

	completes := completeEvents(events)
	require.Len(t, completes, 1)
	assert.Equal(t, v1.JobPartialFailure, completes[0].Classification)

	byKey := map[v1.AgentKey]v1.AgentSummary{}
	for _, a := range completes[0].Agents {
		byKey[a.Key] = a
	}
	assert.Equal(t, v1.AgentStateFailed, byKey[v1.AgentKeyPrimary3].State)
	assert.Equal(t, v1.AgentStateSucceeded, byKey[v1.AgentKeyPrimary1].State)
	assert.Equal(t, v1.AgentStateSucceeded, byKey[v1.AgentKeyPrimary2].State)
	assert.Equal(t, v1.AgentStateSucceeded, byKey[v1.AgentKeyIntegrator].State)

	// The failed slot surfaces exactly one error event.
	errorEvents := 0
	for _, e := range events {
		if e.AgentKey == v1.AgentKeyPrimary3 && e.Kind == v1.EventError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)

	_, statErr := os.Stat(ws.JobDir(j.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunSkipIntegration(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, _ := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{
		Source:    seedRepo(t),
		Objective: "no fan-in",
		Config:    &v1.JobConfig{SkipIntegration: true},
	})
	require.NoError(t, err)

	sub := j.Hub.Subscribe()
	ctrl.Run(context.Background(), j)
	events := collect(sub)

	completes := completeEvents(events)
	require.Len(t, completes, 1)
	assert.Equal(t, v1.JobSucceeded, completes[0].Classification)
	assert.Len(t, completes[0].Agents, 3)

	for _, e := range events {
		assert.NotEqual(t, v1.EventPhase, e.Kind)
	}
}

func TestRunBadSourceStillCompletes(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, ws := newTestController(t)

	j, err := ctrl.Create(v1.JobRequest{
		Source:    filepath.Join(t.TempDir(), "missing"),
		Objective: "doomed",
	})
	require.NoError(t, err)

	sub := j.Hub.Subscribe()
	ctrl.Run(context.Background(), j)
	events := collect(sub)

	completes := completeEvents(events)
	require.Len(t, completes, 1)
	assert.Equal(t, v1.JobFailed, completes[0].Classification)

	_, statErr := os.Stat(ws.JobDir(j.ID))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCreateValidation(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, _ := newTestController(t)

	_, err := ctrl.Create(v1.JobRequest{Source: "", Objective: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))

	_, err = ctrl.Create(v1.JobRequest{Source: "/some/path", Objective: "   "})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
}

func TestCreateMissingCredential(t *testing.T) {
	defaultFakeCLIs(t)
	ctrl, _ := newTestController(t)
	ctrl.creds = credentials.StaticProvider{
		"ANTHROPIC_CRED": "a-key",
		"OPENAI_CRED":    "o-key",
		// GEMINI_CRED missing
	}

	_, err := ctrl.Create(v1.JobRequest{Source: "/some/path", Objective: "x"})
	require.Error(t, err)
	assert.True(t, apperrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "GEMINI_CRED")
}

func TestModelOverrides(t *testing.T) {
	ctrl, _ := newTestController(t)

	req := v1.JobRequest{
		AgentModels: map[v1.AgentKey]string{
			v1.AgentKeyPrimary1: "claude-opus-4",
		},
	}
	assert.Equal(t, "claude-opus-4", ctrl.modelFor(v1.AgentKeyPrimary1, v1.AgentKindClaude, req))
	assert.Equal(t, "gemini-2.5-pro", ctrl.modelFor(v1.AgentKeyPrimary2, v1.AgentKindGemini, req))
	assert.Equal(t, "claude-sonnet-4", ctrl.modelFor(v1.AgentKeyIntegrator, v1.AgentKindIntegrator, req))
}

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	j := &Job{ID: "job-1", createdAt: time.Now()}
	require.NoError(t, r.Add(j))

	err := r.Add(&Job{ID: "job-1"})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeConflict, apperrors.Code(err))

	got, err := r.Get("job-1")
	require.NoError(t, err)
	assert.Equal(t, j, got)

	_, err = r.Get("nope")
	assert.True(t, apperrors.IsNotFound(err))

	require.NoError(t, r.Add(&Job{ID: "job-2", createdAt: time.Now().Add(time.Second)}))
	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "job-2", list[0].ID)

	r.Remove("job-1")
	_, err = r.Get("job-1")
	assert.Error(t, err)
}
