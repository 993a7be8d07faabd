package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codeswarm/codeswarm/internal/agent/adapter"
	"github.com/codeswarm/codeswarm/internal/agent/credentials"
	"github.com/codeswarm/codeswarm/internal/common/config"
	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/events/bus"
	"github.com/codeswarm/codeswarm/internal/scheduler"
	"github.com/codeswarm/codeswarm/internal/supervisor"
	"github.com/codeswarm/codeswarm/internal/workspace"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// Controller is the public entry point: it validates job requests, fans the
// work out through the scheduler, and guarantees workspace teardown and
// exactly one terminal event on every exit path, panics included.
type Controller struct {
	config     *config.Config
	registry   *Registry
	workspaces *workspace.Manager
	scheduler  *scheduler.Scheduler
	adapters   *adapter.Registry
	creds      credentials.Provider
	bus        bus.EventBus
	logger     *logger.Logger
}

// NewController wires the controller.
func NewController(
	cfg *config.Config,
	ws *workspace.Manager,
	sched *scheduler.Scheduler,
	adapters *adapter.Registry,
	creds credentials.Provider,
	eventBus bus.EventBus,
	log *logger.Logger,
) *Controller {
	return &Controller{
		config:     cfg,
		registry:   NewRegistry(),
		workspaces: ws,
		scheduler:  sched,
		adapters:   adapters,
		creds:      creds,
		bus:        eventBus,
		logger:     log.WithFields(zap.String("component", "job-controller")),
	}
}

// Registry exposes the job index for the API layer.
func (c *Controller) Registry() *Registry {
	return c.registry
}

// Create validates a request and registers the job with its event hub.
// A missing credential for any required agent rejects the job before any
// workspace or process exists.
func (c *Controller) Create(req v1.JobRequest) (*Job, error) {
	if strings.TrimSpace(req.Objective) == "" {
		return nil, apperrors.Configuration("objective is required")
	}
	if strings.TrimSpace(req.Source) == "" {
		return nil, apperrors.Configuration("source is required")
	}

	for _, key := range v1.PrimaryKeys() {
		kind, err := adapter.KindForKey(key)
		if err != nil {
			return nil, apperrors.Configuration(err.Error())
		}
		if _, err := credentials.Resolve(c.creds, kind); err != nil {
			return nil, err
		}
	}
	if !skipIntegration(req) {
		family, err := c.integratorFamily()
		if err != nil {
			return nil, err
		}
		if _, err := credentials.Resolve(c.creds, family); err != nil {
			return nil, err
		}
	}

	j := &Job{
		ID:        uuid.New().String(),
		Request:   req,
		state:     v1.JobStateCreating,
		createdAt: time.Now(),
	}
	j.Hub = NewHub(j.ID, c.logger)

	if err := c.registry.Add(j); err != nil {
		return nil, err
	}

	c.publishBusEvent(bus.SubjectJobCreated, map[string]interface{}{
		"job_id":    j.ID,
		"objective": req.Objective,
	})
	c.logger.WithJobID(j.ID).Info("job created", zap.String("source", req.Source))
	return j, nil
}

// Cancel requests cancellation of a running job. Idempotent.
func (c *Controller) Cancel(jobID string) error {
	j, err := c.registry.Get(jobID)
	if err != nil {
		return err
	}
	j.Cancel()
	return nil
}

// Run drives a job to its terminal event. It blocks until the complete
// event has been published and the hub closed.
func (c *Controller) Run(ctx context.Context, j *Job) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	j.mu.Lock()
	j.cancel = cancel
	preCancelled := j.cancelled
	j.mu.Unlock()
	if preCancelled {
		cancel()
	}

	log := c.logger.WithJobID(j.ID)

	var warningCount atomic.Int64
	emit := func(key v1.AgentKey, kind v1.EventKind, payload string) {
		if kind == v1.EventWarning {
			warningCount.Add(1)
		}
		if kind == v1.EventPhase && payload == "integrating" {
			j.setState(v1.JobStateIntegrating)
		}
		j.Hub.Publish(key, kind, payload)
	}

	var completeOnce sync.Once
	complete := func(classification v1.JobClassification, agents []v1.AgentSummary) {
		completeOnce.Do(func() {
			j.finish(classification, agents)
			summary := v1.JobSummary{
				JobID:          j.ID,
				Classification: classification,
				Agents:         agents,
				Warnings:       int(warningCount.Load()),
			}
			payload, err := json.Marshal(summary)
			if err != nil {
				payload = []byte(fmt.Sprintf(`{"job_id":%q,"classification":%q}`, j.ID, classification))
			}
			j.Hub.Publish(v1.AgentKeyJob, v1.EventComplete, string(payload))
			j.Hub.Close()

			c.publishBusEvent(bus.SubjectJobCompleted, map[string]interface{}{
				"job_id":         j.ID,
				"classification": string(classification),
			})
			log.Info("job terminal", zap.String("classification", string(classification)))
		})
	}

	teardown := func() {
		if err := c.workspaces.ReleaseJob(j.ID); err != nil {
			log.Error("workspace teardown failed", zap.Error(err))
			emit(v1.AgentKeyJob, v1.EventWarning, "workspace cleanup failed: "+err.Error())
			return
		}
		emit(v1.AgentKeyJob, v1.EventStatus, "workspace cleaned up")
	}

	// Teardown must land before the terminal event on every path, including
	// a panic anywhere below.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while running job",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			emit(v1.AgentKeyJob, v1.EventError, fmt.Sprintf("internal error: %v", r))
			teardown()
			complete(v1.JobFailed, nil)
		}
	}()

	j.setState(v1.JobStateRunning)

	keys := v1.PrimaryKeys()
	if !skipIntegration(j.Request) {
		keys = v1.AgentKeys()
	}

	wsPaths, wsErrs := c.allocateWorkspaces(runCtx, j, keys, emit)

	timeout := c.config.Agent.AgentTimeout()
	if j.Request.Config != nil && j.Request.Config.AgentTimeoutMinutes > 0 {
		timeout = time.Duration(j.Request.Config.AgentTimeoutMinutes) * time.Minute
	}

	plan := scheduler.Plan{}
	for _, key := range v1.PrimaryKeys() {
		plan.Primaries = append(plan.Primaries, c.buildTask(j, key, wsPaths, wsErrs, timeout, emit, log))
	}
	if !skipIntegration(j.Request) {
		task := c.buildTask(j, v1.AgentKeyIntegrator, wsPaths, wsErrs, timeout, emit, log)
		plan.Integrator = &task
	}

	outcomes := c.scheduler.Execute(runCtx, j.ID, plan, emit)

	for _, o := range outcomes {
		c.publishBusEvent(bus.SubjectAgentTerminal, map[string]interface{}{
			"job_id":    j.ID,
			"agent_key": string(o.Key),
			"state":     string(o.Result.State),
		})
	}

	classification := scheduler.Classify(outcomes, int(warningCount.Load()), j.Cancelled())
	agents := agentSummaries(keys, outcomes)

	teardown()
	complete(classification, agents)
}

// allocateWorkspaces materializes one private copy per agent. Remote
// sources are cloned once into a staging directory inside the job dir and
// copied per agent from there.
func (c *Controller) allocateWorkspaces(
	ctx context.Context,
	j *Job,
	keys []v1.AgentKey,
	emit func(v1.AgentKey, v1.EventKind, string),
) (map[v1.AgentKey]string, map[v1.AgentKey]error) {
	paths := make(map[v1.AgentKey]string, len(keys))
	errs := make(map[v1.AgentKey]error)

	emit(v1.AgentKeyJob, v1.EventStatus, "allocating workspaces")

	src := workspace.SourceSpec{Location: j.Request.Source, Ref: j.Request.Ref}
	if src.IsRemote() {
		staged, err := c.workspaces.Allocate(ctx, j.ID, "repository", src)
		if err != nil {
			for _, key := range keys {
				errs[key] = err
			}
			emit(v1.AgentKeyJob, v1.EventError, "failed to fetch source: "+err.Error())
			return paths, errs
		}
		src = workspace.SourceSpec{Location: staged}
	}

	// Per-key failures are recorded here and surface as a single error
	// event when the scheduler picks up the pre-failed task. Pre-launch
	// statuses carry the job key so each agent's own stream still opens
	// with its started event.
	for _, key := range keys {
		path, err := c.workspaces.Allocate(ctx, j.ID, string(key), src)
		if err != nil {
			errs[key] = err
			continue
		}
		paths[key] = path
		emit(v1.AgentKeyJob, v1.EventStatus, fmt.Sprintf("workspace ready for %s", key))
	}
	return paths, errs
}

// buildTask resolves everything an agent slot needs up front; any failure
// becomes a pre-failed task so siblings are unaffected.
func (c *Controller) buildTask(
	j *Job,
	key v1.AgentKey,
	wsPaths map[v1.AgentKey]string,
	wsErrs map[v1.AgentKey]error,
	timeout time.Duration,
	emit func(v1.AgentKey, v1.EventKind, string),
	log *logger.Logger,
) scheduler.AgentTask {
	kind, err := adapter.KindForKey(key)
	task := scheduler.AgentTask{Key: key, Kind: kind}
	if err != nil {
		task.Err = apperrors.Configuration(err.Error())
		return task
	}
	if wsErr := wsErrs[key]; wsErr != nil {
		task.Err = wsErr
		return task
	}

	ad, err := c.adapters.ForKind(kind)
	if err != nil {
		task.Err = apperrors.Configuration(err.Error())
		return task
	}

	credKind := kind
	if kind == v1.AgentKindIntegrator {
		credKind, err = c.integratorFamily()
		if err != nil {
			task.Err = err
			return task
		}
	}
	cred, err := credentials.Resolve(c.creds, credKind)
	if err != nil {
		task.Err = err
		return task
	}

	primaries := make(map[v1.AgentKey]string, 3)
	for _, pk := range v1.PrimaryKeys() {
		if p, ok := wsPaths[pk]; ok {
			primaries[pk] = p
		}
	}

	jctx := adapter.JobContext{
		JobID:             j.ID,
		AgentKey:          key,
		Objective:         j.Request.Objective,
		Workspace:         wsPaths[key],
		Model:             c.modelFor(key, kind, j.Request),
		Credential:        cred,
		PrimaryWorkspaces: primaries,
	}
	agentEmit := func(kind v1.EventKind, payload string) {
		emit(key, kind, payload)
	}
	agentLog := log.WithAgentKey(string(key))

	task.Launch = func(ctx context.Context) (*supervisor.Supervisor, error) {
		if err := ad.Prepare(jctx); err != nil {
			return nil, apperrors.PermanentLaunch("failed to prepare workspace", err)
		}
		cmdPlan, err := ad.Plan(jctx)
		if err != nil {
			return nil, apperrors.PermanentLaunch("failed to plan agent invocation", err)
		}

		sup := supervisor.New(supervisor.Config{
			Argv:         cmdPlan.Argv,
			Dir:          jctx.Workspace,
			Env:          append(os.Environ(), cmdPlan.Env...),
			Stdin:        cmdPlan.Stdin,
			Timeout:      timeout,
			GracePeriod:  c.config.Agent.GracePeriod(),
			MaxLineBytes: c.config.Agent.MaxLineBytes,
			Inspect:      ad.InferProgress,
		}, agentEmit, agentLog)

		if err := sup.Start(ctx); err != nil {
			return nil, err
		}
		c.publishBusEvent(bus.SubjectAgentStarted, map[string]interface{}{
			"job_id":    j.ID,
			"agent_key": string(key),
			"kind":      string(kind),
		})
		return sup, nil
	}
	return task
}

// modelFor resolves the model identifier: per-request override first, then
// the configured default for the slot's kind.
func (c *Controller) modelFor(key v1.AgentKey, kind v1.AgentKind, req v1.JobRequest) string {
	if m, ok := req.AgentModels[key]; ok && m != "" {
		return m
	}
	switch kind {
	case v1.AgentKindClaude:
		return c.config.Agent.ClaudeModel
	case v1.AgentKindGemini:
		return c.config.Agent.GeminiModel
	case v1.AgentKindCodex:
		return c.config.Agent.CodexModel
	default:
		return c.config.Agent.IntegratorModel
	}
}

func (c *Controller) integratorFamily() (v1.AgentKind, error) {
	ad, err := c.adapters.ForKind(v1.AgentKindIntegrator)
	if err != nil {
		return "", apperrors.Configuration(err.Error())
	}
	integ, ok := ad.(*adapter.IntegratorAdapter)
	if !ok {
		return "", apperrors.Configuration("integrator adapter misconfigured")
	}
	return integ.Family(), nil
}

func (c *Controller) publishBusEvent(subject string, data map[string]interface{}) {
	event := bus.NewEvent(subject, "job-controller", data)
	if err := c.bus.Publish(context.Background(), subject, event); err != nil {
		c.logger.Warn("failed to publish bus event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}

func skipIntegration(req v1.JobRequest) bool {
	return req.Config != nil && req.Config.SkipIntegration
}

// agentSummaries orders outcomes canonically for the terminal payload.
func agentSummaries(keys []v1.AgentKey, outcomes map[v1.AgentKey]scheduler.Outcome) []v1.AgentSummary {
	summaries := make([]v1.AgentSummary, 0, len(keys))
	for _, key := range keys {
		o, ok := outcomes[key]
		if !ok {
			continue
		}
		summaries = append(summaries, v1.AgentSummary{
			Key:        key,
			Kind:       o.Kind,
			State:      o.Result.State,
			Reason:     o.Result.Reason,
			DurationMS: o.Result.FinishedAt.Sub(o.Result.StartedAt).Milliseconds(),
		})
	}
	return summaries
}
