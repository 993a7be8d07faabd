// Package scheduler executes the two-phase agent plan for a job: fan-out
// over the three primary agents, a barrier, then the integrator.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/codeswarm/codeswarm/internal/common/config"
	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	"github.com/codeswarm/codeswarm/internal/common/logger"
	"github.com/codeswarm/codeswarm/internal/supervisor"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// AgentTask is one schedulable agent slot.
type AgentTask struct {
	Key  v1.AgentKey
	Kind v1.AgentKind

	// Err marks a task that failed before launch, such as a workspace or
	// configuration failure. It is recorded terminal-failed without ever
	// consuming a permit.
	Err error

	// Launch prepares and starts a supervisor. Called once per attempt.
	Launch func(ctx context.Context) (*supervisor.Supervisor, error)
}

// Plan is the full agent set for one job.
type Plan struct {
	Primaries []AgentTask
	// Integrator is nil when the fan-in phase is skipped.
	Integrator *AgentTask
}

// Outcome is one agent's terminal record.
type Outcome struct {
	Key      v1.AgentKey
	Kind     v1.AgentKind
	Result   supervisor.Result
	Attempts int
}

// EmitFunc publishes scheduler-level events attributed to an agent slot or
// the job sentinel key.
type EmitFunc func(key v1.AgentKey, kind v1.EventKind, payload string)

// Scheduler owns the global concurrency cap shared by all jobs.
type Scheduler struct {
	sem        *semaphore.Weighted
	retryLimit int
	backoff    time.Duration
	logger     *logger.Logger
}

// New creates a scheduler with a global permit pool of cfg.MaxParallelAgents.
func New(cfg config.SchedulerConfig, log *logger.Logger) *Scheduler {
	limit := cfg.MaxParallelAgents
	if limit <= 0 {
		limit = 5
	}
	retries := cfg.RetryLimit
	if retries <= 0 {
		retries = 3
	}
	backoff := cfg.RetryBackoff()
	if backoff <= 0 {
		backoff = time.Second
	}
	return &Scheduler{
		sem:        semaphore.NewWeighted(int64(limit)),
		retryLimit: retries,
		backoff:    backoff,
		logger:     log.WithFields(zap.String("component", "scheduler")),
	}
}

// Execute runs the plan to completion and returns every agent's outcome.
// Primary failures never cancel siblings; only ctx cancellation fans out.
// The integrator starts only after every primary is terminal, and not at
// all if the job was cancelled first.
func (s *Scheduler) Execute(ctx context.Context, jobID string, plan Plan, emit EmitFunc) map[v1.AgentKey]Outcome {
	log := s.logger.WithJobID(jobID)
	outcomes := make(map[v1.AgentKey]Outcome, len(plan.Primaries)+1)

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, task := range plan.Primaries {
		wg.Add(1)
		go func(task AgentTask) {
			defer wg.Done()
			outcome := s.runTask(ctx, log, task, emit)
			mu.Lock()
			outcomes[task.Key] = outcome
			mu.Unlock()
		}(task)
	}
	wg.Wait()

	if plan.Integrator == nil {
		return outcomes
	}
	if ctx.Err() != nil {
		// Cancelled before phase B: the integrator never starts.
		outcomes[plan.Integrator.Key] = cancelledOutcome(*plan.Integrator)
		return outcomes
	}

	emit(v1.AgentKeyJob, v1.EventPhase, "integrating")
	log.Info("all primaries terminal, starting integration phase")

	outcomes[plan.Integrator.Key] = s.runTask(ctx, log, *plan.Integrator, emit)
	return outcomes
}

// runTask drives one agent slot to terminal: permit acquisition, launch with
// transient retry, and the wait for the supervisor's completion future.
func (s *Scheduler) runTask(ctx context.Context, log *logger.Logger, task AgentTask, emit EmitFunc) Outcome {
	started := time.Now()

	if task.Err != nil {
		emit(task.Key, v1.EventError, task.Err.Error())
		return Outcome{
			Key:  task.Key,
			Kind: task.Kind,
			Result: supervisor.Result{
				State:      v1.AgentStateFailed,
				ExitCode:   -1,
				Reason:     task.Err.Error(),
				StartedAt:  started,
				FinishedAt: started,
			},
		}
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return cancelledOutcome(task)
	}
	defer s.sem.Release(1)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= s.retryLimit; attempt++ {
		attempts = attempt
		sup, err := task.Launch(ctx)
		if err == nil {
			select {
			case <-sup.Done():
			case <-ctx.Done():
				sup.Cancel()
				<-sup.Done()
			}
			return Outcome{
				Key:      task.Key,
				Kind:     task.Kind,
				Result:   sup.Result(),
				Attempts: attempt,
			}
		}

		lastErr = err
		if !apperrors.IsTransientLaunch(err) || attempt == s.retryLimit {
			break
		}

		wait := s.backoff * (1 << (attempt - 1))
		emit(task.Key, v1.EventWarning, fmt.Sprintf(
			"transient launch failure, retrying in %s (attempt %d/%d): %v",
			wait, attempt, s.retryLimit, err))
		log.Warn("transient launch failure",
			zap.String("agent_key", string(task.Key)),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return cancelledOutcome(task)
		}
	}

	emit(task.Key, v1.EventError, lastErr.Error())
	log.Error("agent launch failed permanently",
		zap.String("agent_key", string(task.Key)),
		zap.Error(lastErr))

	return Outcome{
		Key:  task.Key,
		Kind: task.Kind,
		Result: supervisor.Result{
			State:      v1.AgentStateFailed,
			ExitCode:   -1,
			Reason:     lastErr.Error(),
			StartedAt:  started,
			FinishedAt: time.Now(),
		},
		Attempts: attempts,
	}
}

func cancelledOutcome(task AgentTask) Outcome {
	now := time.Now()
	return Outcome{
		Key:  task.Key,
		Kind: task.Kind,
		Result: supervisor.Result{
			State:      v1.AgentStateCancelled,
			ExitCode:   -1,
			Reason:     "cancelled",
			StartedAt:  now,
			FinishedAt: now,
		},
	}
}
