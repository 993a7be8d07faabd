// Package job hosts the controller, per-job event hub, and registry that
// together drive a job from request to terminal event.
package job

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/codeswarm/codeswarm/internal/common/errors"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// Job is the in-memory record of one orchestration run.
type Job struct {
	ID      string
	Request v1.JobRequest
	Hub     *Hub

	mu             sync.Mutex
	state          v1.JobState
	classification v1.JobClassification
	createdAt      time.Time
	finishedAt     *time.Time
	agents         []v1.AgentSummary

	cancelOnce sync.Once
	cancelled  bool
	cancel     context.CancelFunc
}

// State returns the job's current lifecycle state.
func (j *Job) State() v1.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

func (j *Job) setState(state v1.JobState) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = state
}

// Cancel requests termination of every live agent. Idempotent; calling it
// on a terminal job is a no-op.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() {
		j.mu.Lock()
		j.cancelled = true
		cancel := j.cancel
		j.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Cancelled reports whether cancellation was requested.
func (j *Job) Cancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// Status returns the REST view of the job.
func (j *Job) Status() v1.JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()

	agents := make([]v1.AgentSummary, len(j.agents))
	copy(agents, j.agents)

	return v1.JobStatus{
		ID:             j.ID,
		State:          j.state,
		Classification: j.classification,
		Objective:      j.Request.Objective,
		CreatedAt:      j.createdAt,
		FinishedAt:     j.finishedAt,
		Agents:         agents,
	}
}

func (j *Job) finish(classification v1.JobClassification, agents []v1.AgentSummary) {
	now := time.Now()
	j.mu.Lock()
	defer j.mu.Unlock()
	j.state = v1.JobStateTerminal
	j.classification = classification
	j.finishedAt = &now
	j.agents = agents
}

// Registry is the in-memory job index. Jobs stay queryable after they reach
// terminal state; there is no durable persistence.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

// Add registers a job.
func (r *Registry) Add(job *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[job.ID]; exists {
		return apperrors.Conflict("job " + job.ID + " already exists")
	}
	r.jobs[job.ID] = job
	return nil
}

// Get returns a job by id.
func (r *Registry) Get(id string) (*Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return job, nil
}

// List returns every job's status, newest first.
func (r *Registry) List() []v1.JobStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make([]v1.JobStatus, 0, len(r.jobs))
	for _, job := range r.jobs {
		statuses = append(statuses, job.Status())
	}
	sort.Slice(statuses, func(i, k int) bool {
		return statuses[i].CreatedAt.After(statuses[k].CreatedAt)
	})
	return statuses
}

// Remove deletes a job from the index.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, id)
}
