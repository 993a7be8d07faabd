// Package v1 defines the public wire types for the codeswarm orchestrator.
package v1

import "time"

// AgentKey identifies one agent slot within a job.
type AgentKey string

const (
	AgentKeyPrimary1   AgentKey = "primary-1"
	AgentKeyPrimary2   AgentKey = "primary-2"
	AgentKeyPrimary3   AgentKey = "primary-3"
	AgentKeyIntegrator AgentKey = "integrator"

	// AgentKeyJob is the sentinel key for scheduler and controller level events.
	AgentKeyJob AgentKey = "job"
)

// PrimaryKeys lists the phase-A agent slots in canonical order.
func PrimaryKeys() []AgentKey {
	return []AgentKey{AgentKeyPrimary1, AgentKeyPrimary2, AgentKeyPrimary3}
}

// AgentKeys lists every agent slot of a job in canonical order.
func AgentKeys() []AgentKey {
	return []AgentKey{AgentKeyPrimary1, AgentKeyPrimary2, AgentKeyPrimary3, AgentKeyIntegrator}
}

// AgentKind is the logical family of an agent, which determines its CLI invocation schema.
type AgentKind string

const (
	AgentKindClaude     AgentKind = "claude"
	AgentKindGemini     AgentKind = "gemini"
	AgentKindCodex      AgentKind = "codex"
	AgentKindIntegrator AgentKind = "integrator"
)

// AgentState represents the lifecycle state of an agent instance.
// Transitions are forward-only: PENDING -> STARTING -> RUNNING -> TERMINATING -> terminal.
type AgentState string

const (
	AgentStatePending     AgentState = "PENDING"
	AgentStateStarting    AgentState = "STARTING"
	AgentStateRunning     AgentState = "RUNNING"
	AgentStateTerminating AgentState = "TERMINATING"
	AgentStateSucceeded   AgentState = "SUCCEEDED"
	AgentStateFailed      AgentState = "FAILED"
	AgentStateTimeout     AgentState = "TIMEOUT"
	AgentStateCancelled   AgentState = "CANCELLED"
)

// Terminal reports whether the state is one of the four terminal classifications.
func (s AgentState) Terminal() bool {
	switch s {
	case AgentStateSucceeded, AgentStateFailed, AgentStateTimeout, AgentStateCancelled:
		return true
	}
	return false
}

// JobState represents the lifecycle state of a job.
type JobState string

const (
	JobStateCreating    JobState = "CREATING"
	JobStateRunning     JobState = "RUNNING"
	JobStateIntegrating JobState = "INTEGRATING"
	JobStateTerminal    JobState = "TERMINAL"
)

// JobClassification is the aggregate terminal classification of a job,
// ordered from best to worst.
type JobClassification string

const (
	JobSucceeded      JobClassification = "succeeded"
	JobWarningsOnly   JobClassification = "warnings-only"
	JobPartialFailure JobClassification = "partial-failure"
	JobFailed         JobClassification = "failed"
	JobTimeout        JobClassification = "timeout"
	JobCancelled      JobClassification = "cancelled"
)

// EventKind tags a ProgressEvent.
type EventKind string

const (
	EventStatus   EventKind = "status"
	EventStdout   EventKind = "stdout"
	EventStderr   EventKind = "stderr"
	EventPhase    EventKind = "phase"
	EventWarning  EventKind = "warning"
	EventError    EventKind = "error"
	EventComplete EventKind = "complete"
)

// ProgressEvent is one structured message on a job's event stream.
// Events for a given (job_id, agent_key) pair are delivered in production
// order; Seq is a job-wide monotonic sequence number assigned at publish time.
type ProgressEvent struct {
	JobID       string    `json:"job_id"`
	AgentKey    AgentKey  `json:"agent_key"`
	Kind        EventKind `json:"kind"`
	Payload     string    `json:"payload"`
	TimestampMS int64     `json:"timestamp_ms"`
	Seq         uint64    `json:"seq"`
}

// JobConfig carries optional per-job overrides supplied by the client.
type JobConfig struct {
	AgentTimeoutMinutes int  `json:"agent_timeout_minutes,omitempty"`
	MaxParallelAgents   int  `json:"max_parallel_agents,omitempty"`
	SkipIntegration     bool `json:"skip_integration,omitempty"`
}

// JobRequest is the first client message on a job subscription.
type JobRequest struct {
	// Source is either a remote repository URL or a local directory path.
	Source string `json:"source"`
	// Ref is an optional branch or ref for remote sources.
	Ref       string `json:"ref,omitempty"`
	Objective string `json:"objective"`
	// AgentModels maps each agent key to a model identifier.
	AgentModels map[AgentKey]string `json:"agent_models"`
	Config      *JobConfig          `json:"config,omitempty"`
}

// AgentSummary describes one agent's terminal outcome inside the complete event.
type AgentSummary struct {
	Key        AgentKey   `json:"key"`
	Kind       AgentKind  `json:"kind"`
	State      AgentState `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	DurationMS int64      `json:"duration_ms"`
}

// JobSummary is the payload of the terminal complete event.
type JobSummary struct {
	JobID          string            `json:"job_id"`
	Classification JobClassification `json:"classification"`
	Agents         []AgentSummary    `json:"agents"`
	Warnings       int               `json:"warnings"`
}

// JobStatus is the REST representation of a job.
type JobStatus struct {
	ID             string            `json:"id"`
	State          JobState          `json:"state"`
	Classification JobClassification `json:"classification,omitempty"`
	Objective      string            `json:"objective"`
	CreatedAt      time.Time         `json:"created_at"`
	FinishedAt     *time.Time        `json:"finished_at,omitempty"`
	Agents         []AgentSummary    `json:"agents,omitempty"`
}
