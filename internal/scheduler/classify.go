package scheduler

import (
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// severity orders job classifications from best to worst.
var severity = map[v1.JobClassification]int{
	v1.JobSucceeded:      0,
	v1.JobWarningsOnly:   1,
	v1.JobPartialFailure: 2,
	v1.JobFailed:         3,
	v1.JobTimeout:        4,
	v1.JobCancelled:      5,
}

// agentClassification maps one agent's terminal state into the job
// classification domain.
func agentClassification(state v1.AgentState) v1.JobClassification {
	switch state {
	case v1.AgentStateSucceeded:
		return v1.JobSucceeded
	case v1.AgentStateTimeout:
		return v1.JobTimeout
	case v1.AgentStateCancelled:
		return v1.JobCancelled
	default:
		return v1.JobFailed
	}
}

// Classify composes the job's terminal classification from its agents'
// outcomes: the worst agent classification wins, with two adjustments.
// A successful integrator downgrades primary failures to partial-failure,
// and an otherwise clean job with warnings becomes warnings-only.
func Classify(outcomes map[v1.AgentKey]Outcome, warnings int, cancelled bool) v1.JobClassification {
	if cancelled {
		return v1.JobCancelled
	}

	worst := v1.JobSucceeded
	for _, o := range outcomes {
		c := agentClassification(o.Result.State)
		if severity[c] > severity[worst] {
			worst = c
		}
	}

	if integ, ok := outcomes[v1.AgentKeyIntegrator]; ok &&
		integ.Result.State == v1.AgentStateSucceeded &&
		(worst == v1.JobFailed || worst == v1.JobTimeout) {
		worst = v1.JobPartialFailure
	}

	if worst == v1.JobSucceeded && warnings > 0 {
		return v1.JobWarningsOnly
	}
	return worst
}
