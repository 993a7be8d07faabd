// Package adapter binds logical agent kinds to concrete CLI invocations.
// Adapters are the only place that knows any specific agent tool's command
// line, environment keys, or workspace conventions.
package adapter

import (
	"fmt"

	"github.com/codeswarm/codeswarm/internal/common/config"
	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// JobContext carries everything an adapter needs to plan one invocation.
type JobContext struct {
	JobID     string
	AgentKey  v1.AgentKey
	Objective string
	// Workspace is this agent's private copy of the source tree.
	Workspace string
	Model     string
	// Credential is the resolved API credential for this agent's provider.
	Credential string
	// PrimaryWorkspaces maps each primary slot to its workspace path. Only
	// populated for the integrator.
	PrimaryWorkspaces map[v1.AgentKey]string
}

// CommandPlan is a fully resolved invocation: the argv vector, environment
// additions layered over the inherited environment, and an optional stdin
// payload.
type CommandPlan struct {
	Argv  []string
	Env   []string
	Stdin string
}

// Adapter plans invocations for one agent kind.
type Adapter interface {
	Kind() v1.AgentKind

	// Prepare materializes any workspace-local configuration the tool
	// expects before launch.
	Prepare(ctx JobContext) error

	// Plan resolves the command vector, environment and stdin payload.
	Plan(ctx JobContext) (CommandPlan, error)

	// InferProgress maps an output line to a best-effort status payload.
	InferProgress(line string) (string, bool)
}

// CredentialKey returns the environment key holding the credential for an
// agent kind per the job-creation contract.
func CredentialKey(kind v1.AgentKind) (string, error) {
	switch kind {
	case v1.AgentKindClaude:
		return "ANTHROPIC_CRED", nil
	case v1.AgentKindGemini:
		return "GEMINI_CRED", nil
	case v1.AgentKindCodex:
		return "OPENAI_CRED", nil
	default:
		return "", fmt.Errorf("no credential key for agent kind %q", kind)
	}
}

// Registry holds one adapter per agent kind.
type Registry struct {
	adapters map[v1.AgentKind]Adapter
}

// NewRegistry builds the standard adapter set: the three primary kinds plus
// an integrator delegating to the configured family.
func NewRegistry(cfg config.AgentConfig) (*Registry, error) {
	claude := NewClaudeAdapter()
	gemini := NewGeminiAdapter()
	codex := NewCodexAdapter()

	var family Adapter
	switch cfg.IntegratorFamily {
	case "claude":
		family = claude
	case "gemini", "":
		family = gemini
	case "codex":
		family = codex
	default:
		return nil, fmt.Errorf("unknown integrator family %q", cfg.IntegratorFamily)
	}

	return &Registry{
		adapters: map[v1.AgentKind]Adapter{
			v1.AgentKindClaude:     claude,
			v1.AgentKindGemini:     gemini,
			v1.AgentKindCodex:      codex,
			v1.AgentKindIntegrator: NewIntegratorAdapter(family),
		},
	}, nil
}

// ForKind returns the adapter for an agent kind.
func (r *Registry) ForKind(kind v1.AgentKind) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("unknown agent kind %q", kind)
	}
	return a, nil
}

// KindForKey returns the agent kind occupying a job slot. The primary slots
// are fixed: one Claude-kind, one Gemini-kind, one Codex-kind.
func KindForKey(key v1.AgentKey) (v1.AgentKind, error) {
	switch key {
	case v1.AgentKeyPrimary1:
		return v1.AgentKindClaude, nil
	case v1.AgentKeyPrimary2:
		return v1.AgentKindGemini, nil
	case v1.AgentKeyPrimary3:
		return v1.AgentKindCodex, nil
	case v1.AgentKeyIntegrator:
		return v1.AgentKindIntegrator, nil
	default:
		return "", fmt.Errorf("unknown agent key %q", key)
	}
}
