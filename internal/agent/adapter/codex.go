package adapter

import (
	"fmt"

	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// CodexAdapter drives the codex CLI in non-interactive exec mode. The model
// is bound via a flag; the objective is a positional argument.
type CodexAdapter struct{}

func NewCodexAdapter() *CodexAdapter {
	return &CodexAdapter{}
}

func (a *CodexAdapter) Kind() v1.AgentKind {
	return v1.AgentKindCodex
}

// Prepare is a no-op: the codex CLI needs no workspace-local configuration.
func (a *CodexAdapter) Prepare(ctx JobContext) error {
	return nil
}

func (a *CodexAdapter) Plan(ctx JobContext) (CommandPlan, error) {
	if ctx.Objective == "" {
		return CommandPlan{}, fmt.Errorf("objective is required")
	}
	return CommandPlan{
		Argv: []string{"codex", "exec", "--full-auto", "--model", ctx.Model, ctx.Objective},
		Env: []string{
			"OPENAI_MODEL=" + ctx.Model,
			"OPENAI_API_KEY=" + ctx.Credential,
		},
	}, nil
}

func (a *CodexAdapter) InferProgress(line string) (string, bool) {
	return inferProgress(line)
}
