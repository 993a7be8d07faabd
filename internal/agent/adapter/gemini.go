package adapter

import (
	"fmt"

	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// GeminiAdapter drives the gemini CLI. The model is bound via a flag; the
// objective goes in on stdin, which sidesteps argv length limits for the
// integrator's long synthesized prompts.
type GeminiAdapter struct{}

func NewGeminiAdapter() *GeminiAdapter {
	return &GeminiAdapter{}
}

func (a *GeminiAdapter) Kind() v1.AgentKind {
	return v1.AgentKindGemini
}

// Prepare is a no-op: the gemini CLI needs no workspace-local configuration.
func (a *GeminiAdapter) Prepare(ctx JobContext) error {
	return nil
}

func (a *GeminiAdapter) Plan(ctx JobContext) (CommandPlan, error) {
	if ctx.Objective == "" {
		return CommandPlan{}, fmt.Errorf("objective is required")
	}
	return CommandPlan{
		Argv: []string{"gemini", "--yolo", "-m", ctx.Model},
		Env: []string{
			"GEMINI_MODEL=" + ctx.Model,
			"GEMINI_API_KEY=" + ctx.Credential,
		},
		Stdin: ctx.Objective,
	}, nil
}

func (a *GeminiAdapter) InferProgress(line string) (string, bool) {
	return inferProgress(line)
}
