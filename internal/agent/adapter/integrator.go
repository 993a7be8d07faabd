package adapter

import (
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

const integrationPromptTemplate = `You are an expert software integration specialist. Three AI agents have each produced an independent solution to the same task. Their complete working trees are mounted read-only inside this workspace:

- %s contains the first agent's solution
- %s contains the second agent's solution
- %s contains the third agent's solution

Original task: %s

Analyze all three solutions and synthesize the best combined result:
1. Identify the strengths of each approach
2. Resolve any conflicts between implementations
3. Combine the best aspects of all solutions
4. Ensure code quality and consistency
5. Apply the integrated, production-ready implementation to this workspace

Write a summary of your analysis and the integration decisions to final_report.md in the workspace root. Treat the mounted solution directories as read-only reference material; never modify them.`

// IntegratorAdapter runs the fan-in phase. It delegates the actual CLI
// invocation to one of the primary-kind adapters and rewrites the objective
// into an integration prompt over the mounted primary workspaces.
type IntegratorAdapter struct {
	family Adapter
}

func NewIntegratorAdapter(family Adapter) *IntegratorAdapter {
	return &IntegratorAdapter{family: family}
}

func (a *IntegratorAdapter) Kind() v1.AgentKind {
	return v1.AgentKindIntegrator
}

// Family returns the primary kind whose CLI runs the integration phase.
func (a *IntegratorAdapter) Family() v1.AgentKind {
	return a.family.Kind()
}

// Prepare links each primary workspace into the integration workspace under
// its fixed relative path, writes the integration prompt alongside them, and
// then runs the family adapter's own preparation. A primary whose workspace
// was never allocated is simply not mounted; integration proceeds over the
// degraded input.
func (a *IntegratorAdapter) Prepare(ctx JobContext) error {
	for _, key := range v1.PrimaryKeys() {
		src, ok := ctx.PrimaryWorkspaces[key]
		if !ok {
			continue
		}
		link := filepath.Join(ctx.Workspace, string(key))
		if err := os.Symlink(src, link); err != nil && !os.IsExist(err) {
			return fmt.Errorf("failed to mount %s workspace: %w", key, err)
		}
	}

	prompt := IntegrationPrompt(ctx.Objective)
	promptPath := filepath.Join(ctx.Workspace, "integration-prompt.md")
	if err := os.WriteFile(promptPath, []byte(prompt), 0644); err != nil {
		return fmt.Errorf("failed to write integration prompt: %w", err)
	}

	return a.family.Prepare(ctx)
}

// Plan delegates to the family adapter with the integration prompt as the
// objective.
func (a *IntegratorAdapter) Plan(ctx JobContext) (CommandPlan, error) {
	if ctx.Objective == "" {
		return CommandPlan{}, fmt.Errorf("objective is required")
	}
	ctx.Objective = IntegrationPrompt(ctx.Objective)
	return a.family.Plan(ctx)
}

func (a *IntegratorAdapter) InferProgress(line string) (string, bool) {
	return a.family.InferProgress(line)
}

// IntegrationPrompt wraps the job objective in the fan-in instructions.
func IntegrationPrompt(objective string) string {
	return fmt.Sprintf(integrationPromptTemplate,
		"./"+string(v1.AgentKeyPrimary1),
		"./"+string(v1.AgentKeyPrimary2),
		"./"+string(v1.AgentKeyPrimary3),
		objective)
}
