package adapter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	v1 "github.com/codeswarm/codeswarm/pkg/api/v1"
)

// swarmConfigDir is the dotted sub-directory the swarm CLI reads its
// configuration from inside the workspace.
const swarmConfigDir = ".claude-flow-swarm"

// claudeConstitution primes the swarm CLI for complete, direct
// implementations instead of hedged partial output.
const claudeConstitution = `*This configuration optimizes Claude for direct, efficient pair programming with implicit mode adaptation and complete solution generation.*
## Core Operating Principles
### 1. Direct Implementation Philosophy
- Generate complete, working code that realizes the conceptualized solution
- Avoid partial implementations, mocks, or placeholders
### 2. Multi-Dimensional Analysis with Linear Execution
- Think at SYSTEM level in latent space
- Linearize complex thoughts into actionable strategies
### 3. Precision and Token Efficiency
- Eliminate unnecessary context or explanations
- Focus tokens on solution generation
## Execution Patterns
### Tool Usage Optimization
- Batch related operations for efficiency
- Execute in parallel where dependencies allow
## Anti-Patterns (STRICTLY AVOID)
### Implementation Hedging
**NEVER USE:** "In a full implementation...", "This is a simplified version...", "TODO", "mock", "fake", "stub"
### Unnecessary Qualifiers
**NEVER USE:** "profound", difficulty assessments, future tense deferrals ("would", "could", "should")
`

// ClaudeAdapter drives the claude-flow swarm CLI. The model is bound via
// the environment; the objective is a positional argument.
type ClaudeAdapter struct{}

func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{}
}

func (a *ClaudeAdapter) Kind() v1.AgentKind {
	return v1.AgentKindClaude
}

// Prepare writes the swarm configuration directory into the workspace:
// the CLAUDE.md constitution and the claude-flow.config.json tuning file.
func (a *ClaudeAdapter) Prepare(ctx JobContext) error {
	dir := filepath.Join(ctx.Workspace, swarmConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create swarm config dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte(claudeConstitution), 0644); err != nil {
		return fmt.Errorf("failed to write CLAUDE.md: %w", err)
	}

	cfg := map[string]any{
		"orchestrator": map[string]any{
			"maxConcurrentAgents": 10,
			"taskQueueSize":       100,
			"agentTimeoutMs":      1800000,
			"defaultAgentConfig": map[string]any{
				"model":       ctx.Model,
				"temperature": 0.7,
			},
		},
		"swarm": map[string]any{
			"strategy": "development",
			"maxAgents": 5,
			"maxDepth":  3,
			"timeout":   180,
		},
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal swarm config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "claude-flow.config.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write swarm config: %w", err)
	}
	return nil
}

// Plan builds the swarm invocation. Passing the objective as its own argv
// element keeps it quote-safe regardless of content.
func (a *ClaudeAdapter) Plan(ctx JobContext) (CommandPlan, error) {
	if ctx.Objective == "" {
		return CommandPlan{}, fmt.Errorf("objective is required")
	}
	return CommandPlan{
		Argv: []string{"claude-flow", "swarm", ctx.Objective},
		Env: []string{
			"ANTHROPIC_MODEL=" + ctx.Model,
			"ANTHROPIC_API_KEY=" + ctx.Credential,
		},
	}, nil
}

func (a *ClaudeAdapter) InferProgress(line string) (string, bool) {
	return inferProgress(line)
}
