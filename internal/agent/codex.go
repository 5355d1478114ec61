package agent

import (
	"context"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
)

const codexConfigSchema = `{
	"type": "object",
	"properties": {
		"model": {"type": "string"},
		"executable": {"type": "string"},
		"sandbox": {"type": "string", "enum": ["read-only", "workspace-write", "danger-full-access"]}
	},
	"additionalProperties": true
}`

// CodexAdapter drives the codex CLI in exec mode.
type CodexAdapter struct {
	schema *jsonschema.Schema
}

func NewCodexAdapter() *CodexAdapter {
	return &CodexAdapter{schema: mustCompileSchema(codexConfigSchema)}
}

var _ Adapter = (*CodexAdapter)(nil)

func (a *CodexAdapter) Metadata() Metadata {
	return Metadata{Name: "codex", Version: "1"}
}

func (a *CodexAdapter) executable(cfg map[string]any) string {
	if exe, ok := cfg["executable"].(string); ok && exe != "" {
		return exe
	}
	return "codex"
}

func (a *CodexAdapter) BuildProcessConfig(task Task) (proc.Config, error) {
	if problems := a.ValidateConfig(task.Config); len(problems) > 0 {
		return proc.Config{}, &ConfigValidationError{AgentType: "codex", Problems: problems}
	}
	args := []string{"exec", "--json"}
	if model, ok := task.Config["model"].(string); ok && model != "" {
		args = append(args, "--model", model)
	}
	if sandbox, ok := task.Config["sandbox"].(string); ok && sandbox != "" {
		args = append(args, "--sandbox", sandbox)
	}
	args = append(args, task.Prompt)
	return proc.Config{
		Executable: a.executable(task.Config),
		Args:       args,
		WorkDir:    task.WorkDir,
		Mode:       proc.ModeLine,
	}, nil
}

func (a *CodexAdapter) BuildResumeProcessConfig(task Task, sessionID string) (proc.Config, error) {
	return proc.Config{}, &NotImplementedError{AgentType: "codex", Operation: "session resume"}
}

func (a *CodexAdapter) ValidateConfig(cfg map[string]any) []error {
	return validateAgainst(a.schema, cfg)
}

func (a *CodexAdapter) DefaultConfig() map[string]any {
	return map[string]any{
		"sandbox": "workspace-write",
	}
}

func (a *CodexAdapter) CheckAvailability(ctx context.Context) error {
	return checkExecutable(a.executable(nil))
}

func (a *CodexAdapter) SupportsSessionResume() bool { return false }

func (a *CodexAdapter) Normalizer() normalize.Normalizer {
	return &normalize.StreamJSON{}
}
