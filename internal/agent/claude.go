package agent

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
)

// claudeConfigSchema constrains the claude adapter's config map.
const claudeConfigSchema = `{
	"type": "object",
	"properties": {
		"model": {"type": "string"},
		"executable": {"type": "string"},
		"max_turns": {"type": "integer", "minimum": 1},
		"allowed_tools": {"type": "array", "items": {"type": "string"}},
		"dangerously_skip_permissions": {"type": "boolean"}
	},
	"additionalProperties": true
}`

// ClaudeAdapter drives the claude CLI in stream-json mode.
type ClaudeAdapter struct {
	schema *jsonschema.Schema
}

// NewClaudeAdapter compiles the config schema once.
func NewClaudeAdapter() *ClaudeAdapter {
	return &ClaudeAdapter{schema: mustCompileSchema(claudeConfigSchema)}
}

var _ Adapter = (*ClaudeAdapter)(nil)

func (a *ClaudeAdapter) Metadata() Metadata {
	return Metadata{Name: "claude", Version: "1"}
}

func (a *ClaudeAdapter) executable(cfg map[string]any) string {
	if exe, ok := cfg["executable"].(string); ok && exe != "" {
		return exe
	}
	return "claude"
}

func (a *ClaudeAdapter) buildArgs(task Task, resumeSessionID string) []string {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if resumeSessionID != "" {
		args = append(args, "--resume", resumeSessionID)
	}
	if model, ok := task.Config["model"].(string); ok && model != "" {
		args = append(args, "--model", model)
	}
	if maxTurns, ok := task.Config["max_turns"].(float64); ok && maxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", int(maxTurns)))
	}
	if tools, ok := task.Config["allowed_tools"].([]any); ok && len(tools) > 0 {
		names := make([]string, 0, len(tools))
		for _, t := range tools {
			if s, ok := t.(string); ok {
				names = append(names, s)
			}
		}
		args = append(args, "--allowedTools", strings.Join(names, ","))
	}
	if skip, ok := task.Config["dangerously_skip_permissions"].(bool); ok && skip {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

func (a *ClaudeAdapter) BuildProcessConfig(task Task) (proc.Config, error) {
	if problems := a.ValidateConfig(task.Config); len(problems) > 0 {
		return proc.Config{}, &ConfigValidationError{AgentType: "claude", Problems: problems}
	}
	return proc.Config{
		Executable: a.executable(task.Config),
		Args:       a.buildArgs(task, ""),
		WorkDir:    task.WorkDir,
		Mode:       proc.ModeLine,
		Stdin:      task.Prompt,
	}, nil
}

func (a *ClaudeAdapter) BuildResumeProcessConfig(task Task, sessionID string) (proc.Config, error) {
	if problems := a.ValidateConfig(task.Config); len(problems) > 0 {
		return proc.Config{}, &ConfigValidationError{AgentType: "claude", Problems: problems}
	}
	return proc.Config{
		Executable: a.executable(task.Config),
		Args:       a.buildArgs(task, sessionID),
		WorkDir:    task.WorkDir,
		Mode:       proc.ModeLine,
		Stdin:      task.Prompt,
	}, nil
}

func (a *ClaudeAdapter) ValidateConfig(cfg map[string]any) []error {
	return validateAgainst(a.schema, cfg)
}

func (a *ClaudeAdapter) DefaultConfig() map[string]any {
	return map[string]any{
		"model": "claude-sonnet-4-5",
	}
}

func (a *ClaudeAdapter) CheckAvailability(ctx context.Context) error {
	return checkExecutable(a.executable(nil))
}

func (a *ClaudeAdapter) SupportsSessionResume() bool { return true }

func (a *ClaudeAdapter) Normalizer() normalize.Normalizer {
	return &normalize.StreamJSON{}
}

func mustCompileSchema(schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile("schema.json")
}

func validateAgainst(schema *jsonschema.Schema, cfg map[string]any) []error {
	if cfg == nil {
		return nil
	}
	// jsonschema validates interface{} trees as produced by encoding/json.
	if err := schema.Validate(normalizeConfig(cfg)); err != nil {
		return []error{err}
	}
	return nil
}

// normalizeConfig converts typed values (ints, string slices) into the
// shapes json.Unmarshal would have produced, so hand-built config maps
// validate the same way decoded ones do.
func normalizeConfig(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = normalizeConfig(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = normalizeConfig(val)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case int:
		return float64(x)
	case int64:
		return float64(x)
	default:
		return v
	}
}

func checkExecutable(exe string) error {
	if _, err := exec.LookPath(exe); err != nil {
		return fmt.Errorf("cli binary not found: %s", exe)
	}
	return nil
}
