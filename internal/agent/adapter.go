// Package agent maintains the registry of coding-agent adapters: the glue
// that turns an abstract task into a concrete CLI invocation, plus
// availability verification and config validation.
package agent

import (
	"context"
	"fmt"

	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
)

// Task is one unit of work handed to an adapter.
type Task struct {
	Prompt  string         `json:"prompt"`
	WorkDir string         `json:"work_dir"`
	Config  map[string]any `json:"config,omitempty"`
}

// Metadata identifies an adapter.
type Metadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Adapter builds process configurations for one agent CLI.
type Adapter interface {
	Metadata() Metadata

	// BuildProcessConfig maps a task to the agent's CLI invocation.
	BuildProcessConfig(task Task) (proc.Config, error)

	// BuildResumeProcessConfig is the session-resume variant. Adapters
	// that do not support resume return *NotImplementedError.
	BuildResumeProcessConfig(task Task, sessionID string) (proc.Config, error)

	// ValidateConfig returns every problem found in the config map.
	ValidateConfig(cfg map[string]any) []error

	// DefaultConfig returns the adapter's baseline config.
	DefaultConfig() map[string]any

	// CheckAvailability verifies the agent CLI is runnable on this host.
	CheckAvailability(ctx context.Context) error

	// SupportsSessionResume reports whether resume is implemented.
	SupportsSessionResume() bool

	// Normalizer parses this agent's output stream.
	Normalizer() normalize.Normalizer
}

// NotFoundError means no adapter is registered for the agent type.
type NotFoundError struct {
	AgentType string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no adapter registered for agent type %q", e.AgentType)
}

// NotImplementedError marks an operation an adapter does not provide.
type NotImplementedError struct {
	AgentType string
	Operation string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("agent %s does not implement %s", e.AgentType, e.Operation)
}

// ConfigValidationError wraps the problems found in an agent config.
type ConfigValidationError struct {
	AgentType string
	Problems  []error
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("invalid config for agent %s: %d problem(s), first: %v",
		e.AgentType, len(e.Problems), e.Problems[0])
}
