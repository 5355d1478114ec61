package agent

import (
	"context"

	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
)

// StubAdapter runs a fixed shell command instead of a real agent CLI.
// Tests and local smoke runs register it under the "stub" type.
type StubAdapter struct {
	// Command is passed to `sh -c`. When empty, the task prompt is used.
	Command string
	// Resumable makes the stub advertise session resume.
	Resumable bool
}

var _ Adapter = (*StubAdapter)(nil)

func (a *StubAdapter) Metadata() Metadata {
	return Metadata{Name: "stub", Version: "1"}
}

func (a *StubAdapter) command(task Task) string {
	if a.Command != "" {
		return a.Command
	}
	return task.Prompt
}

func (a *StubAdapter) BuildProcessConfig(task Task) (proc.Config, error) {
	return proc.Config{
		Executable: "sh",
		Args:       []string{"-c", a.command(task)},
		WorkDir:    task.WorkDir,
		Mode:       proc.ModeLine,
	}, nil
}

func (a *StubAdapter) BuildResumeProcessConfig(task Task, sessionID string) (proc.Config, error) {
	if !a.Resumable {
		return proc.Config{}, &NotImplementedError{AgentType: "stub", Operation: "session resume"}
	}
	return a.BuildProcessConfig(task)
}

func (a *StubAdapter) ValidateConfig(cfg map[string]any) []error { return nil }

func (a *StubAdapter) DefaultConfig() map[string]any { return nil }

func (a *StubAdapter) CheckAvailability(ctx context.Context) error {
	return checkExecutable("sh")
}

func (a *StubAdapter) SupportsSessionResume() bool { return a.Resumable }

func (a *StubAdapter) Normalizer() normalize.Normalizer {
	return &normalize.StreamJSON{}
}
