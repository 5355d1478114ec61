// Package executor binds the process supervisor, the output normalizer and
// the event transports into a single execution lifecycle backed by the
// database.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/normalize"
	"github.com/sudocode-ai/sudocode/internal/proc"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithKillGrace sets the SIGTERM-to-SIGKILL grace on cancellation.
func WithKillGrace(d time.Duration) Option {
	return func(r *Runner) { r.killGrace = d }
}

type activeExecution struct {
	handle    *proc.Handle
	processor *normalize.Processor
}

// Runner drives execution lifecycles. One Runner serves the whole process;
// each Execute call is one lifecycle.
type Runner struct {
	store      *store.Store
	supervisor *proc.Supervisor
	transports *events.TransportManager
	registry   *agent.Registry
	logger     *slog.Logger
	killGrace  time.Duration

	mu     sync.Mutex
	active map[string]*activeExecution
}

// NewRunner wires the runner's collaborators.
func NewRunner(st *store.Store, sup *proc.Supervisor, tm *events.TransportManager, reg *agent.Registry, opts ...Option) *Runner {
	r := &Runner{
		store:      st,
		supervisor: sup,
		transports: tm,
		registry:   reg,
		logger:     slog.New(slog.DiscardHandler),
		killGrace:  5 * time.Second,
		active:     make(map[string]*activeExecution),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the full lifecycle for an already-created execution row.
// It blocks until the child exits or ctx is cancelled, and guarantees the
// execution is never left in running when it returns.
func (r *Runner) Execute(ctx context.Context, executionID, agentType string, task agent.Task) error {
	ad, err := r.registry.Resolve(agentType)
	if err != nil {
		r.fail(ctx, executionID, nil, err)
		return err
	}
	if err := r.registry.VerifyAvailability(ctx, agentType); err != nil {
		r.fail(ctx, executionID, nil, err)
		return err
	}
	cfg, err := ad.BuildProcessConfig(task)
	if err != nil {
		r.fail(ctx, executionID, nil, err)
		return err
	}
	return r.run(ctx, executionID, ad, cfg, task)
}

// Resume re-attaches to an agent session. Fails immediately with a typed
// error when the adapter does not support session resume.
func (r *Runner) Resume(ctx context.Context, executionID, sessionID, agentType string, task agent.Task) error {
	ad, err := r.registry.Resolve(agentType)
	if err != nil {
		return err
	}
	if !ad.SupportsSessionResume() {
		return &agent.NotImplementedError{AgentType: agentType, Operation: "session resume"}
	}
	if err := r.registry.VerifyAvailability(ctx, agentType); err != nil {
		r.fail(ctx, executionID, nil, err)
		return err
	}
	cfg, err := ad.BuildResumeProcessConfig(task, sessionID)
	if err != nil {
		r.fail(ctx, executionID, nil, err)
		return err
	}
	return r.run(ctx, executionID, ad, cfg, task)
}

func (r *Runner) run(ctx context.Context, executionID string, ad agent.Adapter, cfg proc.Config, task agent.Task) (err error) {
	emitter := r.transports.Connect(executionID)
	defer r.transports.Disconnect(executionID)

	emitter.RunStarted()
	if dbErr := r.store.UpdateExecutionStatus(ctx, executionID, store.ExecRunning, ""); dbErr != nil {
		emitter.RunError(dbErr.Error())
		return dbErr
	}
	emitter.StateSnapshot(map[string]any{
		"executionId": executionID,
		"status":      string(store.ExecRunning),
		"workDir":     task.WorkDir,
	})

	handle, err := r.supervisor.Acquire(cfg, ad.SupportsSessionResume())
	if err != nil {
		r.fail(ctx, executionID, emitter, err)
		return err
	}

	processor := normalize.NewProcessor()
	r.track(executionID, handle, processor)
	defer r.untrack(executionID)

	// Stderr drains independently; its content is diagnostic only.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		r.drainStderr(executionID, handle)
	}()

	// Pump stdout through the normalizer. Per-entry handler errors are
	// logged, never fatal.
	ad.Normalizer().Run(ctx, handle.Stdout(), func(e normalize.Entry) {
		handle.TouchActivity()
		processor.Feed(e)
		payload, merr := json.Marshal(e)
		if merr != nil {
			r.logger.Error("marshal entry", "executionId", executionID, "error", merr)
		} else if perr := r.store.AppendEntry(ctx, executionID, e.Index, payload); perr != nil {
			r.logger.Error("persist entry", "executionId", executionID, "index", e.Index, "error", perr)
		}
		emitter.Entry(e)
	})

	<-handle.Done()
	<-stderrDone
	r.supervisor.Release(handle, false)

	_, code := handle.Exited()

	// A cancel may have raced the exit; a stopped execution stays stopped.
	if current, gerr := r.store.GetExecution(ctx, executionID); gerr == nil && current.Status == store.ExecStopped {
		emitter.RunError("execution stopped")
		return nil
	}

	if code == 0 {
		if dbErr := r.store.UpdateExecutionStatus(ctx, executionID, store.ExecCompleted, ""); dbErr != nil {
			r.logger.Error("finalize execution", "executionId", executionID, "error", dbErr)
		}
		emitter.RunFinished()
		r.logger.Info("execution completed", "executionId", executionID)
		return nil
	}

	msg := fmt.Sprintf("exit code %d", code)
	if dbErr := r.store.UpdateExecutionStatus(ctx, executionID, store.ExecFailed, msg); dbErr != nil {
		r.logger.Error("finalize execution", "executionId", executionID, "error", dbErr)
	}
	emitter.RunError(msg)
	r.logger.Warn("execution failed", "executionId", executionID, "exitCode", code)
	return fmt.Errorf("execution %s failed: %s", executionID, msg)
}

// fail finalizes an execution that never got a process off the ground.
func (r *Runner) fail(ctx context.Context, executionID string, emitter *events.Adapter, cause error) {
	if dbErr := r.store.UpdateExecutionStatus(ctx, executionID, store.ExecFailed, cause.Error()); dbErr != nil && !store.IsNotFound(dbErr) {
		r.logger.Error("record failure", "executionId", executionID, "error", dbErr)
	}
	if emitter != nil {
		emitter.RunError(cause.Error())
	} else {
		a := r.transports.Connect(executionID)
		a.RunError(cause.Error())
		r.transports.Disconnect(executionID)
	}
}

func (r *Runner) drainStderr(executionID string, handle *proc.Handle) {
	buf := make([]byte, 32*1024)
	for {
		n, err := handle.Stderr().Read(buf)
		if n > 0 {
			r.logger.Debug("agent stderr", "executionId", executionID, "output", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

func (r *Runner) track(executionID string, h *proc.Handle, p *normalize.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[executionID] = &activeExecution{handle: h, processor: p}
}

func (r *Runner) untrack(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, executionID)
}

// Processor returns the live metrics aggregate for a running execution,
// or nil once it has finished.
func (r *Runner) Processor(executionID string) *normalize.Processor {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[executionID]; ok {
		return a.processor
	}
	return nil
}

// Cancel SIGTERMs the tracked process, marks the execution stopped and
// broadcasts the change. Safe to call on a non-running execution.
func (r *Runner) Cancel(ctx context.Context, executionID string) error {
	exec, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.Terminal() {
		return nil
	}
	if err := r.store.UpdateExecutionStatus(ctx, executionID, store.ExecStopped, ""); err != nil {
		return err
	}

	r.mu.Lock()
	a := r.active[executionID]
	r.mu.Unlock()
	if a != nil {
		a.handle.Kill(r.killGrace)
	}
	r.logger.Info("execution cancelled", "executionId", executionID)
	return nil
}

// Shutdown cancels everything the runner still tracks.
func (r *Runner) Shutdown(ctx context.Context) {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		if err := r.Cancel(ctx, id); err != nil {
			r.logger.Error("shutdown cancel", "executionId", id, "error", err)
		}
	}
}
