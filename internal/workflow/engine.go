// Package workflow drives DAG-ordered execution of issue steps with
// configurable failure policies, optional auto-commit, and external
// pause/resume/cancel controls.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sudocode-ai/sudocode/internal/agent"
	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/events"
	"github.com/sudocode-ai/sudocode/internal/executor"
	"github.com/sudocode-ai/sudocode/internal/gitutil"
	"github.com/sudocode-ai/sudocode/internal/ids"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithPollInterval overrides the 1 Hz execution poll, for tests.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithStepTimeout overrides the per-step hard cap.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// controller holds the external-control flags for one running workflow.
type controller struct {
	mu          sync.Mutex
	pause       bool
	cancel      bool
	currentExec string
	done        chan struct{}
}

func (c *controller) flags() (pause, cancel bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pause, c.cancel
}

// Engine schedules workflows. One Engine serves the process; each Start
// call owns one scheduler loop.
type Engine struct {
	store        *store.Store
	runner       *executor.Runner
	transports   *events.TransportManager
	workspaceDir string
	logger       *slog.Logger
	pollInterval time.Duration
	stepTimeout  time.Duration

	mu     sync.Mutex
	active map[string]*controller
}

// NewEngine wires the engine's collaborators. workspaceDir is the
// repository root executions run in when no worktree is configured.
func NewEngine(st *store.Store, runner *executor.Runner, tm *events.TransportManager, workspaceDir string, opts ...Option) *Engine {
	e := &Engine{
		store:        st,
		runner:       runner,
		transports:   tm,
		workspaceDir: workspaceDir,
		logger:       slog.New(slog.DiscardHandler),
		pollInterval: time.Second,
		stepTimeout:  time.Hour,
		active:       make(map[string]*controller),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	Title      string
	Source     store.WorkflowSource
	Config     store.WorkflowConfig
	BaseBranch string
}

// Create resolves the source to steps, verifies acyclicity and persists
// the workflow in pending. Cycles fail with *CycleError.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*store.Workflow, error) {
	issueIDs, err := resolveIssueIDs(ctx, e.store, req.Source)
	if err != nil {
		return nil, err
	}
	if req.Config.OnFailure == "" {
		req.Config.OnFailure = store.FailStop
	}
	if req.Config.Parallelism == "" {
		req.Config.Parallelism = "sequential"
	}
	if req.Config.MaxConcurrency <= 0 {
		req.Config.MaxConcurrency = 1
	}

	w := &store.Workflow{
		ID:           ids.NewWorkflowID(),
		Title:        req.Title,
		Source:       req.Source,
		BaseBranch:   req.BaseBranch,
		WorktreePath: req.Config.ReuseWorktreePath,
		Status:       store.WorkflowPending,
		Config:       req.Config,
	}
	steps, err := buildSteps(ctx, e.store, w.ID, issueIDs, func() string { return ids.NewHashID("s") })
	if err != nil {
		return nil, err
	}
	if cycles := findCycles(steps); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}
	w.Steps = steps
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	e.logger.Info("workflow created", "workflowId", w.ID, "steps", len(steps))
	return w, nil
}

// AppendStep adds a step to a goal-source workflow at runtime, preserving
// DAG acyclicity. dependencies name existing step ids.
func (e *Engine) AppendStep(ctx context.Context, workflowID, issueID string, dependencies []string) (*store.WorkflowStep, error) {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if w.Status.Terminal() {
		return nil, &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "append step to"}
	}
	known := map[string]bool{}
	for _, s := range w.Steps {
		known[s.ID] = true
	}
	for _, dep := range dependencies {
		if !known[dep] {
			return nil, &StepNotFoundError{WorkflowID: workflowID, StepID: dep}
		}
	}
	step := &store.WorkflowStep{
		ID:           ids.NewHashID("s"),
		WorkflowID:   workflowID,
		IssueID:      issueID,
		Index:        len(w.Steps),
		Dependencies: dependencies,
		Status:       store.StepPending,
	}
	candidate := append(append([]*store.WorkflowStep(nil), w.Steps...), step)
	if cycles := findCycles(candidate); len(cycles) > 0 {
		return nil, &CycleError{Cycles: cycles}
	}
	w.Steps = candidate
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		return nil, err
	}
	return step, nil
}

// Start moves a pending or paused workflow to running and launches its
// scheduler loop.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	switch w.Status {
	case store.WorkflowPending, store.WorkflowPaused:
	default:
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "start"}
	}

	e.mu.Lock()
	if _, running := e.active[workflowID]; running {
		e.mu.Unlock()
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "start already-running"}
	}
	ctl := &controller{done: make(chan struct{})}
	e.active[workflowID] = ctl
	e.mu.Unlock()

	if err := e.provisionWorktree(w); err != nil {
		e.dropController(workflowID)
		close(ctl.done)
		return err
	}

	w.Status = store.WorkflowRunning
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.dropController(workflowID)
		close(ctl.done)
		return err
	}
	e.emitWorkflow(w.ID, events.EventWorkflowStatus, map[string]any{"status": string(w.Status)})

	go func() {
		// Drop the controller before releasing waiters so a Wait-then-Start
		// sequence never races the active map.
		defer close(ctl.done)
		defer e.dropController(workflowID)
		e.loop(context.WithoutCancel(ctx), w, ctl)
	}()
	return nil
}

// Wait blocks until the workflow's scheduler loop exits. Mainly for tests
// and the CLI.
func (e *Engine) Wait(workflowID string) {
	e.mu.Lock()
	ctl := e.active[workflowID]
	e.mu.Unlock()
	if ctl != nil {
		<-ctl.done
	}
}

func (e *Engine) dropController(workflowID string) {
	e.mu.Lock()
	delete(e.active, workflowID)
	e.mu.Unlock()
}

// workflowBranch names the branch a provisioned workflow commits to.
func workflowBranch(workflowID string) string {
	return "workflow/" + workflowID
}

// provisionWorktree creates the workflow branch off the base branch and
// checks it out into a dedicated worktree under .sudocode/worktrees.
// A workflow resuming with a worktree, or configured to reuse one, is
// left alone.
func (e *Engine) provisionWorktree(w *store.Workflow) error {
	if !w.Config.CreateBaseBranch || w.WorktreePath != "" {
		return nil
	}
	if !gitutil.IsRepo(e.workspaceDir) {
		return fmt.Errorf("workflow %s: create_base_branch set but %s is not a git repository", w.ID, e.workspaceDir)
	}
	if w.BaseBranch == "" {
		branch, err := gitutil.CurrentBranch(e.workspaceDir)
		if err != nil {
			return fmt.Errorf("workflow %s: resolve base branch: %w", w.ID, err)
		}
		w.BaseBranch = branch
	}
	branch := workflowBranch(w.ID)
	if err := gitutil.CreateBranchAt(e.workspaceDir, branch, w.BaseBranch); err != nil {
		return err
	}
	path := filepath.Join(e.workspaceDir, ".sudocode", "worktrees", w.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := gitutil.AddWorktree(e.workspaceDir, path, branch); err != nil {
		return err
	}
	w.WorktreePath = path
	e.logger.Info("worktree provisioned", "workflowId", w.ID, "branch", branch, "path", path)
	return nil
}

// releaseWorktree tears down an engine-provisioned worktree once the
// workflow terminates. The branch stays for review; with a push remote
// configured, a completed workflow's branch is pushed first. Best effort
// either way.
func (e *Engine) releaseWorktree(w *store.Workflow, status store.WorkflowStatus) {
	if !w.Config.CreateBaseBranch || w.WorktreePath == "" || w.Config.ReuseWorktreePath != "" {
		return
	}
	if status == store.WorkflowCompleted && w.Config.PushRemote != "" {
		if err := gitutil.PushBranch(e.workspaceDir, w.Config.PushRemote, workflowBranch(w.ID)); err != nil {
			e.logger.Warn("push workflow branch", "workflowId", w.ID, "remote", w.Config.PushRemote, "error", err)
		}
	}
	if err := gitutil.RemoveWorktree(e.workspaceDir, w.WorktreePath); err != nil {
		e.logger.Warn("remove worktree", "workflowId", w.ID, "error", err)
	}
}

// loop is the scheduler main loop: run ready steps until the workflow
// terminates or pauses.
func (e *Engine) loop(ctx context.Context, w *store.Workflow, ctl *controller) {
	for {
		if pause, cancel := ctl.flags(); cancel {
			e.finish(ctx, w, store.WorkflowCancelled)
			return
		} else if pause {
			e.finish(ctx, w, store.WorkflowPaused)
			return
		}

		if allTerminal(w.Steps) {
			e.finish(ctx, w, store.WorkflowCompleted)
			return
		}

		ready := readySteps(w.Steps)
		if len(ready) == 0 {
			// Nothing schedulable but steps remain. Park the workflow in
			// paused so RetryStep/SkipStep can restart it; the loop must
			// never exit leaving the status running.
			if anyInStatus(w.Steps, store.StepBlocked) || anyInStatus(w.Steps, store.StepFailed) {
				e.logger.Info("workflow stuck awaiting action", "workflowId", w.ID)
			} else {
				e.logger.Warn("no ready steps and none failed; pausing", "workflowId", w.ID)
			}
			e.finish(ctx, w, store.WorkflowPaused)
			return
		}

		batch := ready[:1]
		if w.Config.Parallelism == "parallel" {
			n := w.Config.MaxConcurrency
			if n > len(ready) {
				n = len(ready)
			}
			batch = ready[:n]
		}
		// Within a batch execution stays sequential against the shared
		// worktree; commits must not interleave.
		for _, step := range batch {
			if pause, cancel := ctl.flags(); pause || cancel {
				break
			}
			failed := e.executeStep(ctx, w, step, ctl)
			if failed {
				if exit := e.applyFailurePolicy(ctx, w, step, ctl); exit {
					return
				}
			}
		}
	}
}

func (e *Engine) finish(ctx context.Context, w *store.Workflow, status store.WorkflowStatus) {
	w.Status = status
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.logger.Error("persist workflow status", "workflowId", w.ID, "error", err)
	}
	if status.Terminal() {
		e.releaseWorktree(w, status)
	}
	e.emitWorkflow(w.ID, events.EventWorkflowStatus, map[string]any{"status": string(status)})
	e.logger.Info("workflow status", "workflowId", w.ID, "status", status)
}

// executeStep runs one step end to end and reports whether it failed.
func (e *Engine) executeStep(ctx context.Context, w *store.Workflow, step *store.WorkflowStep, ctl *controller) bool {
	issue, err := e.store.GetEntityByID(ctx, entity.KindIssue, step.IssueID)
	if err != nil {
		e.failStep(ctx, w, step, fmt.Sprintf("issue %s not found", step.IssueID))
		return true
	}

	executionID := ids.NewExecutionID()
	workDir := e.workDirFor(w)
	exec := &store.Execution{
		ID:            executionID,
		IssueID:       step.IssueID,
		WorkspacePath: e.workspaceDir,
		WorktreePath:  w.WorktreePath,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		e.failStep(ctx, w, step, err.Error())
		return true
	}

	step.Status = store.StepRunning
	step.ExecutionID = executionID
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("persist step", "stepId", step.ID, "error", err)
	}
	ctl.mu.Lock()
	ctl.currentExec = executionID
	ctl.mu.Unlock()
	e.emitWorkflow(w.ID, events.EventWorkflowStepStarted, map[string]any{
		"stepId": step.ID, "issueId": step.IssueID, "executionId": executionID,
	})

	agentType := w.Config.DefaultAgentType
	if agentType == "" {
		agentType = "claude"
	}
	task := agent.Task{
		Prompt:  e.buildPrompt(w, step, issue),
		WorkDir: workDir,
	}
	go func() {
		if err := e.runner.Execute(ctx, executionID, agentType, task); err != nil {
			e.logger.Debug("step execution returned error", "executionId", executionID, "error", err)
		}
	}()

	final := e.awaitExecution(ctx, executionID)

	ctl.mu.Lock()
	ctl.currentExec = ""
	ctl.mu.Unlock()

	if final != store.ExecCompleted {
		msg := fmt.Sprintf("execution %s ended %s", executionID, final)
		if ex, gerr := e.store.GetExecution(ctx, executionID); gerr == nil && ex.ErrorMessage != "" {
			msg = ex.ErrorMessage
		}
		e.failStep(ctx, w, step, msg)
		return true
	}

	var changedFiles []string
	if w.Config.AutoCommitAfterStep && w.WorktreePath != "" {
		sha, files, cerr := e.commitStep(w, step, issue)
		if cerr != nil {
			e.logger.Warn("auto-commit failed", "stepId", step.ID, "error", cerr)
		} else if sha != "" {
			step.CommitSHA = sha
			changedFiles = files
			e.store.SetExecutionCommits(ctx, executionID, "", sha)
		}
	}

	step.Status = store.StepCompleted
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("persist step", "stepId", step.ID, "error", err)
	}
	// Closing the issue is best effort.
	if err := e.store.CloseIssue(ctx, step.IssueID); err != nil {
		e.logger.Warn("close issue", "issueId", step.IssueID, "error", err)
	}
	e.advanceStepIndex(ctx, w)
	e.emitWorkflow(w.ID, events.EventWorkflowStepCompleted, map[string]any{
		"stepId": step.ID, "issueId": step.IssueID, "commitSha": step.CommitSHA,
		"files": changedFiles,
	})
	return false
}

// awaitExecution polls at the engine's poll interval until the execution
// is terminal or the hard cap expires.
func (e *Engine) awaitExecution(ctx context.Context, executionID string) store.ExecutionStatus {
	deadline := time.Now().Add(e.stepTimeout)
	for {
		exec, err := e.store.GetExecution(ctx, executionID)
		if err == nil && exec.Status.Terminal() {
			return exec.Status
		}
		if time.Now().After(deadline) {
			if cerr := e.runner.Cancel(ctx, executionID); cerr != nil {
				e.logger.Error("cancel timed-out execution", "executionId", executionID, "error", cerr)
			}
			return store.ExecStopped
		}
		time.Sleep(e.pollInterval)
	}
}

func (e *Engine) workDirFor(w *store.Workflow) string {
	if w.WorktreePath != "" {
		return w.WorktreePath
	}
	return e.workspaceDir
}

// buildPrompt combines the issue body with a workflow-context footer.
func (e *Engine) buildPrompt(w *store.Workflow, step *store.WorkflowStep, issue *entity.Entity) string {
	var b strings.Builder
	b.WriteString(issue.Title)
	if issue.Content != "" {
		b.WriteString("\n\n")
		b.WriteString(issue.Content)
	}
	fmt.Fprintf(&b, "\n\n## Workflow Context\nWorkflow: %s\nStep: %d of %d\nIssue: %s\n",
		w.Title, step.Index+1, len(w.Steps), step.IssueID)
	return b.String()
}

// CommitMessage builds the deterministic auto-commit message. Double
// quotes in titles are escaped.
func CommitMessage(stepNum, total int, issueID, issueTitle, workflowTitle string) string {
	esc := func(s string) string { return strings.ReplaceAll(s, `"`, `\"`) }
	return fmt.Sprintf("[Workflow %d/%d] %s: %s\n\nWorkflow: %s\nStep: %d of %d",
		stepNum, total, issueID, esc(issueTitle), esc(workflowTitle), stepNum, total)
}

// commitStep stages and commits the worktree, reporting the new SHA and
// the files it touched. An unchanged worktree produces no commit and
// returns "".
func (e *Engine) commitStep(w *store.Workflow, step *store.WorkflowStep, issue *entity.Entity) (string, []string, error) {
	clean, err := gitutil.IsClean(w.WorktreePath)
	if err != nil {
		return "", nil, err
	}
	if clean {
		return "", nil, nil
	}
	before, err := gitutil.HeadSHA(w.WorktreePath)
	if err != nil {
		return "", nil, err
	}
	msg := CommitMessage(step.Index+1, len(w.Steps), step.IssueID, issue.Title, w.Title)
	sha, err := gitutil.CommitAll(w.WorktreePath, msg)
	if err != nil || sha == "" {
		return sha, nil, err
	}
	files, derr := gitutil.DiffNameOnly(w.WorktreePath, before)
	if derr != nil {
		e.logger.Warn("diff committed step", "stepId", step.ID, "error", derr)
	}
	return sha, files, nil
}

func (e *Engine) failStep(ctx context.Context, w *store.Workflow, step *store.WorkflowStep, msg string) {
	step.Status = store.StepFailed
	step.Error = msg
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error("persist step", "stepId", step.ID, "error", err)
	}
	e.advanceStepIndex(ctx, w)
	e.emitWorkflow(w.ID, events.EventWorkflowStepFailed, map[string]any{
		"stepId": step.ID, "issueId": step.IssueID, "error": msg,
	})
	e.logger.Warn("step failed", "workflowId", w.ID, "stepId", step.ID, "error", msg)
}

// advanceStepIndex bumps currentStepIndex once per attempted step. It
// never decreases.
func (e *Engine) advanceStepIndex(ctx context.Context, w *store.Workflow) {
	w.CurrentStepIndex++
	if err := e.store.SaveWorkflow(ctx, w); err != nil {
		e.logger.Error("persist workflow", "workflowId", w.ID, "error", err)
	}
}

// applyFailurePolicy reacts to a failed step per the configured policy.
// A true return means the workflow is finished and the loop must exit.
func (e *Engine) applyFailurePolicy(ctx context.Context, w *store.Workflow, failed *store.WorkflowStep, ctl *controller) bool {
	switch w.Config.OnFailure {
	case store.FailStop:
		e.finish(ctx, w, store.WorkflowFailed)
		return true

	case store.FailPause:
		ctl.mu.Lock()
		ctl.pause = true
		ctl.mu.Unlock()
		return false

	case store.FailSkipDependents:
		for _, id := range dependents(w.Steps, failed.ID) {
			step := stepByID(w.Steps, id)
			if step == nil || (step.Status != store.StepPending && step.Status != store.StepReady) {
				continue
			}
			step.Status = store.StepSkipped
			step.Error = fmt.Sprintf("Dependency %s failed", failed.ID)
			if err := e.store.UpdateStep(ctx, step); err != nil {
				e.logger.Error("persist step", "stepId", step.ID, "error", err)
			}
			e.emitWorkflow(w.ID, events.EventWorkflowStepSkipped, map[string]any{
				"stepId": step.ID, "issueId": step.IssueID, "reason": step.Error,
			})
		}
		return false

	case store.FailContinue:
		for _, id := range dependents(w.Steps, failed.ID) {
			step := stepByID(w.Steps, id)
			if step == nil || (step.Status != store.StepPending && step.Status != store.StepReady) {
				continue
			}
			step.Status = store.StepBlocked
			step.Error = fmt.Sprintf("Dependency %s failed", failed.ID)
			if err := e.store.UpdateStep(ctx, step); err != nil {
				e.logger.Error("persist step", "stepId", step.ID, "error", err)
			}
		}
		return false
	}
	return false
}

func (e *Engine) emitWorkflow(workflowID string, typ events.EventType, data map[string]any) {
	e.transports.Emit(workflowID, events.NewEvent(typ, workflowID, data))
}

// allTerminal treats a policy-handled failed step as terminal too: a
// workflow whose failure policy skipped or blocked the dependents still
// completes once nothing is left to schedule.
func allTerminal(steps []*store.WorkflowStep) bool {
	for _, s := range steps {
		if !s.Status.Terminal() {
			return false
		}
	}
	return len(steps) > 0
}

func anyInStatus(steps []*store.WorkflowStep, status store.StepStatus) bool {
	for _, s := range steps {
		if s.Status == status {
			return true
		}
	}
	return false
}

// readySteps returns pending steps whose dependencies are all completed,
// in index order.
func readySteps(steps []*store.WorkflowStep) []*store.WorkflowStep {
	byID := make(map[string]*store.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}
	var ready []*store.WorkflowStep
	for _, s := range steps {
		if s.Status != store.StepPending {
			continue
		}
		ok := true
		for _, dep := range s.Dependencies {
			if d := byID[dep]; d == nil || d.Status != store.StepCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, s)
		}
	}
	return ready
}

func stepByID(steps []*store.WorkflowStep, id string) *store.WorkflowStep {
	for _, s := range steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}
