package workflow

import (
	"context"

	"github.com/sudocode-ai/sudocode/internal/store"
)

// Pause flags a running workflow; the current step completes before the
// loop exits into paused.
func (e *Engine) Pause(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != store.WorkflowRunning {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "pause"}
	}
	e.mu.Lock()
	ctl := e.active[workflowID]
	e.mu.Unlock()
	if ctl == nil {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "pause"}
	}
	ctl.mu.Lock()
	ctl.pause = true
	ctl.mu.Unlock()
	e.logger.Info("workflow pause requested", "workflowId", workflowID)
	return nil
}

// Resume restarts a paused workflow's scheduler loop.
func (e *Engine) Resume(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status != store.WorkflowPaused {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "resume"}
	}
	return e.Start(ctx, workflowID)
}

// Cancel moves any non-terminal workflow to cancelled and cancels the
// currently tracked execution, if any.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "cancel"}
	}

	e.mu.Lock()
	ctl := e.active[workflowID]
	e.mu.Unlock()

	if ctl != nil {
		ctl.mu.Lock()
		ctl.cancel = true
		execID := ctl.currentExec
		ctl.mu.Unlock()
		if execID != "" {
			if cerr := e.runner.Cancel(ctx, execID); cerr != nil {
				e.logger.Error("cancel current execution", "executionId", execID, "error", cerr)
			}
		}
		return nil
	}

	// No loop running (pending or paused): finalize directly.
	e.finish(ctx, w, store.WorkflowCancelled)
	return nil
}

// RetryStep returns a failed step to pending, unblocks its transitive
// dependents, and resumes the workflow if it was paused.
func (e *Engine) RetryStep(ctx context.Context, workflowID, stepID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "retry step in"}
	}
	step := stepByID(w.Steps, stepID)
	if step == nil {
		return &StepNotFoundError{WorkflowID: workflowID, StepID: stepID}
	}
	if step.Status != store.StepFailed {
		return &StateError{WorkflowID: workflowID, Status: string(step.Status), Operation: "retry step in"}
	}

	step.Status = store.StepPending
	step.Error = ""
	step.ExecutionID = ""
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	for _, id := range dependents(w.Steps, stepID) {
		dep := stepByID(w.Steps, id)
		if dep == nil || dep.Status != store.StepBlocked {
			continue
		}
		dep.Status = store.StepPending
		dep.Error = ""
		if err := e.store.UpdateStep(ctx, dep); err != nil {
			return err
		}
	}
	if w.Status == store.WorkflowPaused {
		return e.Start(ctx, workflowID)
	}
	return nil
}

// SkipStep marks a step skipped, treats it as a failed step under the
// current policy (skipping or blocking its dependents), and resumes the
// workflow if it was paused.
func (e *Engine) SkipStep(ctx context.Context, workflowID, stepID string) error {
	w, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	if w.Status.Terminal() {
		return &StateError{WorkflowID: workflowID, Status: string(w.Status), Operation: "skip step in"}
	}
	step := stepByID(w.Steps, stepID)
	if step == nil {
		return &StepNotFoundError{WorkflowID: workflowID, StepID: stepID}
	}
	if step.Status == store.StepRunning {
		return &StateError{WorkflowID: workflowID, Status: string(step.Status), Operation: "skip running step in"}
	}

	step.Status = store.StepSkipped
	step.Error = "skipped by operator"
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return err
	}
	switch w.Config.OnFailure {
	case store.FailSkipDependents:
		for _, id := range dependents(w.Steps, stepID) {
			dep := stepByID(w.Steps, id)
			if dep == nil || (dep.Status != store.StepPending && dep.Status != store.StepReady) {
				continue
			}
			dep.Status = store.StepSkipped
			dep.Error = "Dependency " + stepID + " skipped"
			if err := e.store.UpdateStep(ctx, dep); err != nil {
				return err
			}
		}
	case store.FailContinue:
		for _, id := range dependents(w.Steps, stepID) {
			dep := stepByID(w.Steps, id)
			if dep == nil || (dep.Status != store.StepPending && dep.Status != store.StepReady) {
				continue
			}
			dep.Status = store.StepBlocked
			dep.Error = "Dependency " + stepID + " skipped"
			if err := e.store.UpdateStep(ctx, dep); err != nil {
				return err
			}
		}
	}
	if w.Status == store.WorkflowPaused {
		return e.Start(ctx, workflowID)
	}
	return nil
}
