package workflow

import (
	"fmt"
	"strings"
)

// CycleError reports every dependency cycle found during DAG construction.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = "[" + strings.Join(c, " -> ") + "]"
	}
	return fmt.Sprintf("workflow has %d dependency cycle(s): %s",
		len(e.Cycles), strings.Join(parts, ", "))
}

// StateError marks an operation invalid in the workflow's current state.
type StateError struct {
	WorkflowID string
	Status     string
	Operation  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s workflow %s in state %s", e.Operation, e.WorkflowID, e.Status)
}

// StepNotFoundError names a step id missing from the workflow.
type StepNotFoundError struct {
	WorkflowID string
	StepID     string
}

func (e *StepNotFoundError) Error() string {
	return fmt.Sprintf("workflow %s has no step %s", e.WorkflowID, e.StepID)
}
