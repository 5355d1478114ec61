package workflow

import (
	"context"
	"fmt"
	"sort"

	"github.com/sudocode-ai/sudocode/internal/entity"
	"github.com/sudocode-ai/sudocode/internal/store"
)

// dependency relationship types. "depends_on" points at the prerequisite;
// "blocks" is the inverse edge as seen from the prerequisite.
const (
	relDependsOn = "depends_on"
	relBlocks    = "blocks"
	relParent    = "parent"
)

// resolveIssueIDs maps a workflow source to its ordered issue id set.
func resolveIssueIDs(ctx context.Context, st *store.Store, source store.WorkflowSource) ([]string, error) {
	switch source.Type {
	case store.SourceIssues:
		if len(source.IssueIDs) == 0 {
			return nil, fmt.Errorf("issues source needs at least one issue id")
		}
		return source.IssueIDs, nil

	case store.SourceSpec:
		if source.SpecID == "" {
			return nil, fmt.Errorf("spec source needs a spec id")
		}
		issues, err := st.ListEntities(ctx, entity.KindIssue)
		if err != nil {
			return nil, err
		}
		var ids []string
		for _, issue := range issues {
			for _, rel := range issue.Relationships {
				if rel.Type == relParent && rel.ToID == source.SpecID {
					ids = append(ids, issue.ID)
					break
				}
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("spec %s has no child issues", source.SpecID)
		}
		return ids, nil

	case store.SourceRootIssue:
		if source.RootIssueID == "" {
			return nil, fmt.Errorf("root_issue source needs a root issue id")
		}
		return rootClosure(ctx, st, source.RootIssueID)

	case store.SourceGoal:
		// Goal workflows start empty; an orchestrator appends steps later.
		return nil, nil
	}
	return nil, fmt.Errorf("unknown workflow source type %q", source.Type)
}

// rootClosure collects the root issue, its transitive children, and every
// dependency reachable from that set.
func rootClosure(ctx context.Context, st *store.Store, rootID string) ([]string, error) {
	issues, err := st.ListEntities(ctx, entity.KindIssue)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*entity.Entity, len(issues))
	children := make(map[string][]string)
	for i := range issues {
		issue := &issues[i]
		byID[issue.ID] = issue
		for _, rel := range issue.Relationships {
			if rel.Type == relParent {
				children[rel.ToID] = append(children[rel.ToID], issue.ID)
			}
		}
	}
	if _, ok := byID[rootID]; !ok {
		return nil, fmt.Errorf("root issue %s not found", rootID)
	}

	seen := map[string]bool{}
	var order []string
	var visit func(id string)
	visit = func(id string) {
		if seen[id] {
			return
		}
		seen[id] = true
		order = append(order, id)
		kids := append([]string(nil), children[id]...)
		sort.Strings(kids)
		for _, kid := range kids {
			visit(kid)
		}
		if issue, ok := byID[id]; ok {
			for _, rel := range issue.Relationships {
				if rel.Type == relDependsOn && byID[rel.ToID] != nil {
					visit(rel.ToID)
				}
			}
		}
	}
	visit(rootID)
	return order, nil
}

// buildSteps constructs one step per issue and wires dependencies from the
// issue-relationship graph restricted to the resolved set.
func buildSteps(ctx context.Context, st *store.Store, workflowID string, issueIDs []string, newStepID func() string) ([]*store.WorkflowStep, error) {
	inSet := make(map[string]bool, len(issueIDs))
	for _, id := range issueIDs {
		inSet[id] = true
	}
	stepByIssue := make(map[string]*store.WorkflowStep, len(issueIDs))
	steps := make([]*store.WorkflowStep, 0, len(issueIDs))
	for i, issueID := range issueIDs {
		step := &store.WorkflowStep{
			ID:         newStepID(),
			WorkflowID: workflowID,
			IssueID:    issueID,
			Index:      i,
			Status:     store.StepPending,
		}
		stepByIssue[issueID] = step
		steps = append(steps, step)
	}

	for _, issueID := range issueIDs {
		issue, err := st.GetEntityByID(ctx, entity.KindIssue, issueID)
		if err != nil {
			if store.IsNotFound(err) {
				return nil, fmt.Errorf("issue %s not found", issueID)
			}
			return nil, err
		}
		step := stepByIssue[issueID]
		for _, rel := range issue.Relationships {
			switch rel.Type {
			case relDependsOn:
				// This issue needs rel.ToID first.
				if dep, ok := stepByIssue[rel.ToID]; ok && inSet[rel.ToID] {
					step.Dependencies = appendUnique(step.Dependencies, dep.ID)
				}
			case relBlocks:
				// This issue must complete before rel.ToID.
				if dependent, ok := stepByIssue[rel.ToID]; ok && inSet[rel.ToID] {
					dependent.Dependencies = appendUnique(dependent.Dependencies, step.ID)
				}
			}
		}
	}
	for _, step := range steps {
		sort.Strings(step.Dependencies)
	}
	return steps, nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// findCycles runs DFS color-marking over the step dependency graph and
// returns every cycle found, expressed in issue ids.
func findCycles(steps []*store.WorkflowStep) [][]string {
	byID := make(map[string]*store.WorkflowStep, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var cycles [][]string
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)
		step := byID[id]
		for _, dep := range step.Dependencies {
			if byID[dep] == nil {
				continue
			}
			switch color[dep] {
			case white:
				visit(dep)
			case gray:
				// Back edge: slice the stack from dep to here.
				start := len(stack) - 1
				for start >= 0 && stack[start] != dep {
					start--
				}
				cycle := make([]string, 0, len(stack)-start)
				for _, sid := range stack[start:] {
					cycle = append(cycle, byID[sid].IssueID)
				}
				cycles = append(cycles, cycle)
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, s := range steps {
		if color[s.ID] == white {
			visit(s.ID)
		}
	}
	return cycles
}

// dependents returns the step ids that transitively depend on rootStepID.
func dependents(steps []*store.WorkflowStep, rootStepID string) []string {
	forward := make(map[string][]string) // dep -> steps depending on it
	for _, s := range steps {
		for _, dep := range s.Dependencies {
			forward[dep] = append(forward[dep], s.ID)
		}
	}
	seen := map[string]bool{}
	var out []string
	var visit func(id string)
	visit = func(id string) {
		for _, next := range forward[id] {
			if !seen[next] {
				seen[next] = true
				out = append(out, next)
				visit(next)
			}
		}
	}
	visit(rootStepID)
	sort.Strings(out)
	return out
}
