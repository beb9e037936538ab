// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"fmt"
	"sort"
	"strings"
)

// Validation error codes.
const (
	CodeMissingSteps       = "MISSING_STEPS"
	CodeDuplicateStepNames = "DUPLICATE_STEP_NAMES"
	CodeNonSequentialOrder = "NON_SEQUENTIAL_ORDER"
	CodeDuplicateOrder     = "DUPLICATE_ORDER"
	CodeMissingDependency  = "MISSING_DEPENDENCY"
	CodeCircularDependency = "CIRCULAR_DEPENDENCY"
	CodeSelfDependency     = "SELF_DEPENDENCY"
	CodeUnreachableSteps   = "UNREACHABLE_STEPS"
	CodeBreakingChange     = "BREAKING_CHANGE"
)

// ValidationError is one structural problem found in a workflow graph.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	StepID  string `json:"step_id,omitempty"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationResult carries errors and advisory warnings.
type ValidationResult struct {
	Errors   []ValidationError `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
}

// IsValid reports whether the workflow has no structural errors.
func (r ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Resolver validates workflow graphs and computes execution layers.
// It is stateless and safe for concurrent use.
type Resolver struct{}

func NewResolver() *Resolver {
	return &Resolver{}
}

// Validate checks the workflow's structural invariants: non-empty step
// list, unique names, contiguous orders, resolvable dependencies, no
// self-references and no cycles, every step reachable from a root.
func (r *Resolver) Validate(workflow *WorkflowDefinition) ValidationResult {
	var result ValidationResult

	if len(workflow.Steps) == 0 {
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeMissingSteps,
			Message: "workflow has no steps",
		})
		return result
	}

	byID := make(map[string]*WorkflowStep, len(workflow.Steps))
	for i := range workflow.Steps {
		byID[workflow.Steps[i].ID] = &workflow.Steps[i]
	}

	seenNames := make(map[string]bool)
	for _, step := range workflow.Steps {
		if seenNames[step.Name] {
			result.Errors = append(result.Errors, ValidationError{
				Code:    CodeDuplicateStepNames,
				Message: fmt.Sprintf("step name %q is used more than once", step.Name),
				StepID:  step.ID,
			})
		}
		seenNames[step.Name] = true
	}

	result.Errors = append(result.Errors, r.validateOrders(workflow.Steps)...)

	for _, step := range workflow.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.ID {
				result.Errors = append(result.Errors, ValidationError{
					Code:    CodeSelfDependency,
					Message: fmt.Sprintf("step %q depends on itself", step.Name),
					StepID:  step.ID,
				})
				continue
			}
			if _, ok := byID[dep]; !ok {
				result.Errors = append(result.Errors, ValidationError{
					Code:    CodeMissingDependency,
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep),
					StepID:  step.ID,
				})
			}
		}
	}

	if cycle := findCycle(workflow.Steps); len(cycle) > 0 {
		names := make([]string, 0, len(cycle))
		for _, id := range cycle {
			if s, ok := byID[id]; ok {
				names = append(names, s.Name)
			} else {
				names = append(names, id)
			}
		}
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeCircularDependency,
			Message: "dependency cycle: " + strings.Join(names, " -> "),
			StepID:  cycle[0],
		})
	}

	if unreachable := findUnreachable(workflow.Steps); len(unreachable) > 0 {
		result.Errors = append(result.Errors, ValidationError{
			Code:    CodeUnreachableSteps,
			Message: fmt.Sprintf("steps not reachable from any root: %s", strings.Join(unreachable, ", ")),
		})
	}

	hasRoot := false
	for _, step := range workflow.Steps {
		if len(step.DependsOn) == 0 {
			hasRoot = true
		}
		if step.StepType == StepTypeAgent && step.AgentDefinitionID == "" &&
			step.AgentInstanceID == "" && len(step.RequiredCapabilities) == 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("agent step %q has no agent selector configured", step.Name))
		}
	}
	if !hasRoot && len(workflow.Steps) > 0 {
		result.Warnings = append(result.Warnings, "workflow has no entry-point step without dependencies")
	}

	return result
}

func (r *Resolver) validateOrders(steps []WorkflowStep) []ValidationError {
	var errs []ValidationError

	orders := make([]int, 0, len(steps))
	seen := make(map[int]bool)
	for _, step := range steps {
		if seen[step.StepOrder] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateOrder,
				Message: fmt.Sprintf("step order %d is used more than once", step.StepOrder),
				StepID:  step.ID,
			})
		}
		seen[step.StepOrder] = true
		orders = append(orders, step.StepOrder)
	}
	sort.Ints(orders)
	for i := 1; i < len(orders); i++ {
		if orders[i] != orders[i-1] && orders[i] != orders[i-1]+1 {
			errs = append(errs, ValidationError{
				Code:    CodeNonSequentialOrder,
				Message: fmt.Sprintf("step orders jump from %d to %d", orders[i-1], orders[i]),
			})
			break
		}
	}
	return errs
}

// ValidateUpdate validates the new revision and additionally flags
// removed steps that surviving steps still reference.
func (r *Resolver) ValidateUpdate(updated, existing *WorkflowDefinition) ValidationResult {
	result := r.Validate(updated)

	removed := make(map[string]string) // id -> name
	for _, old := range existing.Steps {
		if _, ok := updated.StepByID(old.ID); !ok {
			removed[old.ID] = old.Name
		}
	}
	for _, step := range updated.Steps {
		for _, dep := range step.DependsOn {
			if name, ok := removed[dep]; ok {
				result.Errors = append(result.Errors, ValidationError{
					Code:    CodeBreakingChange,
					Message: fmt.Sprintf("step %q references removed step %q", step.Name, name),
					StepID:  step.ID,
				})
			}
		}
	}
	return result
}

// ExecutionLayers computes Kahn-style topological layers: each layer
// holds steps whose dependencies are all satisfied by prior layers.
// Order within a layer is deterministic (step_order, then id). Returns
// a CIRCULAR_DEPENDENCY error when the graph has a cycle.
func (r *Resolver) ExecutionLayers(steps []WorkflowStep) ([][]WorkflowStep, error) {
	if len(steps) == 0 {
		return nil, ValidationError{Code: CodeMissingSteps, Message: "workflow has no steps"}
	}

	inDegree := make(map[string]int, len(steps))
	dependents := make(map[string][]string, len(steps))
	byID := make(map[string]WorkflowStep, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
		inDegree[step.ID] = 0
	}
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, ValidationError{
					Code:    CodeMissingDependency,
					Message: fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep),
					StepID:  step.ID,
				}
			}
			inDegree[step.ID]++
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	var layers [][]WorkflowStep
	emitted := 0
	for emitted < len(steps) {
		var ready []WorkflowStep
		for id, deg := range inDegree {
			if deg == 0 {
				ready = append(ready, byID[id])
			}
		}
		if len(ready) == 0 {
			remaining := make([]WorkflowStep, 0, len(inDegree))
			for id := range inDegree {
				remaining = append(remaining, byID[id])
			}
			if cycle := findCycle(remaining); len(cycle) > 0 {
				names := make([]string, 0, len(cycle))
				for _, id := range cycle {
					names = append(names, byID[id].Name)
				}
				return nil, ValidationError{
					Code:    CodeCircularDependency,
					Message: "dependency cycle: " + strings.Join(names, " -> "),
					StepID:  cycle[0],
				}
			}
			return nil, ValidationError{
				Code:    CodeCircularDependency,
				Message: "dependency cycle among remaining steps",
			}
		}

		sort.Slice(ready, func(i, j int) bool {
			if ready[i].StepOrder != ready[j].StepOrder {
				return ready[i].StepOrder < ready[j].StepOrder
			}
			return ready[i].ID < ready[j].ID
		})

		for _, step := range ready {
			delete(inDegree, step.ID)
			for _, dependent := range dependents[step.ID] {
				if _, ok := inDegree[dependent]; ok {
					inDegree[dependent]--
				}
			}
		}
		layers = append(layers, ready)
		emitted += len(ready)
	}
	return layers, nil
}

// CanExecuteNow reports whether every dependency of the step has
// completed and the step is not already running.
func (r *Resolver) CanExecuteNow(step *WorkflowStep, completed, running map[string]bool) bool {
	if running[step.ID] {
		return false
	}
	for _, dep := range step.DependsOn {
		if !completed[dep] {
			return false
		}
	}
	return true
}

// findCycle returns the ids of one dependency cycle in traversal order,
// or nil when the graph is acyclic. Deterministic given deterministic
// step ordering.
func findCycle(steps []WorkflowStep) []string {
	byID := make(map[string]WorkflowStep, len(steps))
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		byID[step.ID] = step
		ids = append(ids, step.ID)
	}
	sort.Strings(ids)

	const (
		white = 0
		grey  = 1
		black = 2
	)
	colour := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colour[id] = grey
		stack = append(stack, id)

		step := byID[id]
		deps := append([]string(nil), step.DependsOn...)
		sort.Strings(deps)
		for _, dep := range deps {
			if _, ok := byID[dep]; !ok {
				continue
			}
			switch colour[dep] {
			case grey:
				// Found a back-edge; slice the stack from the first
				// occurrence of dep to close the cycle.
				for i, v := range stack {
					if v == dep {
						cycle := append([]string(nil), stack[i:]...)
						return append(cycle, dep)
					}
				}
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colour[id] = black
		return nil
	}

	for _, id := range ids {
		if colour[id] == white {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// findUnreachable returns names of steps that cannot be reached from any
// root (a step with no dependencies), sorted.
func findUnreachable(steps []WorkflowStep) []string {
	dependents := make(map[string][]string)
	var roots []string
	for _, step := range steps {
		if len(step.DependsOn) == 0 {
			roots = append(roots, step.ID)
		}
		for _, dep := range step.DependsOn {
			dependents[dep] = append(dependents[dep], step.ID)
		}
	}

	reachable := make(map[string]bool)
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, dependents[id]...)
	}

	var out []string
	for _, step := range steps {
		if !reachable[step.ID] {
			out = append(out, step.Name)
		}
	}
	sort.Strings(out)
	return out
}
