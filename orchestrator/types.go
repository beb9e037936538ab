// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"sync"
	"time"
)

// StepType selects dispatch behaviour for a workflow step.
type StepType string

const (
	StepTypeTask       StepType = "task"
	StepTypeCondition  StepType = "condition"
	StepTypeParallel   StepType = "parallel"
	StepTypeSequential StepType = "sequential"
	StepTypeAgent      StepType = "agent"
)

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting_for_dependencies"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of one step execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepWaiting   StepStatus = "waiting"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetrying  StepStatus = "retrying"
	StepTimeout   StepStatus = "timeout"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step has finished one way or another.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepTimeout, StepCancelled:
		return true
	}
	return false
}

// WorkflowStep is one node of a workflow DAG. Names are unique within the
// workflow and orders form a contiguous range.
type WorkflowStep struct {
	ID                   string         `json:"id"`
	Name                 string         `json:"name"`
	StepOrder            int            `json:"step_order"`
	StepType             StepType       `json:"step_type"`
	ConditionExpression  string         `json:"condition_expression,omitempty"`
	AgentDefinitionID    string         `json:"agent_definition_id,omitempty"`
	AgentInstanceID      string         `json:"agent_instance_id,omitempty"`
	RequiredCapabilities []string       `json:"required_capabilities,omitempty"`
	DependsOn            []string       `json:"depends_on_steps,omitempty"`
	Config               map[string]any `json:"config,omitempty"`
	TimeoutSeconds       int            `json:"timeout_seconds,omitempty"`
	MaxRetries           int            `json:"max_retries,omitempty"`
}

// Inputs returns the step's input reference map from config, if present.
func (s *WorkflowStep) Inputs() map[string]string {
	raw, ok := s.Config["inputs"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case map[string]string:
		return v
	case map[string]any:
		out := make(map[string]string, len(v))
		for k, val := range v {
			if str, ok := val.(string); ok {
				out[k] = str
			}
		}
		return out
	}
	return nil
}

// WorkflowDefinition is a named DAG owned by a workspace/project.
type WorkflowDefinition struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	ProjectID      string         `json:"project_id"`
	Name           string         `json:"name"`
	Version        int            `json:"version"`
	IsActive       bool           `json:"is_active"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
	MaxRetries     int            `json:"max_retries,omitempty"`
	Steps          []WorkflowStep `json:"steps"`
}

// StepByID returns the step with the given id.
func (w *WorkflowDefinition) StepByID(id string) (*WorkflowStep, bool) {
	for i := range w.Steps {
		if w.Steps[i].ID == id {
			return &w.Steps[i], true
		}
	}
	return nil, false
}

// WorkflowExecution is one run of a workflow.
type WorkflowExecution struct {
	ID                string          `json:"id"`
	WorkflowID        string          `json:"workflow_id"`
	WorkspaceID       string          `json:"workspace_id"`
	ProjectID         string          `json:"project_id"`
	ExecutionNumber   int             `json:"execution_number"`
	Status            ExecutionStatus `json:"status"`
	InputVariables    map[string]any  `json:"input_variables,omitempty"`
	Results           map[string]any  `json:"results,omitempty"`
	ParentExecutionID string          `json:"parent_execution_id,omitempty"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// StepExecution is the run record of one step within an execution.
// Exactly one exists per (execution_id, step_id).
type StepExecution struct {
	ID           string         `json:"id"`
	ExecutionID  string         `json:"execution_id"`
	StepID       string         `json:"step_id"`
	StepName     string         `json:"step_name"`
	Status       StepStatus     `json:"status"`
	Input        map[string]any `json:"input,omitempty"`
	Output       map[string]any `json:"output,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Attempts     int            `json:"attempts"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
	DurationMS   int64          `json:"duration_ms,omitempty"`
}

// WorkflowContext is the in-memory state of one execution. It is confined
// to that execution; all mutation goes through the mutex.
type WorkflowContext struct {
	mu sync.Mutex

	ExecutionID       string
	WorkflowID        string
	WorkspaceID       string
	ProjectID         string
	ParentExecutionID string
	StartedAt         time.Time

	variables    map[string]any
	stepOutputs  map[string]map[string]any
	stepStatuses map[string]StepStatus
}

// NewWorkflowContext builds a context seeded with the execution's input
// variables.
func NewWorkflowContext(exec *WorkflowExecution) *WorkflowContext {
	variables := make(map[string]any, len(exec.InputVariables))
	for k, v := range exec.InputVariables {
		variables[k] = v
	}
	return &WorkflowContext{
		ExecutionID:       exec.ID,
		WorkflowID:        exec.WorkflowID,
		WorkspaceID:       exec.WorkspaceID,
		ProjectID:         exec.ProjectID,
		ParentExecutionID: exec.ParentExecutionID,
		StartedAt:         time.Now(),
		variables:         variables,
		stepOutputs:       make(map[string]map[string]any),
		stepStatuses:      make(map[string]StepStatus),
	}
}

// Variable returns a context variable.
func (c *WorkflowContext) Variable(name string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.variables[name]
	return v, ok
}

// SetVariable stores a context variable.
func (c *WorkflowContext) SetVariable(name string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variables[name] = value
}

// Variables returns a copy of the variable map.
func (c *WorkflowContext) Variables() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// StepOutput returns one output value of a completed step.
func (c *WorkflowContext) StepOutput(stepID, key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out, ok := c.stepOutputs[stepID]
	if !ok {
		return nil, false
	}
	v, ok := out[key]
	return v, ok
}

// SetStepResult records a step's output map and terminal status.
func (c *WorkflowContext) SetStepResult(stepID string, status StepStatus, output map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStatuses[stepID] = status
	if output != nil {
		c.stepOutputs[stepID] = output
	}
}

// StepStatus returns the recorded status for a step.
func (c *WorkflowContext) StepStatus(stepID string) (StepStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stepStatuses[stepID]
	return s, ok
}

// StepOutputs returns a copy of all step outputs.
func (c *WorkflowContext) StepOutputs() map[string]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[string]any, len(c.stepOutputs))
	for id, m := range c.stepOutputs {
		inner := make(map[string]any, len(m))
		for k, v := range m {
			inner[k] = v
		}
		out[id] = inner
	}
	return out
}

// StepStatuses returns a copy of all step statuses.
func (c *WorkflowContext) StepStatuses() map[string]StepStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]StepStatus, len(c.stepStatuses))
	for id, s := range c.stepStatuses {
		out[id] = s
	}
	return out
}
