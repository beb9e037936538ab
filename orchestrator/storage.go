// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned for unknown or inactive workflows.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound is returned for unknown execution ids.
	ErrExecutionNotFound = errors.New("execution not found")
)

// Store persists workflow definitions, executions and step executions.
// Implementations must be safe for concurrent use; sessions are
// short-lived per operation.
type Store interface {
	GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error)
	SaveWorkflow(ctx context.Context, workflow *WorkflowDefinition) error

	// CreateExecution assigns the next execution_number (max+1 per
	// workflow) and fills in the generated id and timestamps.
	CreateExecution(ctx context.Context, exec *WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*WorkflowExecution, error)
	UpdateExecution(ctx context.Context, exec *WorkflowExecution) error

	CreateStepExecution(ctx context.Context, step *StepExecution) error
	UpdateStepExecution(ctx context.Context, step *StepExecution) error
	ListStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error)
}

// MemoryStore is the in-memory Store used by tests and single-node
// development deployments.
type MemoryStore struct {
	mu             sync.RWMutex
	workflows      map[string]*WorkflowDefinition
	executions     map[string]*WorkflowExecution
	stepExecutions map[string][]StepExecution // keyed by execution id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows:      make(map[string]*WorkflowDefinition),
		executions:     make(map[string]*WorkflowExecution),
		stepExecutions: make(map[string][]StepExecution),
	}
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	copied := *wf
	copied.Steps = append([]WorkflowStep(nil), wf.Steps...)
	return &copied, nil
}

func (s *MemoryStore) SaveWorkflow(_ context.Context, workflow *WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}
	copied := *workflow
	copied.Steps = append([]WorkflowStep(nil), workflow.Steps...)
	s.workflows[workflow.ID] = &copied
	return nil
}

func (s *MemoryStore) CreateExecution(_ context.Context, exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	maxNumber := 0
	for _, e := range s.executions {
		if e.WorkflowID == exec.WorkflowID && e.ExecutionNumber > maxNumber {
			maxNumber = e.ExecutionNumber
		}
	}
	exec.ExecutionNumber = maxNumber + 1
	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, id string) (*WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	copied := *exec
	return &copied, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, exec *WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.executions[exec.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	exec.UpdatedAt = time.Now().UTC()
	copied := *exec
	s.executions[exec.ID] = &copied
	return nil
}

func (s *MemoryStore) CreateStepExecution(_ context.Context, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	s.stepExecutions[step.ExecutionID] = append(s.stepExecutions[step.ExecutionID], *step)
	return nil
}

func (s *MemoryStore) UpdateStepExecution(_ context.Context, step *StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps := s.stepExecutions[step.ExecutionID]
	for i := range steps {
		if steps[i].ID == step.ID {
			steps[i] = *step
			return nil
		}
	}
	return fmt.Errorf("step execution %s not found", step.ID)
}

func (s *MemoryStore) ListStepExecutions(_ context.Context, executionID string) ([]StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := append([]StepExecution(nil), s.stepExecutions[executionID]...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepName < steps[j].StepName })
	return steps, nil
}
