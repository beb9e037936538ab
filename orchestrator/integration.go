// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskState is the lifecycle of a background task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

// TaskHandle identifies a submitted background task and carries its
// completion channel.
type TaskHandle struct {
	ID   string
	Name string
	Done <-chan struct{}
}

// TaskRunnerStats is a snapshot of runner bookkeeping.
type TaskRunnerStats struct {
	Submitted int `json:"submitted"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// TaskRunner executes named background tasks. The in-process runner
// suffices for single-node deployments; distributed runners satisfy the
// same contract.
type TaskRunner interface {
	Submit(name string, fn func(ctx context.Context) error) *TaskHandle
	Stats() TaskRunnerStats
}

// GoTaskRunner runs tasks as goroutines and tracks their outcomes.
type GoTaskRunner struct {
	mu        sync.Mutex
	submitted int
	running   int
	succeeded int
	failed    int
}

func NewGoTaskRunner() *GoTaskRunner {
	return &GoTaskRunner{}
}

func (r *GoTaskRunner) Submit(name string, fn func(ctx context.Context) error) *TaskHandle {
	done := make(chan struct{})
	handle := &TaskHandle{ID: uuid.NewString(), Name: name, Done: done}

	r.mu.Lock()
	r.submitted++
	r.running++
	r.mu.Unlock()

	go func() {
		defer close(done)
		err := fn(context.Background())

		r.mu.Lock()
		r.running--
		if err != nil {
			r.failed++
			log.Printf("[TaskRunner] task %s (%s) failed: %v", name, handle.ID, err)
		} else {
			r.succeeded++
		}
		r.mu.Unlock()
	}()
	return handle
}

func (r *GoTaskRunner) Stats() TaskRunnerStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return TaskRunnerStats{
		Submitted: r.submitted,
		Running:   r.running,
		Succeeded: r.succeeded,
		Failed:    r.failed,
	}
}

// WorkflowResult is the envelope returned when a façade-submitted
// execution reaches a terminal state.
type WorkflowResult struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
	Result      map[string]any  `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// IntegrationConfig controls façade polling.
type IntegrationConfig struct {
	PollInterval time.Duration
	WaitTimeout  time.Duration
}

func (c *IntegrationConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = time.Hour
	}
}

// Integration wraps the engine behind a background task runner: submit
// returns immediately with a task handle, the task polls until the
// execution is terminal and delivers a result envelope.
type Integration struct {
	engine *Engine
	store  Store
	runner TaskRunner
	config IntegrationConfig

	mu      sync.Mutex
	results map[string]*WorkflowResult // keyed execution id
}

// NewIntegration wires the façade. runner nil uses the in-process one.
func NewIntegration(engine *Engine, store Store, runner TaskRunner, config IntegrationConfig) *Integration {
	config.applyDefaults()
	if runner == nil {
		runner = NewGoTaskRunner()
	}
	return &Integration{
		engine:  engine,
		store:   store,
		runner:  runner,
		config:  config,
		results: make(map[string]*WorkflowResult),
	}
}

// ExecuteWorkflow submits the execution and returns (execution id, task
// handle). The result envelope becomes available via Result once the
// task completes.
func (i *Integration) ExecuteWorkflow(ctx context.Context, workflowID, workspaceID, projectID string, inputVariables map[string]any, parentExecutionID string, metadata map[string]any) (string, *TaskHandle, error) {
	executionID, err := i.engine.ExecuteWorkflow(ctx, workflowID, workspaceID, projectID, inputVariables, parentExecutionID, metadata)
	if err != nil {
		return "", nil, err
	}

	handle := i.runner.Submit(fmt.Sprintf("workflow-execution-%s", executionID), func(taskCtx context.Context) error {
		result := i.awaitTerminal(taskCtx, executionID)

		i.mu.Lock()
		i.results[executionID] = result
		i.mu.Unlock()

		if result.Error != "" {
			return fmt.Errorf("execution %s ended %s: %s", executionID, result.Status, result.Error)
		}
		return nil
	})
	return executionID, handle, nil
}

// awaitTerminal polls the store until the execution is terminal or the
// wait timeout elapses.
func (i *Integration) awaitTerminal(ctx context.Context, executionID string) *WorkflowResult {
	deadline := time.Now().Add(i.config.WaitTimeout)
	ticker := time.NewTicker(i.config.PollInterval)
	defer ticker.Stop()

	for {
		exec, err := i.store.GetExecution(ctx, executionID)
		if err != nil {
			return &WorkflowResult{
				ExecutionID: executionID,
				Status:      ExecutionFailed,
				Error:       err.Error(),
			}
		}
		if exec.Status.IsTerminal() {
			result := &WorkflowResult{
				ExecutionID: executionID,
				Status:      exec.Status,
				Result:      exec.Results,
			}
			if exec.Status != ExecutionCompleted {
				result.Error = exec.ErrorMessage
				if result.Error == "" {
					result.Error = string(exec.Status)
				}
			}
			return result
		}
		if time.Now().After(deadline) {
			return &WorkflowResult{
				ExecutionID: executionID,
				Status:      ExecutionTimeout,
				Error:       fmt.Sprintf("gave up waiting for execution %s after %s", executionID, i.config.WaitTimeout),
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return &WorkflowResult{
				ExecutionID: executionID,
				Status:      ExecutionCancelled,
				Error:       ctx.Err().Error(),
			}
		}
	}
}

// Result returns the result envelope for a finished execution.
func (i *Integration) Result(executionID string) (*WorkflowResult, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.results[executionID]
	return r, ok
}

// CancelWorkflowExecution forwards to the engine.
func (i *Integration) CancelWorkflowExecution(ctx context.Context, executionID string) error {
	return i.engine.CancelWorkflowExecution(ctx, executionID)
}

// IntegrationStats aggregates engine, controller and runner snapshots.
type IntegrationStats struct {
	ActiveExecutions int             `json:"active_executions"`
	Controller       ControllerStats `json:"controller"`
	TaskRunner       TaskRunnerStats `json:"task_runner"`
}

// Stats returns a point-in-time snapshot across subsystems.
func (i *Integration) Stats() IntegrationStats {
	stats := IntegrationStats{
		ActiveExecutions: i.engine.ActiveExecutions(),
		TaskRunner:       i.runner.Stats(),
	}
	if i.engine.controller != nil {
		stats.Controller = i.engine.controller.Stats()
	}
	return stats
}
