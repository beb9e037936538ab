// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package orchestrator runs persisted workflow definitions as DAGs of
// typed steps with per-step timeout, retry and cancellation, assigns
// agent instances to agent steps, and emits lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"forgeflow/core/llm"
)

// StepProcessor executes one step of a given type. Processors receive
// the resolved input map and return the step's output map.
type StepProcessor interface {
	ProcessStep(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, input map[string]any) (map[string]any, error)
}

// StepProcessorFunc adapts a function to StepProcessor.
type StepProcessorFunc func(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, input map[string]any) (map[string]any, error)

func (f StepProcessorFunc) ProcessStep(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, input map[string]any) (map[string]any, error) {
	return f(ctx, wfCtx, step, input)
}

// EngineConfig carries the engine's defaults.
type EngineConfig struct {
	DefaultStepTimeout     time.Duration
	DefaultWorkflowTimeout time.Duration
	DefaultMaxRetries      int
}

func (c *EngineConfig) applyDefaults() {
	if c.DefaultStepTimeout <= 0 {
		c.DefaultStepTimeout = 5 * time.Minute
	}
	if c.DefaultWorkflowTimeout <= 0 {
		c.DefaultWorkflowTimeout = time.Hour
	}
	if c.DefaultMaxRetries < 0 {
		c.DefaultMaxRetries = 0
	}
}

type activeExecution struct {
	wfCtx  *WorkflowContext
	cancel context.CancelCauseFunc
}

// Cancellation causes distinguish user cancel from timer-driven timeout.
var (
	errUserCancelled = errors.New("execution cancelled")
	errTimedOut      = errors.New("execution timed out")
)

// Engine is the workflow execution engine. One Engine serves all
// executions of a process; per-execution state lives in WorkflowContext.
type Engine struct {
	store       Store
	resolver    *Resolver
	broadcaster Broadcaster
	controller  *Controller
	config      EngineConfig
	metrics     *Metrics

	processorsMu sync.RWMutex
	processors   map[StepType]StepProcessor

	activeMu sync.Mutex
	active   map[string]*activeExecution

	wg sync.WaitGroup
}

// NewEngine wires the engine. controller may be nil when no agent steps
// are deployed; broadcaster nil falls back to log output.
func NewEngine(store Store, controller *Controller, broadcaster Broadcaster, config EngineConfig) *Engine {
	config.applyDefaults()
	if broadcaster == nil {
		broadcaster = LogBroadcaster{}
	}
	e := &Engine{
		store:       store,
		resolver:    NewResolver(),
		broadcaster: broadcaster,
		controller:  controller,
		config:      config,
		processors:  make(map[StepType]StepProcessor),
		active:      make(map[string]*activeExecution),
	}
	e.processors[StepTypeTask] = StepProcessorFunc(e.processTaskStep)
	// Parallel and sequential carry child steps in config; v1 treats
	// them as plain tasks.
	e.processors[StepTypeParallel] = StepProcessorFunc(e.processTaskStep)
	e.processors[StepTypeSequential] = StepProcessorFunc(e.processTaskStep)
	return e
}

// SetMetrics attaches Prometheus instrumentation. A nil argument leaves
// the engine uninstrumented.
func (e *Engine) SetMetrics(m *Metrics) {
	e.metrics = m
}

// RegisterProcessor overrides the processor for a step type.
func (e *Engine) RegisterProcessor(stepType StepType, p StepProcessor) {
	e.processorsMu.Lock()
	defer e.processorsMu.Unlock()
	e.processors[stepType] = p
}

func (e *Engine) processor(stepType StepType) (StepProcessor, bool) {
	e.processorsMu.RLock()
	defer e.processorsMu.RUnlock()
	p, ok := e.processors[stepType]
	return p, ok
}

// ExecuteWorkflow validates and persists a new execution, schedules its
// body in the background and returns the execution id immediately.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID, workspaceID, projectID string, inputVariables map[string]any, parentExecutionID string, metadata map[string]any) (string, error) {
	workflow, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}
	if !workflow.IsActive {
		return "", fmt.Errorf("workflow %s is not active", workflowID)
	}
	if result := e.resolver.Validate(workflow); !result.IsValid() {
		return "", fmt.Errorf("workflow %s failed validation: %v", workflowID, result.Errors[0])
	}

	exec := &WorkflowExecution{
		WorkflowID:        workflowID,
		WorkspaceID:       workspaceID,
		ProjectID:         projectID,
		Status:            ExecutionPending,
		InputVariables:    inputVariables,
		ParentExecutionID: parentExecutionID,
		Metadata:          metadata,
	}
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", err
	}

	wfCtx := NewWorkflowContext(exec)
	runCtx, cancel := context.WithCancelCause(context.Background())

	e.activeMu.Lock()
	e.active[exec.ID] = &activeExecution{wfCtx: wfCtx, cancel: cancel}
	e.activeMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runExecution(runCtx, workflow, exec, wfCtx)
	}()
	return exec.ID, nil
}

// CancelWorkflowExecution signals cancellation; in-flight steps observe
// it at their next suspension point.
func (e *Engine) CancelWorkflowExecution(ctx context.Context, executionID string) error {
	e.activeMu.Lock()
	active, ok := e.active[executionID]
	e.activeMu.Unlock()
	if ok {
		active.cancel(errUserCancelled)
		return nil
	}

	// Not running here; flip the persisted row when still live.
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status.IsTerminal() {
		return fmt.Errorf("execution %s already %s", executionID, exec.Status)
	}
	now := time.Now().UTC()
	exec.Status = ExecutionCancelled
	exec.CompletedAt = &now
	return e.store.UpdateExecution(ctx, exec)
}

// ActiveExecutions returns the number of currently running executions.
func (e *Engine) ActiveExecutions() int {
	e.activeMu.Lock()
	defer e.activeMu.Unlock()
	return len(e.active)
}

// Wait blocks until all in-flight executions finish. Used in shutdown
// and tests.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) workflowTimeout(workflow *WorkflowDefinition) time.Duration {
	if workflow.TimeoutSeconds > 0 {
		return time.Duration(workflow.TimeoutSeconds) * time.Second
	}
	return e.config.DefaultWorkflowTimeout
}

func (e *Engine) stepTimeout(workflow *WorkflowDefinition, step *WorkflowStep) time.Duration {
	if step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	if workflow.TimeoutSeconds > 0 {
		return time.Duration(workflow.TimeoutSeconds) * time.Second
	}
	return e.config.DefaultStepTimeout
}

func (e *Engine) stepMaxRetries(workflow *WorkflowDefinition, step *WorkflowStep) int {
	if step.MaxRetries > 0 {
		return step.MaxRetries
	}
	if workflow.MaxRetries > 0 {
		return workflow.MaxRetries
	}
	return e.config.DefaultMaxRetries
}

// runExecution is the execution body: layer-by-layer dispatch with
// intra-layer concurrency, then finalisation.
func (e *Engine) runExecution(ctx context.Context, workflow *WorkflowDefinition, exec *WorkflowExecution, wfCtx *WorkflowContext) {
	defer func() {
		e.activeMu.Lock()
		delete(e.active, exec.ID)
		e.activeMu.Unlock()
	}()

	timer := time.AfterFunc(e.workflowTimeout(workflow), func() {
		e.activeMu.Lock()
		active, ok := e.active[exec.ID]
		e.activeMu.Unlock()
		if ok {
			active.cancel(errTimedOut)
		}
	})
	defer timer.Stop()

	now := time.Now().UTC()
	exec.Status = ExecutionRunning
	exec.StartedAt = &now
	e.metrics.ExecutionStarted()
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.finalise(exec, wfCtx, ExecutionFailed, fmt.Sprintf("failed to mark execution running: %v", err))
		return
	}
	e.emit(ctx, exec, "", EventWorkflowStarted, fmt.Sprintf("workflow %s started", workflow.Name), nil)

	layers, err := e.resolver.ExecutionLayers(workflow.Steps)
	if err != nil {
		e.finalise(exec, wfCtx, ExecutionFailed, err.Error())
		return
	}

	for _, layer := range layers {
		if ctx.Err() != nil {
			break
		}

		// Gate each step on its dependencies: only steps whose deps all
		// completed are dispatched; the rest are skipped, and the skip
		// propagates through later layers.
		completed := make(map[string]bool)
		for id, status := range wfCtx.StepStatuses() {
			if status == StepCompleted {
				completed[id] = true
			}
		}

		var wg sync.WaitGroup
		for i := range layer {
			step := layer[i]
			if !e.resolver.CanExecuteNow(&step, completed, nil) {
				e.skipStep(ctx, exec, wfCtx, &step)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				e.runStep(ctx, workflow, exec, wfCtx, &step)
			}()
		}
		wg.Wait()
	}

	if cause := context.Cause(ctx); cause != nil && ctx.Err() != nil {
		status := ExecutionCancelled
		message := "execution cancelled"
		if errors.Is(cause, errTimedOut) {
			status = ExecutionTimeout
			message = "execution timed out"
		}
		e.finalise(exec, wfCtx, status, message)
		return
	}

	failed := false
	for _, status := range wfCtx.StepStatuses() {
		if status == StepFailed || status == StepTimeout {
			failed = true
			break
		}
	}
	if failed {
		e.finalise(exec, wfCtx, ExecutionFailed, "one or more steps failed")
	} else {
		e.finalise(exec, wfCtx, ExecutionCompleted, "")
	}
}

// finalise persists the terminal status exactly once and emits the
// matching workflow event.
func (e *Engine) finalise(exec *WorkflowExecution, wfCtx *WorkflowContext, status ExecutionStatus, message string) {
	now := time.Now().UTC()
	exec.Status = status
	exec.CompletedAt = &now
	exec.ErrorMessage = message

	outputs := wfCtx.StepOutputs()
	statuses := wfCtx.StepStatuses()
	results := map[string]any{
		"step_outputs":  outputs,
		"step_statuses": statuses,
		"duration_ms":   now.Sub(wfCtx.StartedAt).Milliseconds(),
	}
	exec.Results = results
	e.metrics.ExecutionFinished(status, now.Sub(wfCtx.StartedAt))

	// Persist with a fresh context so cancellation does not lose the
	// terminal row.
	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateExecution(saveCtx, exec); err != nil {
		log.Printf("[Engine] failed to persist terminal status %s for execution %s: %v", status, exec.ID, err)
	}

	eventType := EventWorkflowCompleted
	switch status {
	case ExecutionFailed:
		eventType = EventWorkflowFailed
	case ExecutionCancelled, ExecutionTimeout:
		eventType = EventWorkflowCancelled
	}
	e.emit(saveCtx, exec, "", eventType, fmt.Sprintf("workflow execution %s %s", exec.ID, status), map[string]any{
		"status": string(status),
	})
}

// skipStep records a terminal skipped result for a step whose
// dependencies did not all complete. No STEP_STARTED event is emitted.
func (e *Engine) skipStep(ctx context.Context, exec *WorkflowExecution, wfCtx *WorkflowContext, step *WorkflowStep) {
	now := time.Now().UTC()
	stepExec := &StepExecution{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepSkipped,
		StartedAt:   &now,
	}
	if err := e.store.CreateStepExecution(ctx, stepExec); err != nil {
		wfCtx.SetStepResult(step.ID, StepSkipped, nil)
		log.Printf("[Engine] failed to persist step execution for %s: %v", step.Name, err)
		return
	}
	e.finishStep(wfCtx, step.StepType, stepExec, StepSkipped, nil, "dependencies not completed")
	e.emit(ctx, exec, step.ID, EventStepSkipped, fmt.Sprintf("step %s skipped: dependencies not completed", step.Name), nil)
}

// runStep drives one step execution through retries to a terminal state.
func (e *Engine) runStep(ctx context.Context, workflow *WorkflowDefinition, exec *WorkflowExecution, wfCtx *WorkflowContext, step *WorkflowStep) {
	input := e.resolveInputs(wfCtx, step)

	now := time.Now().UTC()
	stepExec := &StepExecution{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		StepName:    step.Name,
		Status:      StepRunning,
		Input:       input,
		Attempts:    0,
		StartedAt:   &now,
	}
	if err := e.store.CreateStepExecution(ctx, stepExec); err != nil {
		wfCtx.SetStepResult(step.ID, StepFailed, nil)
		log.Printf("[Engine] failed to persist step execution for %s: %v", step.Name, err)
		return
	}

	// Condition steps decide between task behaviour and skip.
	if step.StepType == StepTypeCondition {
		if !e.evaluateCondition(wfCtx, step) {
			e.finishStep(wfCtx, step.StepType, stepExec, StepSkipped, nil, "")
			e.emit(ctx, exec, step.ID, EventStepSkipped, fmt.Sprintf("step %s skipped: condition false", step.Name), nil)
			return
		}
	}

	e.emit(ctx, exec, step.ID, EventStepStarted, fmt.Sprintf("step %s started", step.Name), nil)

	timeout := e.stepTimeout(workflow, step)
	maxRetries := e.stepMaxRetries(workflow, step)

	var output map[string]any
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if ctx.Err() != nil {
			e.finishStep(wfCtx, step.StepType, stepExec, StepCancelled, nil, "cancelled")
			return
		}
		if attempt > 0 {
			e.metrics.StepRetried(step.StepType)
			stepExec.Status = StepRetrying
			_ = e.store.UpdateStepExecution(ctx, stepExec)
			stepExec.Status = StepRunning
		}
		stepExec.Attempts = attempt + 1

		output, lastErr = e.dispatchStep(ctx, wfCtx, step, stepExec, input, timeout, maxRetries)
		if lastErr == nil {
			break
		}
		if !retryable(lastErr) {
			break
		}
	}

	switch {
	case lastErr == nil:
		e.finishStep(wfCtx, step.StepType, stepExec, StepCompleted, output, "")
		e.emit(ctx, exec, step.ID, EventStepCompleted, fmt.Sprintf("step %s completed", step.Name), nil)
	case ctx.Err() != nil:
		e.finishStep(wfCtx, step.StepType, stepExec, StepCancelled, nil, lastErr.Error())
	case errors.Is(lastErr, context.DeadlineExceeded):
		e.finishStep(wfCtx, step.StepType, stepExec, StepTimeout, nil, lastErr.Error())
		e.emit(ctx, exec, step.ID, EventStepFailed, fmt.Sprintf("step %s timed out", step.Name), map[string]any{"error": lastErr.Error()})
	default:
		e.finishStep(wfCtx, step.StepType, stepExec, StepFailed, nil, lastErr.Error())
		e.emit(ctx, exec, step.ID, EventStepFailed, fmt.Sprintf("step %s failed", step.Name), map[string]any{"error": lastErr.Error()})
	}
}

// retryable gates step-level retries: transient failures and provider
// timeouts retry, everything else (validation, schema, exhausted
// fallback) is fatal immediately.
func retryable(err error) bool {
	return llm.IsRetryable(err)
}

func (e *Engine) dispatchStep(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, stepExec *StepExecution, input map[string]any, timeout time.Duration, maxRetries int) (map[string]any, error) {
	if step.StepType == StepTypeAgent {
		if e.controller == nil {
			return nil, fmt.Errorf("agent step %q but no agent controller configured", step.Name)
		}
		return e.controller.ExecuteAgentStep(ctx, wfCtx, step, stepExec.ID, input, timeout, maxRetries)
	}

	processor, ok := e.processor(step.StepType)
	if !ok {
		processor, _ = e.processor(StepTypeTask)
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	output, err := processor.ProcessStep(stepCtx, wfCtx, step, input)
	if err != nil && stepCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("step %q timed out after %s: %w", step.Name, timeout, context.DeadlineExceeded)
	}
	return output, err
}

// processTaskStep is the built-in task processor: it either delegates to
// a configured external task type later registered by the host, or
// echoes the resolved inputs as its output.
func (e *Engine) processTaskStep(_ context.Context, _ *WorkflowContext, step *WorkflowStep, input map[string]any) (map[string]any, error) {
	output := map[string]any{
		"step":   step.Name,
		"status": "completed",
	}
	for k, v := range input {
		output[k] = v
	}
	return output, nil
}

func (e *Engine) finishStep(wfCtx *WorkflowContext, stepType StepType, stepExec *StepExecution, status StepStatus, output map[string]any, errMsg string) {
	now := time.Now().UTC()
	stepExec.Status = status
	stepExec.Output = output
	stepExec.ErrorMessage = errMsg
	stepExec.CompletedAt = &now
	if stepExec.StartedAt != nil {
		stepExec.DurationMS = now.Sub(*stepExec.StartedAt).Milliseconds()
	}
	e.metrics.StepFinished(stepType, status, time.Duration(stepExec.DurationMS)*time.Millisecond)
	wfCtx.SetStepResult(stepExec.StepID, status, output)

	saveCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.UpdateStepExecution(saveCtx, stepExec); err != nil {
		log.Printf("[Engine] failed to persist step %s status %s: %v", stepExec.StepName, status, err)
	}
}

// resolveInputs maps step.config.inputs references to concrete values:
// "steps.<id>.<key>" reads a prior step output, a bare name reads a
// context variable, anything else passes through as a literal.
func (e *Engine) resolveInputs(wfCtx *WorkflowContext, step *WorkflowStep) map[string]any {
	refs := step.Inputs()
	if len(refs) == 0 {
		return nil
	}
	out := make(map[string]any, len(refs))
	for key, ref := range refs {
		out[key] = e.resolveReference(wfCtx, ref)
	}
	return out
}

func (e *Engine) resolveReference(wfCtx *WorkflowContext, ref string) any {
	if strings.HasPrefix(ref, "steps.") {
		parts := strings.SplitN(ref, ".", 3)
		if len(parts) == 3 {
			if v, ok := wfCtx.StepOutput(parts[1], parts[2]); ok {
				return v
			}
			return ref
		}
	}
	if v, ok := wfCtx.Variable(ref); ok {
		return v
	}
	return ref
}

// evaluateCondition interprets the step's condition expression:
// "${name}" is the truthiness of a context variable, a bare literal is
// compared against true/1/yes/on case-insensitively. Evaluation problems
// count as false.
func (e *Engine) evaluateCondition(wfCtx *WorkflowContext, step *WorkflowStep) bool {
	expr := strings.TrimSpace(step.ConditionExpression)
	if expr == "" {
		return true
	}
	if strings.HasPrefix(expr, "${") && strings.HasSuffix(expr, "}") {
		name := strings.TrimSuffix(strings.TrimPrefix(expr, "${"), "}")
		v, ok := wfCtx.Variable(name)
		if !ok {
			log.Printf("[Engine] condition %q references unknown variable %q", expr, name)
			return false
		}
		return truthy(v)
	}
	switch strings.ToLower(expr) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(t) {
		case "", "false", "0", "no", "off":
			return false
		}
		return true
	case int:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

func (e *Engine) emit(ctx context.Context, exec *WorkflowExecution, stepID string, eventType EventType, message string, data map[string]any) {
	event := Event{
		EventType:   eventType,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		WorkspaceID: exec.WorkspaceID,
		StepID:      stepID,
		Data:        data,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	if err := e.broadcaster.Broadcast(ctx, event); err != nil {
		log.Printf("[Engine] event broadcast failed for %s: %v", eventType, err)
		return
	}
	e.metrics.EventPublished(eventType)
}
