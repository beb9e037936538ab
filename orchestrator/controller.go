// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
)

// AssignmentStrategy selects among candidate agent instances.
type AssignmentStrategy string

const (
	AssignRoundRobin      AssignmentStrategy = "round_robin"
	AssignLeastLoaded     AssignmentStrategy = "least_loaded"
	AssignCapabilityMatch AssignmentStrategy = "capability_match"
	AssignResourceBased   AssignmentStrategy = "resource_based"
)

// ErrNoAgentAvailable is returned when no idle instance satisfies the
// step's constraints.
var ErrNoAgentAvailable = errors.New("no agent instance available")

// ResourceSnapshot captures the resources reserved for an assignment.
type ResourceSnapshot struct {
	MemoryMB int     `json:"memory_mb"`
	CPUCores float64 `json:"cpu_cores"`
}

// AgentAssignment binds an agent-step to a concrete instance.
type AgentAssignment struct {
	ID           string             `json:"id"`
	InstanceID   string             `json:"instance_id"`
	DefinitionID string             `json:"definition_id"`
	Strategy     AssignmentStrategy `json:"strategy"`
	Resources    ResourceSnapshot   `json:"resources"`
	StartedAt    time.Time          `json:"started_at"`
}

// AgentReservation is a time-bounded claim on an instance during a step.
type AgentReservation struct {
	Assignment  AgentAssignment `json:"assignment"`
	WorkspaceID string          `json:"workspace_id"`
	ProjectID   string          `json:"project_id"`
	StartedAt   time.Time       `json:"started_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
	Active      bool            `json:"active"`
}

// FailoverRecord tracks retries of one step execution across instances.
type FailoverRecord struct {
	StepExecutionID string            `json:"step_execution_id"`
	Original        AgentAssignment   `json:"original"`
	FailureReason   string            `json:"failure_reason"`
	Attempts        int               `json:"attempts"`
	Tried           []AgentAssignment `json:"tried"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// AgentInvocation is the structured input bundle handed to an agent.
type AgentInvocation struct {
	StepName    string                    `json:"step_name"`
	StepConfig  map[string]any            `json:"step_config,omitempty"`
	ExecutionID string                    `json:"execution_id"`
	Variables   map[string]any            `json:"variables,omitempty"`
	StepOutputs map[string]map[string]any `json:"step_outputs,omitempty"`
	InputData   map[string]any            `json:"input_data,omitempty"`
	Assignment  AgentAssignment           `json:"assignment"`
}

// AgentResult is what an agent invocation returns. ContextUpdates, when
// present, is persisted as a new shared-context version.
type AgentResult struct {
	Output         map[string]any `json:"output,omitempty"`
	ContextUpdates map[string]any `json:"context_updates,omitempty"`
}

// AgentExecutor is the external hook that actually runs an agent.
type AgentExecutor interface {
	ExecuteAgent(ctx context.Context, instance *AgentInstance, invocation AgentInvocation) (*AgentResult, error)
}

// SharedContextService persists agent context versions across steps.
type SharedContextService interface {
	SaveContextVersion(ctx context.Context, workspaceID, agentInstanceID string, updates map[string]any) error
}

// ControllerStats is a point-in-time snapshot of controller bookkeeping.
type ControllerStats struct {
	ActiveAssignments  int `json:"active_assignments"`
	ActiveReservations int `json:"active_reservations"`
	FailoverRecords    int `json:"failover_records"`
}

// Controller assigns agent instances to agent-steps, reserves their
// resources, performs failover and bridges workflow context into the
// agent invocation.
type Controller struct {
	directory   *AgentDirectory
	executor    AgentExecutor
	contexts    SharedContextService
	broadcaster Broadcaster
	metrics     *Metrics

	mu           sync.Mutex
	assignments  map[string]*AgentAssignment  // keyed instanceID|stepExecutionID
	reservations map[string]*AgentReservation // keyed assignment id
	failovers    map[string]*FailoverRecord   // keyed step execution id
	rrCounters   map[string]int               // keyed workspace|project

	sweepStop chan struct{}
	sweepOnce sync.Once
	stopOnce  sync.Once
}

// NewController wires the controller. contexts may be nil when shared
// context persistence is not deployed.
func NewController(directory *AgentDirectory, executor AgentExecutor, contexts SharedContextService, broadcaster Broadcaster) *Controller {
	if broadcaster == nil {
		broadcaster = LogBroadcaster{}
	}
	return &Controller{
		directory:    directory,
		executor:     executor,
		contexts:     contexts,
		broadcaster:  broadcaster,
		assignments:  make(map[string]*AgentAssignment),
		reservations: make(map[string]*AgentReservation),
		failovers:    make(map[string]*FailoverRecord),
		rrCounters:   make(map[string]int),
		sweepStop:    make(chan struct{}),
	}
}

// SetMetrics attaches Prometheus instrumentation.
func (c *Controller) SetMetrics(m *Metrics) {
	c.metrics = m
}

func assignmentKey(instanceID, stepExecutionID string) string {
	return instanceID + "|" + stepExecutionID
}

// Assign picks an idle instance for the step and marks it busy.
func (c *Controller) Assign(workspaceID, projectID string, step *WorkflowStep, stepExecutionID string) (*AgentAssignment, error) {
	candidates := c.directory.IdleInstances(workspaceID, projectID)

	var filtered []*AgentInstance
	for _, inst := range candidates {
		if step.AgentInstanceID != "" && inst.ID != step.AgentInstanceID {
			continue
		}
		if step.AgentDefinitionID != "" && inst.DefinitionID != step.AgentDefinitionID {
			continue
		}
		def, ok := c.directory.Definition(inst.DefinitionID)
		if !ok || !def.IsEnabled {
			continue
		}
		if !def.HasAnyCapability(step.RequiredCapabilities) {
			continue
		}
		filtered = append(filtered, inst)
	}
	if len(filtered) == 0 {
		return nil, fmt.Errorf("%w for step %q in workspace %s", ErrNoAgentAvailable, step.Name, workspaceID)
	}

	strategy := c.strategyForStep(step)
	chosen := c.pick(filtered, strategy, workspaceID, projectID, step.RequiredCapabilities)

	if err := c.directory.TransitionStatus(chosen.ID, []AgentStatus{AgentIdle}, AgentBusy, ""); err != nil {
		return nil, err
	}

	def, _ := c.directory.Definition(chosen.DefinitionID)
	assignment := &AgentAssignment{
		ID:           uuid.NewString(),
		InstanceID:   chosen.ID,
		DefinitionID: chosen.DefinitionID,
		Strategy:     strategy,
		Resources: ResourceSnapshot{
			MemoryMB: chosen.MemoryMB(def),
			CPUCores: chosen.CPUCores(def),
		},
		StartedAt: time.Now().UTC(),
	}

	c.mu.Lock()
	key := assignmentKey(chosen.ID, stepExecutionID)
	if _, exists := c.assignments[key]; exists {
		c.mu.Unlock()
		_ = c.directory.TransitionStatus(chosen.ID, []AgentStatus{AgentBusy}, AgentIdle, "")
		return nil, fmt.Errorf("instance %s already assigned to step execution %s", chosen.ID, stepExecutionID)
	}
	c.assignments[key] = assignment
	c.mu.Unlock()

	return assignment, nil
}

func (c *Controller) strategyForStep(step *WorkflowStep) AssignmentStrategy {
	if raw, ok := step.Config["assignment_strategy"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			return AssignmentStrategy(s)
		}
	}
	return AssignCapabilityMatch
}

func (c *Controller) pick(candidates []*AgentInstance, strategy AssignmentStrategy, workspaceID, projectID string, required []string) *AgentInstance {
	switch strategy {
	case AssignRoundRobin:
		c.mu.Lock()
		key := workspaceID + "|" + projectID
		idx := c.rrCounters[key] % len(candidates)
		c.rrCounters[key]++
		c.mu.Unlock()
		return candidates[idx]
	case AssignLeastLoaded:
		// Load reporting is not wired yet; random among candidates keeps
		// the distribution even.
		return candidates[rand.Intn(len(candidates))]
	default: // capability_match, resource_based fall back to it
		best := candidates[0]
		bestScore := -1
		for _, inst := range candidates {
			def, ok := c.directory.Definition(inst.DefinitionID)
			if !ok {
				continue
			}
			score := def.CapabilityOverlap(required)
			if score > bestScore {
				best = inst
				bestScore = score
			}
		}
		return best
	}
}

// AssignWithFailover validates a previous assignment and, on failure,
// marks the instance errored and retries with a fresh candidate, up to
// maxRetries additional attempts.
func (c *Controller) AssignWithFailover(workspaceID, projectID string, step *WorkflowStep, stepExecutionID string, previous *AgentAssignment, failureReason string, maxRetries int) (*AgentAssignment, error) {
	if previous != nil {
		c.recordFailover(stepExecutionID, previous, failureReason)
		_ = c.directory.TransitionStatus(previous.InstanceID,
			[]AgentStatus{AgentIdle, AgentBusy}, AgentError, failureReason)
		c.releaseAssignment(previous, stepExecutionID)
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		assignment, err := c.Assign(workspaceID, projectID, step, stepExecutionID)
		if err == nil {
			if c.validateAssignment(assignment) {
				c.appendFailoverAttempt(stepExecutionID, assignment)
				return assignment, nil
			}
			_ = c.directory.TransitionStatus(assignment.InstanceID,
				[]AgentStatus{AgentBusy}, AgentError, "assignment validation failed")
			c.releaseAssignment(assignment, stepExecutionID)
			lastErr = fmt.Errorf("assignment validation failed for instance %s", assignment.InstanceID)
			continue
		}
		lastErr = err
		if errors.Is(err, ErrNoAgentAvailable) {
			break
		}
	}
	return nil, fmt.Errorf("failover exhausted for step %q: %w", step.Name, lastErr)
}

// validateAssignment re-checks an assignment against the directory.
func (c *Controller) validateAssignment(assignment *AgentAssignment) bool {
	inst, ok := c.directory.Instance(assignment.InstanceID)
	if !ok {
		return false
	}
	if inst.Status != AgentIdle && inst.Status != AgentBusy {
		return false
	}
	def, ok := c.directory.Definition(assignment.DefinitionID)
	return ok && def.IsEnabled
}

func (c *Controller) recordFailover(stepExecutionID string, original *AgentAssignment, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.failovers[stepExecutionID]
	if !ok {
		rec = &FailoverRecord{
			StepExecutionID: stepExecutionID,
			Original:        *original,
		}
		c.failovers[stepExecutionID] = rec
	}
	rec.FailureReason = reason
	rec.Attempts++
	rec.UpdatedAt = time.Now().UTC()
	c.metrics.AgentFailover()
}

func (c *Controller) appendFailoverAttempt(stepExecutionID string, assignment *AgentAssignment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.failovers[stepExecutionID]; ok {
		rec.Tried = append(rec.Tried, *assignment)
		rec.UpdatedAt = time.Now().UTC()
	}
}

// Reserve creates a reservation for the assignment bounded by the step
// timeout.
func (c *Controller) Reserve(assignment *AgentAssignment, workspaceID, projectID string, stepTimeout time.Duration) *AgentReservation {
	now := time.Now().UTC()
	res := &AgentReservation{
		Assignment:  *assignment,
		WorkspaceID: workspaceID,
		ProjectID:   projectID,
		StartedAt:   now,
		ExpiresAt:   now.Add(stepTimeout),
		Active:      true,
	}
	c.mu.Lock()
	c.reservations[assignment.ID] = res
	c.mu.Unlock()
	return res
}

// Release frees the assignment's reservation and returns the instance to
// idle (or error when failed is set).
func (c *Controller) Release(assignment *AgentAssignment, stepExecutionID string, failed bool, reason string) {
	c.mu.Lock()
	if res, ok := c.reservations[assignment.ID]; ok {
		res.Active = false
		delete(c.reservations, assignment.ID)
	}
	c.mu.Unlock()
	c.releaseAssignment(assignment, stepExecutionID)

	if failed {
		_ = c.directory.TransitionStatus(assignment.InstanceID,
			[]AgentStatus{AgentBusy}, AgentError, reason)
	} else {
		_ = c.directory.TransitionStatus(assignment.InstanceID,
			[]AgentStatus{AgentBusy}, AgentIdle, "")
	}
}

func (c *Controller) releaseAssignment(assignment *AgentAssignment, stepExecutionID string) {
	c.mu.Lock()
	delete(c.assignments, assignmentKey(assignment.InstanceID, stepExecutionID))
	c.mu.Unlock()
}

// ExecuteAgentStep is the engine-facing entry point: assign an instance,
// reserve it, invoke the agent with the step's context bundle, persist
// context updates and emit an agent_activity event.
func (c *Controller) ExecuteAgentStep(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, stepExecutionID string, input map[string]any, timeout time.Duration, maxRetries int) (map[string]any, error) {
	assignment, err := c.Assign(wfCtx.WorkspaceID, wfCtx.ProjectID, step, stepExecutionID)
	if err != nil {
		return nil, err
	}

	for {
		output, execErr := c.executeOnce(ctx, wfCtx, step, stepExecutionID, assignment, input, timeout)
		if execErr == nil {
			return output, nil
		}

		rec := c.failoverAttempts(stepExecutionID)
		if rec >= maxRetries {
			c.Release(assignment, stepExecutionID, true, execErr.Error())
			return nil, fmt.Errorf("agent step %q failed after %d failover attempts: %w",
				step.Name, rec, execErr)
		}

		assignment, err = c.AssignWithFailover(wfCtx.WorkspaceID, wfCtx.ProjectID,
			step, stepExecutionID, assignment, execErr.Error(), maxRetries)
		if err != nil {
			return nil, err
		}
	}
}

func (c *Controller) failoverAttempts(stepExecutionID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.failovers[stepExecutionID]; ok {
		return rec.Attempts
	}
	return 0
}

func (c *Controller) executeOnce(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, stepExecutionID string, assignment *AgentAssignment, input map[string]any, timeout time.Duration) (map[string]any, error) {
	instance, ok := c.directory.Instance(assignment.InstanceID)
	if !ok {
		return nil, fmt.Errorf("agent instance %s disappeared", assignment.InstanceID)
	}

	c.Reserve(assignment, wfCtx.WorkspaceID, wfCtx.ProjectID, timeout)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	invocation := AgentInvocation{
		StepName:    step.Name,
		StepConfig:  step.Config,
		ExecutionID: wfCtx.ExecutionID,
		Variables:   wfCtx.Variables(),
		StepOutputs: wfCtx.StepOutputs(),
		InputData:   input,
		Assignment:  *assignment,
	}

	result, err := c.executor.ExecuteAgent(execCtx, instance, invocation)

	c.emitActivity(ctx, wfCtx, step, assignment, err)

	if err != nil {
		timedOut := execCtx.Err() == context.DeadlineExceeded
		reason := err.Error()
		if timedOut {
			reason = fmt.Sprintf("agent step %q timed out after %s", step.Name, timeout)
		}
		c.Release(assignment, stepExecutionID, true, reason)
		if timedOut {
			return nil, fmt.Errorf("%s: %w", reason, err)
		}
		return nil, err
	}

	if result == nil {
		c.Release(assignment, stepExecutionID, false, "")
		return nil, nil
	}

	if len(result.ContextUpdates) > 0 && c.contexts != nil {
		if err := c.contexts.SaveContextVersion(ctx, wfCtx.WorkspaceID, instance.ID, result.ContextUpdates); err != nil {
			log.Printf("[Controller] failed to persist context updates for instance %s: %v", instance.ID, err)
		}
	}

	c.Release(assignment, stepExecutionID, false, "")
	return result.Output, nil
}

func (c *Controller) emitActivity(ctx context.Context, wfCtx *WorkflowContext, step *WorkflowStep, assignment *AgentAssignment, execErr error) {
	event := Event{
		EventType:   EventAgentActivity,
		ExecutionID: wfCtx.ExecutionID,
		WorkflowID:  wfCtx.WorkflowID,
		WorkspaceID: wfCtx.WorkspaceID,
		StepID:      step.ID,
		AgentID:     assignment.InstanceID,
		Message:     fmt.Sprintf("agent step %q on instance %s", step.Name, assignment.InstanceID),
		Timestamp:   time.Now().UTC(),
	}
	if execErr != nil {
		event.Data = map[string]any{"error": execErr.Error()}
	}
	if err := c.broadcaster.Broadcast(ctx, event); err != nil {
		log.Printf("[Controller] event broadcast failed: %v", err)
	}
}

// Stats returns a snapshot of controller bookkeeping.
func (c *Controller) Stats() ControllerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ControllerStats{
		ActiveAssignments:  len(c.assignments),
		ActiveReservations: len(c.reservations),
		FailoverRecords:    len(c.failovers),
	}
}

// StartSweeper launches the periodic cleanup of expired reservations and
// failover records older than 24 hours.
func (c *Controller) StartSweeper(interval time.Duration) {
	c.sweepOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.SweepStale(time.Now().UTC())
				case <-c.sweepStop:
					return
				}
			}
		}()
	})
}

// StopSweeper stops the background sweep.
func (c *Controller) StopSweeper() {
	c.stopOnce.Do(func() {
		close(c.sweepStop)
	})
}

// SweepStale removes reservations past expiry and failover records older
// than 24 hours.
func (c *Controller) SweepStale(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, res := range c.reservations {
		if now.After(res.ExpiresAt) {
			res.Active = false
			delete(c.reservations, id)
		}
	}
	for id, rec := range c.failovers {
		if now.Sub(rec.UpdatedAt) > 24*time.Hour {
			delete(c.failovers, id)
		}
	}
}
