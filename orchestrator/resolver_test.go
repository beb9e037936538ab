// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func step(id, name string, order int, deps ...string) WorkflowStep {
	return WorkflowStep{
		ID:        id,
		Name:      name,
		StepOrder: order,
		StepType:  StepTypeTask,
		DependsOn: deps,
	}
}

func workflowWith(steps ...WorkflowStep) *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:          "wf-1",
		WorkspaceID: "ws-1",
		Name:        "test-workflow",
		IsActive:    true,
		Steps:       steps,
	}
}

func hasErrorCode(result ValidationResult, code string) bool {
	for _, e := range result.Errors {
		if e.Code == code {
			return true
		}
	}
	return false
}

func TestValidateEmptyWorkflow(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith())
	assert.False(t, result.IsValid())
	assert.True(t, hasErrorCode(result, CodeMissingSteps))
}

func TestValidateHappyPath(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(
		step("a", "A", 1),
		step("b", "B", 2, "a"),
		step("c", "C", 3, "a"),
	))
	assert.True(t, result.IsValid(), "errors: %v", result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateDuplicateNames(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(
		step("a", "same", 1),
		step("b", "same", 2),
	))
	assert.True(t, hasErrorCode(result, CodeDuplicateStepNames))
}

func TestValidateNonSequentialOrder(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(
		step("a", "A", 1),
		step("b", "B", 3),
	))
	assert.True(t, hasErrorCode(result, CodeNonSequentialOrder))
}

func TestValidateDuplicateOrder(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(
		step("a", "A", 1),
		step("b", "B", 1),
	))
	assert.True(t, hasErrorCode(result, CodeDuplicateOrder))
}

func TestValidateSelfDependency(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(step("a", "A", 1, "a")))
	assert.True(t, hasErrorCode(result, CodeSelfDependency))
}

func TestValidateMissingDependency(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(step("a", "A", 1, "ghost")))
	assert.True(t, hasErrorCode(result, CodeMissingDependency))
}

func TestValidateCircularDependencyNamesCycle(t *testing.T) {
	r := NewResolver()
	result := r.Validate(workflowWith(
		step("a", "A", 1, "c"),
		step("b", "B", 2, "a"),
		step("c", "C", 3, "b"),
	))
	require.False(t, result.IsValid())
	require.True(t, hasErrorCode(result, CodeCircularDependency))

	for _, e := range result.Errors {
		if e.Code == CodeCircularDependency {
			// The message names at least one node on the cycle.
			assert.True(t, strings.Contains(e.Message, "A") ||
				strings.Contains(e.Message, "B") ||
				strings.Contains(e.Message, "C"))
		}
	}
}

func TestValidateAgentStepWithoutSelectorWarns(t *testing.T) {
	r := NewResolver()
	agentStep := step("a", "A", 1)
	agentStep.StepType = StepTypeAgent
	result := r.Validate(workflowWith(agentStep))
	assert.True(t, result.IsValid())
	assert.NotEmpty(t, result.Warnings)
}

func TestValidateUpdateBreakingChange(t *testing.T) {
	r := NewResolver()
	existing := workflowWith(
		step("a", "A", 1),
		step("b", "B", 2, "a"),
	)
	updated := workflowWith(step("b", "B", 1, "a"))

	result := r.ValidateUpdate(updated, existing)
	assert.True(t, hasErrorCode(result, CodeBreakingChange))
}

func TestExecutionLayersDiamond(t *testing.T) {
	r := NewResolver()
	steps := []WorkflowStep{
		step("a", "A", 1),
		step("b", "B", 2, "a"),
		step("c", "C", 3, "a"),
		step("d", "D", 4, "b", "c"),
	}

	layers, err := r.ExecutionLayers(steps)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, "a", layers[0][0].ID)
	require.Len(t, layers[1], 2)
	assert.Equal(t, "b", layers[1][0].ID)
	assert.Equal(t, "c", layers[1][1].ID)
	assert.Equal(t, "d", layers[2][0].ID)
}

func TestExecutionLayersIsPermutation(t *testing.T) {
	r := NewResolver()
	steps := []WorkflowStep{
		step("a", "A", 1),
		step("b", "B", 2, "a"),
		step("c", "C", 3, "a"),
		step("d", "D", 4, "c"),
		step("e", "E", 5),
	}

	layers, err := r.ExecutionLayers(steps)
	require.NoError(t, err)

	seen := make(map[string]int)
	levelOf := make(map[string]int)
	for level, layer := range layers {
		for _, s := range layer {
			seen[s.ID]++
			levelOf[s.ID] = level
		}
	}
	assert.Len(t, seen, len(steps))
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
	// Every dependency lives in a strictly earlier level.
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			assert.Less(t, levelOf[dep], levelOf[s.ID])
		}
	}
}

func TestExecutionLayersCycleFails(t *testing.T) {
	r := NewResolver()
	steps := []WorkflowStep{
		step("a", "A", 1, "c"),
		step("b", "B", 2, "a"),
		step("c", "C", 3, "b"),
	}

	_, err := r.ExecutionLayers(steps)
	require.Error(t, err)

	var verr ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, CodeCircularDependency, verr.Code)
}

func TestExecutionLayersDeterministic(t *testing.T) {
	r := NewResolver()
	steps := []WorkflowStep{
		step("z", "Z", 3),
		step("m", "M", 2),
		step("a", "A", 1),
	}

	first, err := r.ExecutionLayers(steps)
	require.NoError(t, err)
	second, err := r.ExecutionLayers(steps)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "a", first[0][0].ID)
	assert.Equal(t, "m", first[0][1].ID)
	assert.Equal(t, "z", first[0][2].ID)
}

func TestCanExecuteNow(t *testing.T) {
	r := NewResolver()
	s := step("b", "B", 2, "a")

	assert.False(t, r.CanExecuteNow(&s, map[string]bool{}, map[string]bool{}))
	assert.True(t, r.CanExecuteNow(&s, map[string]bool{"a": true}, map[string]bool{}))
	assert.False(t, r.CanExecuteNow(&s, map[string]bool{"a": true}, map[string]bool{"b": true}))
}
