// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"context"
	"fmt"

	"forgeflow/core/approval"
	"forgeflow/core/llm"
	"forgeflow/core/orchestrator"
)

// newTaskProcessor returns the task-step processor for the core service.
// Task steps select behaviour via config["action"]:
//
//	llm_generate     - run a generation through the LLM service
//	request_approval - open a file-level approval for the step
//	(anything else)  - echo the resolved inputs
func newTaskProcessor(llmService *llm.Service, approvals *approval.Engine) orchestrator.StepProcessor {
	return orchestrator.StepProcessorFunc(func(ctx context.Context, wfCtx *orchestrator.WorkflowContext, step *orchestrator.WorkflowStep, input map[string]any) (map[string]any, error) {
		switch stringConfig(step.Config, "action") {
		case "llm_generate":
			return processLLMStep(ctx, llmService, wfCtx, step, input)
		case "request_approval":
			return processApprovalStep(ctx, approvals, wfCtx, step, input)
		default:
			output := map[string]any{
				"step":   step.Name,
				"status": "completed",
			}
			for k, v := range input {
				output[k] = v
			}
			return output, nil
		}
	})
}

func processLLMStep(ctx context.Context, service *llm.Service, wfCtx *orchestrator.WorkflowContext, step *orchestrator.WorkflowStep, input map[string]any) (map[string]any, error) {
	prompt, _ := input["prompt"].(string)
	if prompt == "" {
		prompt = stringConfig(step.Config, "prompt")
	}
	if prompt == "" {
		return nil, fmt.Errorf("step %q has no prompt", step.Name)
	}

	opts := llm.GenerateOptions{
		Provider:     stringConfig(step.Config, "provider"),
		Model:        stringConfig(step.Config, "model"),
		SystemPrompt: stringConfig(step.Config, "system_prompt"),
		Strategy:     llm.RoutingStrategy(stringConfig(step.Config, "strategy")),
		Complexity:   llm.TaskComplexity(stringConfig(step.Config, "complexity")),
		Capability:   llm.Capability(stringConfig(step.Config, "capability")),
		MaxTokens:    intConfig(step.Config, "max_tokens"),
		WorkspaceID:  wfCtx.WorkspaceID,
		ExecutionID:  wfCtx.ExecutionID,
	}

	resp, err := service.Generate(ctx, prompt, opts)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"content":  resp.Content,
		"provider": resp.Provider,
		"model":    resp.Model,
		"tokens":   resp.TotalTokens,
		"cost_usd": resp.CostUSD,
	}, nil
}

// processApprovalStep opens a file-level approval from the step input's
// "file_changes" list and reports the created ids. The workflow resumes
// immediately; reviewers act through the approval endpoints.
func processApprovalStep(ctx context.Context, approvals *approval.Engine, wfCtx *orchestrator.WorkflowContext, step *orchestrator.WorkflowStep, input map[string]any) (map[string]any, error) {
	raw, ok := input["file_changes"].([]any)
	if !ok || len(raw) == 0 {
		return nil, approval.ErrNoFileChanges
	}

	payload := make([]approval.FileChangeInput, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %q: malformed file change entry", step.Name)
		}
		payload = append(payload, approval.FileChangeInput{
			FilePath:        stringConfig(m, "file_path"),
			FileType:        stringConfig(m, "file_type"),
			ChangeType:      approval.ChangeType(stringConfig(m, "change_type")),
			OriginalContent: stringConfig(m, "original_content"),
			NewContent:      stringConfig(m, "new_content"),
			DiffSummary:     stringConfig(m, "diff_summary"),
		})
	}

	parent, err := approvals.CreateFileChanges(ctx, wfCtx.ExecutionID, step.ID, wfCtx.WorkspaceID, payload)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"approval_id":     parent.ID,
		"approval_status": string(parent.Status),
		"file_change_ids": parent.FileChangeIDs,
	}, nil
}

func stringConfig(config map[string]any, key string) string {
	if config == nil {
		return ""
	}
	s, _ := config[key].(string)
	return s
}

func intConfig(config map[string]any, key string) int {
	if config == nil {
		return 0
	}
	switch n := config[key].(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}
