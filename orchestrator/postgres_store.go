// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists workflows and executions in Postgres. Free-form
// maps are stored as JSONB; step dependency lists as text arrays.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalMap(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*WorkflowDefinition, error) {
	var wf WorkflowDefinition
	err := s.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, project_id, name, version, is_active,
		       COALESCE(timeout_seconds, 0), COALESCE(max_retries, 0)
		FROM workflow_definitions
		WHERE id = $1`, id).Scan(
		&wf.ID, &wf.WorkspaceID, &wf.ProjectID, &wf.Name, &wf.Version,
		&wf.IsActive, &wf.TimeoutSeconds, &wf.MaxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, step_order, step_type,
		       COALESCE(condition_expression, ''),
		       COALESCE(agent_definition_id, ''), COALESCE(agent_instance_id, ''),
		       required_capabilities, depends_on_steps, config,
		       COALESCE(timeout_seconds, 0), COALESCE(max_retries, 0)
		FROM workflow_steps
		WHERE workflow_id = $1
		ORDER BY step_order`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow steps: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var step WorkflowStep
		var configRaw []byte
		if err := rows.Scan(&step.ID, &step.Name, &step.StepOrder, &step.StepType,
			&step.ConditionExpression, &step.AgentDefinitionID, &step.AgentInstanceID,
			pq.Array(&step.RequiredCapabilities), pq.Array(&step.DependsOn), &configRaw,
			&step.TimeoutSeconds, &step.MaxRetries); err != nil {
			return nil, fmt.Errorf("failed to scan workflow step: %w", err)
		}
		if step.Config, err = unmarshalMap(configRaw); err != nil {
			return nil, fmt.Errorf("failed to decode step config: %w", err)
		}
		wf.Steps = append(wf.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read workflow steps: %w", err)
	}
	return &wf, nil
}

func (s *PostgresStore) SaveWorkflow(ctx context.Context, workflow *WorkflowDefinition) error {
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO workflow_definitions
			(id, workspace_id, project_id, name, version, is_active, timeout_seconds, max_retries)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, version = EXCLUDED.version,
			is_active = EXCLUDED.is_active,
			timeout_seconds = EXCLUDED.timeout_seconds,
			max_retries = EXCLUDED.max_retries`,
		workflow.ID, workflow.WorkspaceID, workflow.ProjectID, workflow.Name,
		workflow.Version, workflow.IsActive, workflow.TimeoutSeconds, workflow.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to upsert workflow: %w", err)
	}

	if _, err = tx.ExecContext(ctx,
		`DELETE FROM workflow_steps WHERE workflow_id = $1`, workflow.ID); err != nil {
		return fmt.Errorf("failed to clear workflow steps: %w", err)
	}

	for i := range workflow.Steps {
		step := &workflow.Steps[i]
		if step.ID == "" {
			step.ID = uuid.NewString()
		}
		configRaw, err := marshalJSON(step.Config)
		if err != nil {
			return fmt.Errorf("failed to encode step config: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workflow_steps
				(id, workflow_id, name, step_order, step_type, condition_expression,
				 agent_definition_id, agent_instance_id, required_capabilities,
				 depends_on_steps, config, timeout_seconds, max_retries)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			step.ID, workflow.ID, step.Name, step.StepOrder, step.StepType,
			step.ConditionExpression, step.AgentDefinitionID, step.AgentInstanceID,
			pq.Array(step.RequiredCapabilities), pq.Array(step.DependsOn),
			configRaw, step.TimeoutSeconds, step.MaxRetries)
		if err != nil {
			return fmt.Errorf("failed to insert workflow step %s: %w", step.Name, err)
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) CreateExecution(ctx context.Context, exec *WorkflowExecution) error {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	inputRaw, err := marshalJSON(exec.InputVariables)
	if err != nil {
		return fmt.Errorf("failed to encode input variables: %w", err)
	}
	metaRaw, err := marshalJSON(exec.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	now := time.Now().UTC()
	exec.CreatedAt = now
	exec.UpdatedAt = now

	// max+1 per workflow, computed in the same statement to keep the
	// numbering race window inside the database.
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO workflow_executions
			(id, workflow_id, workspace_id, project_id, execution_number, status,
			 input_variables, parent_execution_id, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
			(SELECT COALESCE(MAX(execution_number), 0) + 1
			 FROM workflow_executions WHERE workflow_id = $2),
			$5, $6, NULLIF($7, ''), $8, $9, $9)
		RETURNING execution_number`,
		exec.ID, exec.WorkflowID, exec.WorkspaceID, exec.ProjectID,
		exec.Status, inputRaw, exec.ParentExecutionID, metaRaw, now).
		Scan(&exec.ExecutionNumber)
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*WorkflowExecution, error) {
	var exec WorkflowExecution
	var inputRaw, resultsRaw []byte
	var parent sql.NullString
	var errMsg sql.NullString
	var startedAt, completedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_id, workspace_id, project_id, execution_number, status,
		       input_variables, results, parent_execution_id, error_message,
		       started_at, completed_at, created_at, updated_at
		FROM workflow_executions
		WHERE id = $1`, id).Scan(
		&exec.ID, &exec.WorkflowID, &exec.WorkspaceID, &exec.ProjectID,
		&exec.ExecutionNumber, &exec.Status, &inputRaw, &resultsRaw,
		&parent, &errMsg, &startedAt, &completedAt, &exec.CreatedAt, &exec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load execution: %w", err)
	}

	if exec.InputVariables, err = unmarshalMap(inputRaw); err != nil {
		return nil, fmt.Errorf("failed to decode input variables: %w", err)
	}
	if exec.Results, err = unmarshalMap(resultsRaw); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}
	exec.ParentExecutionID = parent.String
	exec.ErrorMessage = errMsg.String
	if startedAt.Valid {
		exec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		exec.CompletedAt = &completedAt.Time
	}
	return &exec, nil
}

func (s *PostgresStore) UpdateExecution(ctx context.Context, exec *WorkflowExecution) error {
	resultsRaw, err := marshalJSON(exec.Results)
	if err != nil {
		return fmt.Errorf("failed to encode results: %w", err)
	}
	exec.UpdatedAt = time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE workflow_executions
		SET status = $2, results = $3, error_message = NULLIF($4, ''),
		    started_at = $5, completed_at = $6, updated_at = $7
		WHERE id = $1`,
		exec.ID, exec.Status, resultsRaw, exec.ErrorMessage,
		exec.StartedAt, exec.CompletedAt, exec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, exec.ID)
	}
	return nil
}

func (s *PostgresStore) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	if step.ID == "" {
		step.ID = uuid.NewString()
	}
	inputRaw, err := marshalJSON(step.Input)
	if err != nil {
		return fmt.Errorf("failed to encode step input: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_step_executions
			(id, execution_id, step_id, step_name, status, input, attempts, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		step.ID, step.ExecutionID, step.StepID, step.StepName,
		step.Status, inputRaw, step.Attempts, step.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to insert step execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateStepExecution(ctx context.Context, step *StepExecution) error {
	outputRaw, err := marshalJSON(step.Output)
	if err != nil {
		return fmt.Errorf("failed to encode step output: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE workflow_step_executions
		SET status = $2, output = $3, error_message = NULLIF($4, ''),
		    attempts = $5, completed_at = $6, duration_ms = $7
		WHERE id = $1`,
		step.ID, step.Status, outputRaw, step.ErrorMessage,
		step.Attempts, step.CompletedAt, step.DurationMS)
	if err != nil {
		return fmt.Errorf("failed to update step execution: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListStepExecutions(ctx context.Context, executionID string) ([]StepExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, step_id, step_name, status, input, output,
		       COALESCE(error_message, ''), attempts, started_at, completed_at,
		       COALESCE(duration_ms, 0)
		FROM workflow_step_executions
		WHERE execution_id = $1
		ORDER BY step_name`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []StepExecution
	for rows.Next() {
		var step StepExecution
		var inputRaw, outputRaw []byte
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&step.ID, &step.ExecutionID, &step.StepID, &step.StepName,
			&step.Status, &inputRaw, &outputRaw, &step.ErrorMessage,
			&step.Attempts, &startedAt, &completedAt, &step.DurationMS); err != nil {
			return nil, fmt.Errorf("failed to scan step execution: %w", err)
		}
		if step.Input, err = unmarshalMap(inputRaw); err != nil {
			return nil, fmt.Errorf("failed to decode step input: %w", err)
		}
		if step.Output, err = unmarshalMap(outputRaw); err != nil {
			return nil, fmt.Errorf("failed to decode step output: %w", err)
		}
		if startedAt.Valid {
			step.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = &completedAt.Time
		}
		out = append(out, step)
	}
	return out, rows.Err()
}
