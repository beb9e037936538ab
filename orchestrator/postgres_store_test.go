// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresCreateExecutionAssignsNextNumber(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`INSERT INTO workflow_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"execution_number"}).AddRow(4))

	store := NewPostgresStore(db)
	exec := &WorkflowExecution{
		WorkflowID:     "wf-1",
		WorkspaceID:    "ws-1",
		Status:         ExecutionPending,
		InputVariables: map[string]any{"region": "eu"},
	}
	require.NoError(t, store.CreateExecution(context.Background(), exec))
	assert.Equal(t, 4, exec.ExecutionNumber)
	assert.NotEmpty(t, exec.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetExecutionNotFound(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .* FROM workflow_executions`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPostgresStore(db)
	_, err = store.GetExecution(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestPostgresUpdateExecutionMissingRow(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE workflow_executions`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	store := NewPostgresStore(db)
	err = store.UpdateExecution(context.Background(), &WorkflowExecution{
		ID:     "missing",
		Status: ExecutionCompleted,
	})
	assert.ErrorIs(t, err, ErrExecutionNotFound)
}

func TestPostgresSaveWorkflowWritesStepsInTransaction(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO workflow_definitions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM workflow_steps`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO workflow_steps`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO workflow_steps`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	err = store.SaveWorkflow(context.Background(), &WorkflowDefinition{
		WorkspaceID: "ws-1",
		Name:        "deploy",
		Version:     1,
		IsActive:    true,
		Steps: []WorkflowStep{
			{Name: "build", StepOrder: 1, StepType: StepTypeTask},
			{Name: "release", StepOrder: 2, StepType: StepTypeTask, DependsOn: []string{"build"}},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
