// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestApp builds an app against the in-memory stores with mock LLM
// clients and a fast façade poll.
func newTestApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("FORGEFLOW_USE_MOCK_LLM", "true")
	t.Setenv("INTEGRATION_POLL_INTERVAL_SECONDS", "1")

	app, err := NewApp(context.Background(), Config{Port: "0"})
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Actor-ID", "tester")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	rec := doJSON(t, app.Handler(), http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "forgeflow-core", body["service"])
}

func TestWorkflowLifecycleOverHTTP(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workflows", map[string]any{
		"workspace_id": "ws-1",
		"name":         "two-step",
		"is_active":    true,
		"steps": []map[string]any{
			{"id": "s1", "name": "first", "step_order": 1, "step_type": "task"},
			{"id": "s2", "name": "second", "step_order": 2, "step_type": "task", "depends_on_steps": []string{"s1"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	workflowID, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, workflowID)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workflows/"+workflowID+"/executions", map[string]any{
		"workspace_id":    "ws-1",
		"input_variables": map[string]any{"target": "prod"},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	executionID, _ := decodeBody(t, rec)["execution_id"].(string)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/executions/"+executionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		exec, _ := decodeBody(t, rec)["execution"].(map[string]any)
		return exec != nil && exec["status"] == "completed"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExecuteUnknownWorkflowReturns404(t *testing.T) {
	app := newTestApp(t)

	rec := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/workflows/nope/executions", map[string]any{
		"workspace_id": "ws-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecretEndpoints(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/workspaces", map[string]any{"id": "ws-1"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workspaces/ws-1/secrets", map[string]any{
		"name":            "db-password",
		"value":           "s3cr3t-pg",
		"secret_type":     "database",
		"rotation_policy": "auto_30d",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody(t, rec)
	secretID, _ := created["id"].(string)
	require.NotEmpty(t, secretID)
	// Metadata responses never include the value, encrypted or not.
	assert.NotContains(t, rec.Body.String(), "s3cr3t-pg")

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/secrets/"+secretID+"/value", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s3cr3t-pg", decodeBody(t, rec)["value"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/secrets", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["count"])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/workspaces/ws-1/secrets/"+secretID+"/rotate", map[string]any{
		"value": "s3cr3t-pg-v2",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/secrets/"+secretID+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	audit := decodeBody(t, rec)
	assert.NotContains(t, rec.Body.String(), "s3cr3t-pg")
	assert.GreaterOrEqual(t, audit["count"].(float64), float64(3))

	rec = doJSON(t, h, http.MethodDelete, "/api/v1/workspaces/ws-1/secrets/"+secretID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/workspaces/ws-1/secrets/"+secretID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSecretCreateInUnknownWorkspace(t *testing.T) {
	app := newTestApp(t)

	rec := doJSON(t, app.Handler(), http.MethodPost, "/api/v1/workspaces/ghost/secrets", map[string]any{
		"name":  "k",
		"value": "v",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestApprovalEndpoints(t *testing.T) {
	app := newTestApp(t)
	h := app.Handler()

	rec := doJSON(t, h, http.MethodPost, "/api/v1/approvals", map[string]any{
		"execution_id": "exec-1",
		"step_id":      "s1",
		"workspace_id": "ws-1",
		"file_changes": []map[string]any{
			{"file_path": "main.go", "change_type": "modified", "new_content": "package main"},
			{"file_path": "util.go", "change_type": "created", "new_content": "package main"},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	approvalID, _ := decodeBody(t, rec)["id"].(string)
	require.NotEmpty(t, approvalID)

	rec = doJSON(t, h, http.MethodGet, "/api/v1/approvals/"+approvalID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	detail := decodeBody(t, rec)
	files, _ := detail["file_approvals"].([]any)
	require.Len(t, files, 2)
	first, _ := files[0].(map[string]any)
	fileApprovalID, _ := first["id"].(string)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/file-approvals/"+fileApprovalID+"/reject", map[string]any{
		"reviewer": "alice",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/file-approvals/"+fileApprovalID+"/reject", map[string]any{
		"reviewer": "alice",
		"comment":  "breaks lint",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "rejected", decodeBody(t, rec)["status"])

	rec = doJSON(t, h, http.MethodPost, "/api/v1/file-approvals/"+fileApprovalID+"/rollback", map[string]any{
		"reviewer": "alice",
		"reason":   "fixed",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/api/v1/approvals/"+approvalID+"/bulk-approve", map[string]any{
		"reviewer": "alice",
		"comment":  "ship it",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "approved", decodeBody(t, rec)["status"])

	rec = doJSON(t, h, http.MethodGet, "/api/v1/approvals/"+approvalID+"/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 4, decodeBody(t, rec)["count"])
}

func TestStatsEndpoint(t *testing.T) {
	app := newTestApp(t)

	rec := doJSON(t, app.Handler(), http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Contains(t, body, "integration")
	assert.Contains(t, body, "llm_usage")
}
