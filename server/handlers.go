// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"forgeflow/core/approval"
	"forgeflow/core/orchestrator"
	"forgeflow/core/secrets"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusForError maps component sentinel errors onto HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowNotFound),
		errors.Is(err, orchestrator.ErrExecutionNotFound),
		errors.Is(err, secrets.ErrSecretNotFound),
		errors.Is(err, secrets.ErrWorkspaceNotFound),
		errors.Is(err, secrets.ErrSecretInactive),
		errors.Is(err, approval.ErrApprovalNotFound),
		errors.Is(err, approval.ErrFileApprovalNotFound):
		return http.StatusNotFound
	case errors.Is(err, secrets.ErrDuplicateSecret):
		return http.StatusConflict
	case errors.Is(err, approval.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, secrets.ErrEmptyValue),
		errors.Is(err, secrets.ErrInvalidPolicy),
		errors.Is(err, secrets.ErrWorkspaceMismatch),
		errors.Is(err, approval.ErrReviewerRequired),
		errors.Is(err, approval.ErrCommentRequired),
		errors.Is(err, approval.ErrReasonRequired),
		errors.Is(err, approval.ErrNoFileChanges):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	checks := map[string]bool{
		"encryption": a.secrets.Healthy(),
	}
	if a.db != nil {
		checks["database"] = a.db.PingContext(r.Context()) == nil
	}
	for _, ok := range checks {
		if !ok {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"service":   "forgeflow-core",
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

func (a *App) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"integration":  a.integration.Stats(),
		"llm_usage":    a.llm.Router().UsageSnapshot(),
		"cost_pending": len(a.costs.Pending()),
		"cost_dropped": a.costs.Dropped(),
	})
}

// actorFromRequest reads the acting identity headers used for audit rows.
func actorFromRequest(r *http.Request) secrets.Actor {
	return secrets.Actor{
		ID:        r.Header.Get("X-Actor-ID"),
		IP:        r.RemoteAddr,
		UserAgent: r.UserAgent(),
	}
}

// --- workflows and executions ---

func (a *App) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var workflow orchestrator.WorkflowDefinition
	if err := json.NewDecoder(r.Body).Decode(&workflow); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.store.SaveWorkflow(r.Context(), &workflow); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, workflow)
}

func (a *App) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow, err := a.store.GetWorkflow(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, workflow)
}

type executeRequest struct {
	WorkspaceID       string         `json:"workspace_id"`
	ProjectID         string         `json:"project_id"`
	InputVariables    map[string]any `json:"input_variables"`
	ParentExecutionID string         `json:"parent_execution_id"`
	Metadata          map[string]any `json:"metadata"`
}

func (a *App) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	executionID, _, err := a.integration.ExecuteWorkflow(r.Context(), mux.Vars(r)["id"], req.WorkspaceID, req.ProjectID, req.InputVariables, req.ParentExecutionID, req.Metadata)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": executionID})
}

func (a *App) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := a.store.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	steps, err := a.store.ListStepExecutions(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	payload := map[string]any{
		"execution": exec,
		"steps":     steps,
	}
	if result, ok := a.integration.Result(id); ok {
		payload["result"] = result
	}
	writeJSON(w, http.StatusOK, payload)
}

func (a *App) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	if err := a.integration.CancelWorkflowExecution(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// --- workspaces and secrets ---

// handleCreateWorkspace registers a workspace on stores that manage
// workspace membership in-process. With Postgres the workspaces table is
// provisioned by the control plane and this returns 501.
func (a *App) handleCreateWorkspace(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "workspace id is required"})
		return
	}
	registrar, ok := a.secretStore.(interface{ AddWorkspace(string) })
	if !ok {
		writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "workspaces are provisioned externally"})
		return
	}
	registrar.AddWorkspace(req.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"id": req.ID})
}

type createSecretRequest struct {
	Name       string                 `json:"name"`
	Value      string                 `json:"value"`
	SecretType string                 `json:"secret_type"`
	Policy     secrets.RotationPolicy `json:"rotation_policy"`
	Tags       []string               `json:"tags"`
	Metadata   map[string]any         `json:"metadata"`
}

func (a *App) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req createSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	secret, err := a.secrets.Create(r.Context(), secrets.CreateRequest{
		WorkspaceID: mux.Vars(r)["ws"],
		Name:        req.Name,
		Value:       req.Value,
		SecretType:  req.SecretType,
		Policy:      req.Policy,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
	}, actorFromRequest(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, secret)
}

func (a *App) handleListSecrets(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := secrets.ListFilter{
		SecretType:  q.Get("type"),
		ActiveOnly:  q.Get("active_only") != "false",
		RotationDue: q.Get("rotation_due") == "true",
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}
	list, err := a.secrets.List(r.Context(), mux.Vars(r)["ws"], filter)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": list, "count": len(list)})
}

func (a *App) handleRotationDue(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			days = n
		}
	}
	list, err := a.secrets.RotationDue(r.Context(), mux.Vars(r)["ws"], days)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"secrets": list, "count": len(list)})
}

func (a *App) handleSecretStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.secrets.WorkspaceStats(r.Context(), mux.Vars(r)["ws"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *App) handleGetSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	secret, err := a.secrets.GetMetadata(r.Context(), vars["ws"], vars["id"], actorFromRequest(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

// handleGetSecretValue returns the plaintext in the response body only;
// it is never written to a log line or an audit row.
func (a *App) handleGetSecretValue(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	value, err := a.secrets.GetValue(r.Context(), vars["ws"], vars["id"], actorFromRequest(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"value": value})
}

type updateSecretRequest struct {
	Value    *string                 `json:"value"`
	Policy   *secrets.RotationPolicy `json:"rotation_policy"`
	Tags     *[]string               `json:"tags"`
	Metadata *map[string]any         `json:"metadata"`
}

func (a *App) handleUpdateSecret(w http.ResponseWriter, r *http.Request) {
	var req updateSecretRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vars := mux.Vars(r)
	secret, err := a.secrets.Update(r.Context(), vars["ws"], vars["id"], secrets.UpdateRequest{
		Value:    req.Value,
		Policy:   req.Policy,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	}, actorFromRequest(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (a *App) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	vars := mux.Vars(r)
	secret, err := a.secrets.Rotate(r.Context(), vars["ws"], vars["id"], req.Value, actorFromRequest(r))
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, secret)
}

func (a *App) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := a.secrets.Delete(r.Context(), vars["ws"], vars["id"], actorFromRequest(r)); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSecretAudit(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	vars := mux.Vars(r)
	trail, err := a.secrets.AuditTrail(r.Context(), vars["ws"], vars["id"], limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"audit": trail, "count": len(trail)})
}

// --- approvals ---

type createApprovalRequest struct {
	ExecutionID string                     `json:"execution_id"`
	StepID      string                     `json:"step_id"`
	WorkspaceID string                     `json:"workspace_id"`
	FileChanges []approval.FileChangeInput `json:"file_changes"`
}

func (a *App) handleCreateApproval(w http.ResponseWriter, r *http.Request) {
	var req createApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	parent, err := a.approvals.CreateFileChanges(r.Context(), req.ExecutionID, req.StepID, req.WorkspaceID, req.FileChanges)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, parent)
}

func (a *App) handleGetApproval(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	parent, err := a.approvals.GetApproval(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	files, err := a.approvals.FileApprovals(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	changes, err := a.approvals.FileChanges(r.Context(), id)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval":       parent,
		"file_approvals": files,
		"file_changes":   changes,
	})
}

func (a *App) handleApprovalHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.approvals.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

type reviewRequest struct {
	Reviewer string `json:"reviewer"`
	Comment  string `json:"comment"`
	Reason   string `json:"reason"`
}

func (a *App) handleBulkApprove(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	parent, err := a.approvals.BulkApprove(r.Context(), mux.Vars(r)["id"], req.Reviewer, req.Comment)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, parent)
}

// handleFileAction dispatches one per-file review action.
func (a *App) handleFileAction(action approval.ActionType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req reviewRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		id := mux.Vars(r)["id"]

		var parent *approval.WorkflowStepApproval
		var err error
		switch action {
		case approval.ActionApprove:
			parent, err = a.approvals.Approve(r.Context(), id, req.Reviewer, req.Comment)
		case approval.ActionReject:
			parent, err = a.approvals.Reject(r.Context(), id, req.Reviewer, req.Comment)
		case approval.ActionRequestChanges:
			parent, err = a.approvals.RequestChanges(r.Context(), id, req.Reviewer, req.Comment)
		case approval.ActionRollback:
			parent, err = a.approvals.Rollback(r.Context(), id, req.Reviewer, req.Reason)
		}
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, parent)
	}
}

type fileCommentRequest struct {
	LineNumber int    `json:"line_number"`
	Text       string `json:"text"`
	Commenter  string `json:"commenter"`
}

func (a *App) handleFileComment(w http.ResponseWriter, r *http.Request) {
	var req fileCommentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.approvals.Comment(r.Context(), mux.Vars(r)["id"], req.LineNumber, req.Text, req.Commenter); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
