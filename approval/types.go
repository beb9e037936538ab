// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package approval implements per-file review state machines for
// workflow-step checkpoints: one approval per file change, an
// append-only history, and a parent status rolled up from the children.
package approval

import (
	"errors"
	"time"
)

// Status is shared by parent approvals and per-file approvals.
type Status string

const (
	StatusPending          Status = "pending"
	StatusApproved         Status = "approved"
	StatusRejected         Status = "rejected"
	StatusChangesRequested Status = "changes_requested"
)

// ChangeType describes what happened to a file.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// ActionType is the kind of review action being recorded.
type ActionType string

const (
	ActionApprove        ActionType = "approve"
	ActionReject         ActionType = "reject"
	ActionRequestChanges ActionType = "request_changes"
	ActionComment        ActionType = "comment"
	ActionRollback       ActionType = "rollback"
)

// WorkflowStepApproval is the parent checkpoint. Its status is derived
// from the children on every child transition.
type WorkflowStepApproval struct {
	ID            string    `json:"id"`
	ExecutionID   string    `json:"execution_id,omitempty"`
	StepID        string    `json:"step_id,omitempty"`
	WorkspaceID   string    `json:"workspace_id,omitempty"`
	Status        Status    `json:"status"`
	FileChangeIDs []string  `json:"file_change_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// LineChange is one hunk-level summary entry.
type LineChange struct {
	StartLine int    `json:"start_line"`
	EndLine   int    `json:"end_line"`
	Kind      string `json:"kind"` // added, removed, changed
}

// FileChange is the reviewed artefact. Exactly one FileApproval exists
// per FileChange.
type FileChange struct {
	ID              string       `json:"id"`
	ApprovalID      string       `json:"approval_id"`
	FilePath        string       `json:"file_path"`
	FileType        string       `json:"file_type,omitempty"`
	ChangeType      ChangeType   `json:"change_type"`
	IsNewFile       bool         `json:"is_new_file"`
	IsBinary        bool         `json:"is_binary"`
	OriginalContent string       `json:"original_content,omitempty"`
	NewContent      string       `json:"new_content,omitempty"`
	DiffSummary     string       `json:"diff_summary,omitempty"`
	LineChanges     []LineChange `json:"line_changes,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
}

// InlineComment is a line-anchored review note.
type InlineComment struct {
	LineNumber int       `json:"line_number"`
	Text       string    `json:"text"`
	Commenter  string    `json:"commenter"`
	CreatedAt  time.Time `json:"created_at"`
}

// FileApproval is the per-file review state.
type FileApproval struct {
	ID             string          `json:"id"`
	FileChangeID   string          `json:"file_change_id"`
	ApprovalID     string          `json:"approval_id"`
	Status         Status          `json:"status"`
	Reviewer       string          `json:"reviewer,omitempty"`
	Comment        string          `json:"comment,omitempty"`
	InlineComments []InlineComment `json:"inline_comments,omitempty"`
	ReviewMetadata map[string]any  `json:"review_metadata,omitempty"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ApprovalHistory is one append-only action row. Every state change and
// every comment produces exactly one row.
type ApprovalHistory struct {
	ID             string     `json:"id"`
	FileApprovalID string     `json:"file_approval_id"`
	ApprovalID     string     `json:"approval_id"`
	Action         ActionType `json:"action_type"`
	Actor          string     `json:"actor"`
	OldStatus      Status     `json:"old_status"`
	NewStatus      Status     `json:"new_status"`
	ActionComment  string     `json:"action_comment,omitempty"`
	Timestamp      time.Time  `json:"timestamp"`
}

// FileChangeInput is one entry of the approval-data payload.
type FileChangeInput struct {
	FilePath        string       `json:"file_path"`
	FileType        string       `json:"file_type,omitempty"`
	ChangeType      ChangeType   `json:"change_type,omitempty"`
	IsNewFile       bool         `json:"is_new_file,omitempty"`
	IsBinary        bool         `json:"is_binary,omitempty"`
	OriginalContent string       `json:"original_content,omitempty"`
	NewContent      string       `json:"new_content,omitempty"`
	DiffSummary     string       `json:"diff_summary,omitempty"`
	LineChanges     []LineChange `json:"line_changes,omitempty"`
}

var (
	ErrApprovalNotFound     = errors.New("approval not found")
	ErrFileApprovalNotFound = errors.New("file approval not found")
	ErrReviewerRequired     = errors.New("reviewer id is required")
	ErrCommentRequired      = errors.New("a comment is required")
	ErrReasonRequired       = errors.New("a reason is required to roll back")
	ErrInvalidTransition    = errors.New("action not allowed from current status")
	ErrNoFileChanges        = errors.New("approval payload contains no file changes")
)
