// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

// Engine drives the per-file review state machine. Every state change
// and every comment writes exactly one history row; the parent status is
// re-derived from the children after each child transition.
type Engine struct {
	store Store
}

func NewEngine(store Store) *Engine {
	return &Engine{store: store}
}

// CreateFileChanges materialises one FileChange and one FileApproval per
// payload entry under a fresh pending parent.
func (e *Engine) CreateFileChanges(ctx context.Context, executionID, stepID, workspaceID string, payload []FileChangeInput) (*WorkflowStepApproval, error) {
	if len(payload) == 0 {
		return nil, ErrNoFileChanges
	}

	now := time.Now().UTC()
	parent := &WorkflowStepApproval{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		StepID:      stepID,
		WorkspaceID: workspaceID,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	changes := make([]*FileChange, 0, len(payload))
	approvals := make([]*FileApproval, 0, len(payload))
	for _, in := range payload {
		if in.FilePath == "" {
			return nil, fmt.Errorf("file change payload entry is missing file_path")
		}
		changeType := in.ChangeType
		if changeType == "" {
			changeType = ChangeModified
		}
		change := &FileChange{
			ID:              uuid.NewString(),
			ApprovalID:      parent.ID,
			FilePath:        in.FilePath,
			FileType:        in.FileType,
			ChangeType:      changeType,
			IsNewFile:       in.IsNewFile || changeType == ChangeCreated,
			IsBinary:        in.IsBinary,
			OriginalContent: in.OriginalContent,
			NewContent:      in.NewContent,
			DiffSummary:     in.DiffSummary,
			LineChanges:     in.LineChanges,
			CreatedAt:       now,
		}
		changes = append(changes, change)
		approvals = append(approvals, &FileApproval{
			ID:           uuid.NewString(),
			FileChangeID: change.ID,
			ApprovalID:   parent.ID,
			Status:       StatusPending,
			UpdatedAt:    now,
		})
		parent.FileChangeIDs = append(parent.FileChangeIDs, change.ID)
	}

	if err := e.store.CreateApproval(ctx, parent, changes, approvals); err != nil {
		return nil, err
	}
	log.Printf("[ApprovalEngine] created approval %s with %d file changes", parent.ID, len(changes))
	return parent, nil
}

// Approve moves a pending file approval to approved.
func (e *Engine) Approve(ctx context.Context, fileApprovalID, reviewer, comment string) (*WorkflowStepApproval, error) {
	return e.transition(ctx, fileApprovalID, ActionApprove, reviewer, comment)
}

// Reject moves a pending file approval to rejected. A comment is
// mandatory.
func (e *Engine) Reject(ctx context.Context, fileApprovalID, reviewer, comment string) (*WorkflowStepApproval, error) {
	if comment == "" {
		return nil, ErrCommentRequired
	}
	return e.transition(ctx, fileApprovalID, ActionReject, reviewer, comment)
}

// RequestChanges moves a pending file approval to changes_requested.
func (e *Engine) RequestChanges(ctx context.Context, fileApprovalID, reviewer, comment string) (*WorkflowStepApproval, error) {
	return e.transition(ctx, fileApprovalID, ActionRequestChanges, reviewer, comment)
}

// Rollback returns a decided file approval to pending. A reason is
// mandatory.
func (e *Engine) Rollback(ctx context.Context, fileApprovalID, actor, reason string) (*WorkflowStepApproval, error) {
	if reason == "" {
		return nil, ErrReasonRequired
	}
	return e.transition(ctx, fileApprovalID, ActionRollback, actor, reason)
}

// Comment attaches an inline comment without changing status. Still
// writes its history row.
func (e *Engine) Comment(ctx context.Context, fileApprovalID string, lineNumber int, text, commenter string) error {
	if commenter == "" {
		return ErrReviewerRequired
	}
	if text == "" {
		return ErrCommentRequired
	}
	fa, err := e.store.GetFileApproval(ctx, fileApprovalID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	fa.InlineComments = append(fa.InlineComments, InlineComment{
		LineNumber: lineNumber,
		Text:       text,
		Commenter:  commenter,
		CreatedAt:  now,
	})
	fa.UpdatedAt = now
	if err := e.store.UpdateFileApproval(ctx, fa); err != nil {
		return err
	}

	return e.store.AppendHistory(ctx, &ApprovalHistory{
		FileApprovalID: fa.ID,
		ApprovalID:     fa.ApprovalID,
		Action:         ActionComment,
		Actor:          commenter,
		OldStatus:      fa.Status,
		NewStatus:      fa.Status,
		ActionComment:  text,
		Timestamp:      now,
	})
}

// BulkApprove approves every pending child with a shared actor and
// comment. Roll-up runs after each approval; with no rejections or
// change requests present the final parent status is approved.
func (e *Engine) BulkApprove(ctx context.Context, approvalID, reviewer, comment string) (*WorkflowStepApproval, error) {
	children, err := e.store.ListFileApprovals(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	var parent *WorkflowStepApproval
	for _, child := range children {
		if child.Status != StatusPending {
			continue
		}
		parent, err = e.Approve(ctx, child.ID, reviewer, comment)
		if err != nil {
			return nil, err
		}
	}
	if parent == nil {
		return e.store.GetApproval(ctx, approvalID)
	}
	return parent, nil
}

// GetApproval returns the parent with its current derived status.
func (e *Engine) GetApproval(ctx context.Context, approvalID string) (*WorkflowStepApproval, error) {
	return e.store.GetApproval(ctx, approvalID)
}

// FileApprovals lists the children of one parent.
func (e *Engine) FileApprovals(ctx context.Context, approvalID string) ([]*FileApproval, error) {
	return e.store.ListFileApprovals(ctx, approvalID)
}

// FileChanges lists the reviewed artefacts of one parent.
func (e *Engine) FileChanges(ctx context.Context, approvalID string) ([]*FileChange, error) {
	return e.store.ListFileChanges(ctx, approvalID)
}

// History returns every action row for one parent, oldest first.
func (e *Engine) History(ctx context.Context, approvalID string) ([]*ApprovalHistory, error) {
	return e.store.History(ctx, approvalID)
}

// transition applies one review action, appends its history row and
// re-derives the parent status.
func (e *Engine) transition(ctx context.Context, fileApprovalID string, action ActionType, actor, comment string) (*WorkflowStepApproval, error) {
	if actor == "" {
		return nil, ErrReviewerRequired
	}
	fa, err := e.store.GetFileApproval(ctx, fileApprovalID)
	if err != nil {
		return nil, err
	}

	next, err := nextStatus(fa.Status, action)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	old := fa.Status
	fa.Status = next
	fa.Reviewer = actor
	fa.Comment = comment
	fa.UpdatedAt = now
	if err := e.store.UpdateFileApproval(ctx, fa); err != nil {
		return nil, err
	}

	if err := e.store.AppendHistory(ctx, &ApprovalHistory{
		FileApprovalID: fa.ID,
		ApprovalID:     fa.ApprovalID,
		Action:         action,
		Actor:          actor,
		OldStatus:      old,
		NewStatus:      next,
		ActionComment:  comment,
		Timestamp:      now,
	}); err != nil {
		return nil, err
	}

	return e.rollUp(ctx, fa.ApprovalID)
}

// nextStatus is the transition table. Approve/reject/request_changes
// apply to pending children only; rollback returns any decided child to
// pending.
func nextStatus(from Status, action ActionType) (Status, error) {
	switch action {
	case ActionApprove:
		if from == StatusPending {
			return StatusApproved, nil
		}
	case ActionReject:
		if from == StatusPending {
			return StatusRejected, nil
		}
	case ActionRequestChanges:
		if from == StatusPending {
			return StatusChangesRequested, nil
		}
	case ActionRollback:
		if from == StatusApproved || from == StatusRejected || from == StatusChangesRequested {
			return StatusPending, nil
		}
	}
	return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, action, from)
}

// rollUp derives the parent status: any rejected child wins, then any
// changes_requested, then all-approved, else pending.
func (e *Engine) rollUp(ctx context.Context, approvalID string) (*WorkflowStepApproval, error) {
	children, err := e.store.ListFileApprovals(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	status := StatusPending
	approved := 0
	for _, child := range children {
		switch child.Status {
		case StatusRejected:
			status = StatusRejected
		case StatusChangesRequested:
			if status != StatusRejected {
				status = StatusChangesRequested
			}
		case StatusApproved:
			approved++
		}
	}
	if status == StatusPending && approved == len(children) && len(children) > 0 {
		status = StatusApproved
	}

	parent, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if parent.Status != status {
		parent.Status = status
		parent.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateApproval(ctx, parent); err != nil {
			return nil, err
		}
	}
	return parent, nil
}
