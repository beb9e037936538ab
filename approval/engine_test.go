// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApproval(t *testing.T, files int) (*Engine, *WorkflowStepApproval, []*FileApproval) {
	t.Helper()
	engine := NewEngine(NewMemoryStore())

	payload := make([]FileChangeInput, 0, files)
	for i := 0; i < files; i++ {
		payload = append(payload, FileChangeInput{
			FilePath:   string(rune('a'+i)) + ".go",
			ChangeType: ChangeModified,
			NewContent: "package main",
		})
	}

	parent, err := engine.CreateFileChanges(context.Background(), "exec-1", "step-1", "ws-1", payload)
	require.NoError(t, err)
	require.Equal(t, StatusPending, parent.Status)

	children, err := engine.FileApprovals(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, children, files)
	return engine, parent, children
}

func TestParentRollUpAcrossMixedDecisions(t *testing.T) {
	ctx := context.Background()
	engine, _, children := newTestApproval(t, 3)

	parent, err := engine.Approve(ctx, children[0].ID, "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, parent.Status)

	parent, err = engine.RequestChanges(ctx, children[1].ID, "alice", "rename the helper")
	require.NoError(t, err)
	assert.Equal(t, StatusChangesRequested, parent.Status)

	parent, err = engine.Reject(ctx, children[2].ID, "alice", "breaks the build")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, parent.Status)

	// Rolling the rejection back to pending leaves the change request as
	// the strongest remaining signal.
	parent, err = engine.Rollback(ctx, children[2].ID, "alice", "re-reviewing after fix")
	require.NoError(t, err)
	assert.Equal(t, StatusChangesRequested, parent.Status)

	history, err := engine.History(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestAllApprovedRollsUpApproved(t *testing.T) {
	ctx := context.Background()
	engine, parent, children := newTestApproval(t, 2)

	var err error
	for _, child := range children {
		parent, err = engine.Approve(ctx, child.ID, "bob", "")
		require.NoError(t, err)
	}
	assert.Equal(t, StatusApproved, parent.Status)
}

func TestRejectRequiresComment(t *testing.T) {
	ctx := context.Background()
	engine, _, children := newTestApproval(t, 1)

	_, err := engine.Reject(ctx, children[0].ID, "alice", "")
	assert.ErrorIs(t, err, ErrCommentRequired)

	fa, err := engine.FileApprovals(ctx, children[0].ApprovalID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fa[0].Status)
}

func TestRollbackRequiresReasonAndDecidedState(t *testing.T) {
	ctx := context.Background()
	engine, _, children := newTestApproval(t, 1)

	_, err := engine.Rollback(ctx, children[0].ID, "alice", "")
	assert.ErrorIs(t, err, ErrReasonRequired)

	// A pending child cannot be rolled back.
	_, err = engine.Rollback(ctx, children[0].ID, "alice", "undo")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = engine.Approve(ctx, children[0].ID, "alice", "")
	require.NoError(t, err)
	parent, err := engine.Rollback(ctx, children[0].ID, "alice", "second thoughts")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, parent.Status)
}

func TestDecidedChildRejectsFurtherDecisions(t *testing.T) {
	ctx := context.Background()
	engine, _, children := newTestApproval(t, 1)

	_, err := engine.Approve(ctx, children[0].ID, "alice", "")
	require.NoError(t, err)

	_, err = engine.Approve(ctx, children[0].ID, "alice", "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = engine.Reject(ctx, children[0].ID, "alice", "nope")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestReviewerRequired(t *testing.T) {
	ctx := context.Background()
	engine, _, children := newTestApproval(t, 1)

	_, err := engine.Approve(ctx, children[0].ID, "", "")
	assert.ErrorIs(t, err, ErrReviewerRequired)
}

func TestCommentKeepsStatusAndWritesHistory(t *testing.T) {
	ctx := context.Background()
	engine, parent, children := newTestApproval(t, 1)

	_, err := engine.Approve(ctx, children[0].ID, "alice", "")
	require.NoError(t, err)

	require.NoError(t, engine.Comment(ctx, children[0].ID, 12, "consider a table test", "bob"))

	fas, err := engine.FileApprovals(ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, fas[0].Status)
	require.Len(t, fas[0].InlineComments, 1)
	assert.Equal(t, 12, fas[0].InlineComments[0].LineNumber)
	assert.Equal(t, "bob", fas[0].InlineComments[0].Commenter)

	history, err := engine.History(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, ActionComment, history[1].Action)
	assert.Equal(t, StatusApproved, history[1].OldStatus)
	assert.Equal(t, StatusApproved, history[1].NewStatus)
}

func TestBulkApprove(t *testing.T) {
	ctx := context.Background()
	engine, parent, children := newTestApproval(t, 3)

	// One child already decided; bulk approve only touches the rest.
	_, err := engine.Approve(ctx, children[0].ID, "alice", "")
	require.NoError(t, err)

	parent, err = engine.BulkApprove(ctx, parent.ID, "alice", "batch approved")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, parent.Status)

	history, err := engine.History(ctx, parent.ID)
	require.NoError(t, err)
	assert.Len(t, history, 3)
}

func TestCreateRejectsEmptyPayload(t *testing.T) {
	engine := NewEngine(NewMemoryStore())
	_, err := engine.CreateFileChanges(context.Background(), "exec-1", "step-1", "ws-1", nil)
	assert.ErrorIs(t, err, ErrNoFileChanges)
}

func TestExactlyOneHistoryRowPerAction(t *testing.T) {
	ctx := context.Background()
	engine, parent, children := newTestApproval(t, 2)

	_, err := engine.Approve(ctx, children[0].ID, "alice", "")
	require.NoError(t, err)
	_, err = engine.RequestChanges(ctx, children[1].ID, "bob", "needs a test")
	require.NoError(t, err)
	require.NoError(t, engine.Comment(ctx, children[1].ID, 3, "here", "alice"))
	_, err = engine.Rollback(ctx, children[1].ID, "bob", "test added")
	require.NoError(t, err)

	history, err := engine.History(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, history, 4)

	counts := map[ActionType]int{}
	for _, row := range history {
		counts[row.Action]++
	}
	assert.Equal(t, map[ActionType]int{
		ActionApprove:        1,
		ActionRequestChanges: 1,
		ActionComment:        1,
		ActionRollback:       1,
	}, counts)
}
