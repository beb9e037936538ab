// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package approval

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Store persists approvals, file changes, per-file approvals and
// history rows.
type Store interface {
	CreateApproval(ctx context.Context, parent *WorkflowStepApproval, changes []*FileChange, approvals []*FileApproval) error
	GetApproval(ctx context.Context, id string) (*WorkflowStepApproval, error)
	UpdateApproval(ctx context.Context, parent *WorkflowStepApproval) error
	GetFileApproval(ctx context.Context, id string) (*FileApproval, error)
	UpdateFileApproval(ctx context.Context, fa *FileApproval) error
	ListFileApprovals(ctx context.Context, approvalID string) ([]*FileApproval, error)
	ListFileChanges(ctx context.Context, approvalID string) ([]*FileChange, error)
	AppendHistory(ctx context.Context, row *ApprovalHistory) error
	History(ctx context.Context, approvalID string) ([]*ApprovalHistory, error)
}

// MemoryStore is the in-process implementation used by tests and
// single-node deployments.
type MemoryStore struct {
	mu            sync.RWMutex
	approvals     map[string]*WorkflowStepApproval
	changes       map[string]*FileChange
	fileApprovals map[string]*FileApproval
	history       []*ApprovalHistory
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		approvals:     make(map[string]*WorkflowStepApproval),
		changes:       make(map[string]*FileChange),
		fileApprovals: make(map[string]*FileApproval),
	}
}

func (s *MemoryStore) CreateApproval(_ context.Context, parent *WorkflowStepApproval, changes []*FileChange, approvals []*FileApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if parent.ID == "" {
		parent.ID = uuid.NewString()
	}
	cp := *parent
	s.approvals[parent.ID] = &cp
	for _, c := range changes {
		cc := *c
		s.changes[c.ID] = &cc
	}
	for _, a := range approvals {
		ca := copyFileApproval(a)
		s.fileApprovals[a.ID] = ca
	}
	return nil
}

func (s *MemoryStore) GetApproval(_ context.Context, id string) (*WorkflowStepApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.approvals[id]
	if !ok {
		return nil, ErrApprovalNotFound
	}
	cp := *p
	cp.FileChangeIDs = append([]string(nil), p.FileChangeIDs...)
	return &cp, nil
}

func (s *MemoryStore) UpdateApproval(_ context.Context, parent *WorkflowStepApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.approvals[parent.ID]; !ok {
		return ErrApprovalNotFound
	}
	cp := *parent
	cp.FileChangeIDs = append([]string(nil), parent.FileChangeIDs...)
	s.approvals[parent.ID] = &cp
	return nil
}

func (s *MemoryStore) GetFileApproval(_ context.Context, id string) (*FileApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fa, ok := s.fileApprovals[id]
	if !ok {
		return nil, ErrFileApprovalNotFound
	}
	return copyFileApproval(fa), nil
}

func (s *MemoryStore) UpdateFileApproval(_ context.Context, fa *FileApproval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fileApprovals[fa.ID]; !ok {
		return ErrFileApprovalNotFound
	}
	s.fileApprovals[fa.ID] = copyFileApproval(fa)
	return nil
}

func (s *MemoryStore) ListFileApprovals(_ context.Context, approvalID string) ([]*FileApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*FileApproval
	for _, fa := range s.fileApprovals {
		if fa.ApprovalID == approvalID {
			out = append(out, copyFileApproval(fa))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileChangeID < out[j].FileChangeID })
	return out, nil
}

func (s *MemoryStore) ListFileChanges(_ context.Context, approvalID string) ([]*FileChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*FileChange
	for _, c := range s.changes {
		if c.ApprovalID == approvalID {
			cc := *c
			out = append(out, &cc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out, nil
}

func (s *MemoryStore) AppendHistory(_ context.Context, row *ApprovalHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = uuid.NewString()
	}
	cp := *row
	s.history = append(s.history, &cp)
	return nil
}

func (s *MemoryStore) History(_ context.Context, approvalID string) ([]*ApprovalHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApprovalHistory
	for _, row := range s.history {
		if row.ApprovalID == approvalID {
			cp := *row
			out = append(out, &cp)
		}
	}
	return out, nil
}

func copyFileApproval(fa *FileApproval) *FileApproval {
	cp := *fa
	cp.InlineComments = append([]InlineComment(nil), fa.InlineComments...)
	if fa.ReviewMetadata != nil {
		cp.ReviewMetadata = make(map[string]any, len(fa.ReviewMetadata))
		for k, v := range fa.ReviewMetadata {
			cp.ReviewMetadata[k] = v
		}
	}
	return &cp
}
