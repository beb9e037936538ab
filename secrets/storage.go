// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists secrets and audit rows. Implementations return copies;
// callers never share memory with the store.
type Store interface {
	WorkspaceExists(ctx context.Context, workspaceID string) (bool, error)
	ActiveByName(ctx context.Context, workspaceID, name string) (*Secret, error)
	Create(ctx context.Context, secret *Secret) error
	Get(ctx context.Context, id string) (*Secret, error)
	Update(ctx context.Context, secret *Secret) error
	List(ctx context.Context, workspaceID string, filter ListFilter) ([]*Secret, error)
	RotationDue(ctx context.Context, workspaceID string, before time.Time) ([]*Secret, error)
	AppendAudit(ctx context.Context, audit *SecretAudit) error
	AuditTrail(ctx context.Context, secretID string, limit int) ([]*SecretAudit, error)
}

// MemoryStore keeps everything in maps. Workspaces must be registered
// before secrets can be created in them.
type MemoryStore struct {
	mu         sync.RWMutex
	workspaces map[string]bool
	secrets    map[string]*Secret
	audits     []*SecretAudit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workspaces: make(map[string]bool),
		secrets:    make(map[string]*Secret),
	}
}

// AddWorkspace registers a workspace id.
func (s *MemoryStore) AddWorkspace(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workspaces[id] = true
}

func (s *MemoryStore) WorkspaceExists(_ context.Context, workspaceID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workspaces[workspaceID], nil
}

func (s *MemoryStore) ActiveByName(_ context.Context, workspaceID, name string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sec := range s.secrets {
		if sec.WorkspaceID == workspaceID && sec.Name == name && sec.IsActive {
			return copySecret(sec), nil
		}
	}
	return nil, ErrSecretNotFound
}

func (s *MemoryStore) Create(_ context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if secret.ID == "" {
		secret.ID = uuid.NewString()
	}
	s.secrets[secret.ID] = copySecret(secret)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sec, ok := s.secrets[id]
	if !ok {
		return nil, ErrSecretNotFound
	}
	return copySecret(sec), nil
}

func (s *MemoryStore) Update(_ context.Context, secret *Secret) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[secret.ID]; !ok {
		return ErrSecretNotFound
	}
	s.secrets[secret.ID] = copySecret(secret)
	return nil
}

func (s *MemoryStore) List(_ context.Context, workspaceID string, filter ListFilter) ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now().UTC()
	var out []*Secret
	for _, sec := range s.secrets {
		if sec.WorkspaceID != workspaceID {
			continue
		}
		if !matchesFilter(sec, filter, now) {
			continue
		}
		out = append(out, copySecret(sec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) RotationDue(_ context.Context, workspaceID string, before time.Time) ([]*Secret, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Secret
	for _, sec := range s.secrets {
		if sec.WorkspaceID != workspaceID || !sec.IsActive || sec.Policy == PolicyManual {
			continue
		}
		if sec.RotationDueAt != nil && !sec.RotationDueAt.After(before) {
			out = append(out, copySecret(sec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RotationDueAt.Before(*out[j].RotationDueAt) })
	return out, nil
}

func (s *MemoryStore) AppendAudit(_ context.Context, audit *SecretAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	cp := *audit
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *MemoryStore) AuditTrail(_ context.Context, secretID string, limit int) ([]*SecretAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*SecretAudit
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].SecretID != secretID {
			continue
		}
		cp := *s.audits[i]
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func matchesFilter(sec *Secret, filter ListFilter, now time.Time) bool {
	if filter.ActiveOnly && !sec.IsActive {
		return false
	}
	if filter.SecretType != "" && !strings.EqualFold(sec.SecretType, filter.SecretType) {
		return false
	}
	if filter.RotationDue && !sec.IsRotationDue(now) {
		return false
	}
	if len(filter.Tags) > 0 && !anyTagOverlap(sec.Tags, filter.Tags) {
		return false
	}
	return true
}

func anyTagOverlap(have, want []string) bool {
	for _, w := range want {
		for _, h := range have {
			if strings.EqualFold(h, w) {
				return true
			}
		}
	}
	return false
}

func copySecret(s *Secret) *Secret {
	cp := *s
	if s.RotationDueAt != nil {
		t := *s.RotationDueAt
		cp.RotationDueAt = &t
	}
	cp.Tags = append([]string(nil), s.Tags...)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]any, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
