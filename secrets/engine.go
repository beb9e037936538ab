// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"
)

// CreateRequest carries everything needed to mint a secret.
type CreateRequest struct {
	WorkspaceID string
	Name        string
	Value       string
	SecretType  string
	Policy      RotationPolicy
	Tags        []string
	Metadata    map[string]any
}

// UpdateRequest mutates a secret. Nil fields are left untouched.
type UpdateRequest struct {
	Value    *string
	Policy   *RotationPolicy
	Tags     *[]string
	Metadata *map[string]any
}

// Engine is the secret lifecycle service. Log output refers to secrets
// by id and name only; plaintext never reaches a log line or the store.
type Engine struct {
	store      Store
	encryption *EncryptionService
}

func NewEngine(store Store, encryption *EncryptionService) *Engine {
	return &Engine{store: store, encryption: encryption}
}

// Create encrypts and persists a new secret. Names are unique among the
// workspace's active secrets.
func (e *Engine) Create(ctx context.Context, req CreateRequest, actor Actor) (*Secret, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("secret name must not be empty")
	}
	if req.Value == "" {
		return nil, ErrEmptyValue
	}
	if req.Policy == "" {
		req.Policy = PolicyManual
	}
	if !req.Policy.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPolicy, req.Policy)
	}

	exists, err := e.store.WorkspaceExists(ctx, req.WorkspaceID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, req.WorkspaceID)
	}
	if _, err := e.store.ActiveByName(ctx, req.WorkspaceID, req.Name); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSecret, req.Name)
	}

	encrypted, err := e.encryption.Encrypt(req.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt secret %q: %w", req.Name, err)
	}

	now := time.Now().UTC()
	secret := &Secret{
		WorkspaceID:    req.WorkspaceID,
		Name:           req.Name,
		SecretType:     req.SecretType,
		EncryptedValue: encrypted,
		Policy:         req.Policy,
		LastRotatedAt:  now,
		RotationDueAt:  dueAt(now, req.Policy),
		Tags:           req.Tags,
		Metadata:       req.Metadata,
		IsActive:       true,
		CreatedBy:      actor.ID,
		UpdatedBy:      actor.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.store.Create(ctx, secret); err != nil {
		return nil, err
	}

	e.audit(ctx, secret.ID, AuditCreated, actor, map[string]any{
		"name":            secret.Name,
		"secret_type":     secret.SecretType,
		"rotation_policy": string(secret.Policy),
	})
	log.Printf("[SecretEngine] created secret %s (%s) in workspace %s", secret.ID, secret.Name, secret.WorkspaceID)
	return secret.Meta(), nil
}

// GetMetadata returns the secret without its encrypted value.
func (e *Engine) GetMetadata(ctx context.Context, workspaceID, id string, actor Actor) (*Secret, error) {
	secret, err := e.load(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	e.audit(ctx, secret.ID, AuditAccessed, actor, map[string]any{"mode": "metadata"})
	return secret.Meta(), nil
}

// GetValue decrypts and returns the plaintext. The caller owns the value
// for the duration of one operation only.
func (e *Engine) GetValue(ctx context.Context, workspaceID, id string, actor Actor) (string, error) {
	secret, err := e.load(ctx, workspaceID, id)
	if err != nil {
		return "", err
	}
	plaintext, err := e.encryption.Decrypt(secret.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret %s: %w", id, err)
	}
	e.audit(ctx, secret.ID, AuditAccessed, actor, map[string]any{"mode": "value"})
	return plaintext, nil
}

// Update applies the non-nil fields. A new value re-encrypts and resets
// the rotation clock; a policy change recomputes the due date.
func (e *Engine) Update(ctx context.Context, workspaceID, id string, req UpdateRequest, actor Actor) (*Secret, error) {
	secret, err := e.load(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var changed []string

	if req.Value != nil {
		if *req.Value == "" {
			return nil, ErrEmptyValue
		}
		encrypted, err := e.encryption.Encrypt(*req.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encrypt secret %s: %w", id, err)
		}
		secret.EncryptedValue = encrypted
		secret.LastRotatedAt = now
		changed = append(changed, "value")
	}
	if req.Policy != nil {
		if !req.Policy.Valid() {
			return nil, fmt.Errorf("%w: %s", ErrInvalidPolicy, *req.Policy)
		}
		secret.Policy = *req.Policy
		changed = append(changed, "rotation_policy")
	}
	if req.Value != nil || req.Policy != nil {
		secret.RotationDueAt = dueAt(secret.LastRotatedAt, secret.Policy)
	}
	if req.Tags != nil {
		secret.Tags = *req.Tags
		changed = append(changed, "tags")
	}
	if req.Metadata != nil {
		secret.Metadata = *req.Metadata
		changed = append(changed, "metadata")
	}
	if len(changed) == 0 {
		return secret.Meta(), nil
	}

	secret.UpdatedAt = now
	secret.UpdatedBy = actor.ID
	if err := e.store.Update(ctx, secret); err != nil {
		return nil, err
	}

	sort.Strings(changed)
	e.audit(ctx, secret.ID, AuditUpdated, actor, map[string]any{"changed_fields": changed})
	return secret.Meta(), nil
}

// Rotate replaces the value and writes an additional rotated audit row
// carrying the previous rotation timestamp.
func (e *Engine) Rotate(ctx context.Context, workspaceID, id, newValue string, actor Actor) (*Secret, error) {
	secret, err := e.load(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	previous := secret.LastRotatedAt

	updated, err := e.Update(ctx, workspaceID, id, UpdateRequest{Value: &newValue}, actor)
	if err != nil {
		return nil, err
	}

	e.audit(ctx, secret.ID, AuditRotated, actor, map[string]any{
		"previous_rotation": previous.Format(time.RFC3339),
		"rotation_policy":   string(updated.Policy),
	})
	log.Printf("[SecretEngine] rotated secret %s (%s)", secret.ID, secret.Name)
	return updated, nil
}

// Delete soft-deletes: the row stays for audit linkage with
// is_active=false.
func (e *Engine) Delete(ctx context.Context, workspaceID, id string, actor Actor) error {
	secret, err := e.load(ctx, workspaceID, id)
	if err != nil {
		return err
	}
	secret.IsActive = false
	secret.UpdatedAt = time.Now().UTC()
	secret.UpdatedBy = actor.ID
	if err := e.store.Update(ctx, secret); err != nil {
		return err
	}
	e.audit(ctx, secret.ID, AuditDeleted, actor, map[string]any{"name": secret.Name})
	log.Printf("[SecretEngine] deleted secret %s (%s)", secret.ID, secret.Name)
	return nil
}

// List returns metadata only.
func (e *Engine) List(ctx context.Context, workspaceID string, filter ListFilter) ([]*Secret, error) {
	secrets, err := e.store.List(ctx, workspaceID, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Secret, len(secrets))
	for i, s := range secrets {
		out[i] = s.Meta()
	}
	return out, nil
}

// RotationDue returns active, auto-policy secrets due within daysAhead.
func (e *Engine) RotationDue(ctx context.Context, workspaceID string, daysAhead int) ([]*Secret, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, daysAhead)
	secrets, err := e.store.RotationDue(ctx, workspaceID, cutoff)
	if err != nil {
		return nil, err
	}
	out := make([]*Secret, len(secrets))
	for i, s := range secrets {
		out[i] = s.Meta()
	}
	return out, nil
}

// WorkspaceStats summarises a workspace's secrets.
func (e *Engine) WorkspaceStats(ctx context.Context, workspaceID string) (*Stats, error) {
	secrets, err := e.store.List(ctx, workspaceID, ListFilter{})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	stats := &Stats{ByType: make(map[string]int)}
	for _, s := range secrets {
		stats.Total++
		if s.IsActive {
			stats.Active++
			if s.IsRotationDue(now) {
				stats.RotationDue++
			}
		}
		if s.SecretType != "" {
			stats.ByType[s.SecretType]++
		}
	}
	return stats, nil
}

// AuditTrail exposes the append-only history for one secret.
func (e *Engine) AuditTrail(ctx context.Context, workspaceID, id string, limit int) ([]*SecretAudit, error) {
	if _, err := e.loadAnyState(ctx, workspaceID, id); err != nil {
		return nil, err
	}
	return e.store.AuditTrail(ctx, id, limit)
}

// Healthy reports whether the cipher roundtrip works.
func (e *Engine) Healthy() bool {
	return e.encryption.IsHealthy()
}

// load fetches an active secret scoped to the workspace.
func (e *Engine) load(ctx context.Context, workspaceID, id string) (*Secret, error) {
	secret, err := e.loadAnyState(ctx, workspaceID, id)
	if err != nil {
		return nil, err
	}
	if !secret.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrSecretInactive, id)
	}
	return secret, nil
}

func (e *Engine) loadAnyState(ctx context.Context, workspaceID, id string) (*Secret, error) {
	secret, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if secret.WorkspaceID != workspaceID {
		return nil, fmt.Errorf("%w: secret %s", ErrWorkspaceMismatch, id)
	}
	return secret, nil
}

// audit best-effort appends one row; failures are logged, not fatal, so
// a flaky audit store cannot block secret operations.
func (e *Engine) audit(ctx context.Context, secretID string, action AuditAction, actor Actor, details map[string]any) {
	row := &SecretAudit{
		SecretID:  secretID,
		Action:    action,
		Actor:     actor.ID,
		IP:        actor.IP,
		UserAgent: actor.UserAgent,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
	if err := e.store.AppendAudit(ctx, row); err != nil {
		log.Printf("[SecretEngine] failed to audit %s for secret %s: %v", action, secretID, err)
	}
}

func dueAt(from time.Time, policy RotationPolicy) *time.Time {
	days := policy.Days()
	if days == 0 {
		return nil
	}
	t := from.AddDate(0, 0, days)
	return &t
}
