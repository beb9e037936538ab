// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package secrets manages workspace-scoped encrypted secrets: CRUD with
// rotation policies, pluggable encryption backends and append-only audit
// rows. Plaintext exists only in memory for the duration of one call.
package secrets

import (
	"errors"
	"time"
)

// RotationPolicy controls when a secret is due for rotation.
type RotationPolicy string

const (
	PolicyManual  RotationPolicy = "manual"
	PolicyAuto30  RotationPolicy = "auto_30d"
	PolicyAuto60  RotationPolicy = "auto_60d"
	PolicyAuto90  RotationPolicy = "auto_90d"
	PolicyAuto180 RotationPolicy = "auto_180d"
	PolicyAuto365 RotationPolicy = "auto_365d"
)

// Days returns the rotation interval, 0 for manual.
func (p RotationPolicy) Days() int {
	switch p {
	case PolicyAuto30:
		return 30
	case PolicyAuto60:
		return 60
	case PolicyAuto90:
		return 90
	case PolicyAuto180:
		return 180
	case PolicyAuto365:
		return 365
	default:
		return 0
	}
}

// Valid reports whether the policy is one of the recognised values.
func (p RotationPolicy) Valid() bool {
	switch p {
	case PolicyManual, PolicyAuto30, PolicyAuto60, PolicyAuto90, PolicyAuto180, PolicyAuto365:
		return true
	}
	return false
}

// AuditAction is the kind of secret operation being recorded.
type AuditAction string

const (
	AuditCreated  AuditAction = "created"
	AuditAccessed AuditAction = "accessed"
	AuditUpdated  AuditAction = "updated"
	AuditRotated  AuditAction = "rotated"
	AuditDeleted  AuditAction = "deleted"
)

// Secret is the persisted form. EncryptedValue is the only at-rest
// representation of the payload and is stripped from metadata responses.
type Secret struct {
	ID             string         `json:"id"`
	WorkspaceID    string         `json:"workspace_id"`
	Name           string         `json:"name"`
	SecretType     string         `json:"secret_type,omitempty"`
	EncryptedValue string         `json:"-"`
	Policy         RotationPolicy `json:"rotation_policy"`
	LastRotatedAt  time.Time      `json:"last_rotated_at"`
	RotationDueAt  *time.Time     `json:"rotation_due_at,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsActive       bool           `json:"is_active"`
	CreatedBy      string         `json:"created_by,omitempty"`
	UpdatedBy      string         `json:"updated_by,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// IsRotationDue reports whether the secret has passed its due date.
func (s *Secret) IsRotationDue(now time.Time) bool {
	return s.RotationDueAt != nil && !s.RotationDueAt.After(now)
}

// Metadata returns a copy safe to hand to callers: no encrypted value.
func (s *Secret) Meta() *Secret {
	out := *s
	out.EncryptedValue = ""
	return &out
}

// SecretAudit is one append-only audit row. Details carry non-sensitive
// information only (field names, policy values, counts).
type SecretAudit struct {
	ID        string         `json:"id"`
	SecretID  string         `json:"secret_id"`
	Action    AuditAction    `json:"action"`
	Actor     string         `json:"actor,omitempty"`
	IP        string         `json:"ip,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Actor identifies who performed an operation, for audit rows.
type Actor struct {
	ID        string
	IP        string
	UserAgent string
}

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	SecretType  string
	ActiveOnly  bool
	Tags        []string // any overlap
	RotationDue bool
}

// Stats summarises a workspace's secrets.
type Stats struct {
	Total       int            `json:"total"`
	Active      int            `json:"active"`
	RotationDue int            `json:"rotation_due"`
	ByType      map[string]int `json:"by_type"`
}

var (
	ErrSecretNotFound    = errors.New("secret not found")
	ErrDuplicateSecret   = errors.New("an active secret with this name already exists in the workspace")
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceMismatch = errors.New("secret does not belong to this workspace")
	ErrSecretInactive    = errors.New("secret is not active")
	ErrEmptyValue        = errors.New("secret value must not be empty")
	ErrInvalidPolicy     = errors.New("unknown rotation policy")
)
