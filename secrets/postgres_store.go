// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// PostgresStore persists secrets and audit rows in Postgres. Metadata
// and audit details are JSONB; tags are a text array.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const secretColumns = `id, workspace_id, name, secret_type, encrypted_value, rotation_policy,
	last_rotated_at, rotation_due_at, tags, metadata, is_active, created_by, updated_by,
	created_at, updated_at`

func (s *PostgresStore) WorkspaceExists(ctx context.Context, workspaceID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE id = $1)`, workspaceID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check workspace %s: %w", workspaceID, err)
	}
	return exists, nil
}

func (s *PostgresStore) ActiveByName(ctx context.Context, workspaceID, name string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE workspace_id = $1 AND name = $2 AND is_active = TRUE`, workspaceID, name)
	return scanSecret(row)
}

func (s *PostgresStore) Create(ctx context.Context, secret *Secret) error {
	if secret.ID == "" {
		secret.ID = uuid.NewString()
	}
	metadata, err := marshalJSON(secret.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secrets (id, workspace_id, name, secret_type, encrypted_value,
			rotation_policy, last_rotated_at, rotation_due_at, tags, metadata,
			is_active, created_by, updated_by, created_at, updated_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, NULLIF($12, ''), NULLIF($13, ''), $14, $15)`,
		secret.ID, secret.WorkspaceID, secret.Name, secret.SecretType, secret.EncryptedValue,
		string(secret.Policy), secret.LastRotatedAt, secret.RotationDueAt,
		pq.Array(secret.Tags), metadata, secret.IsActive,
		secret.CreatedBy, secret.UpdatedBy, secret.CreatedAt, secret.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create secret %s: %w", secret.ID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Secret, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+secretColumns+` FROM secrets WHERE id = $1`, id)
	return scanSecret(row)
}

func (s *PostgresStore) Update(ctx context.Context, secret *Secret) error {
	metadata, err := marshalJSON(secret.Metadata)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE secrets SET name = $2, secret_type = NULLIF($3, ''), encrypted_value = $4,
			rotation_policy = $5, last_rotated_at = $6, rotation_due_at = $7, tags = $8,
			metadata = $9, is_active = $10, updated_by = NULLIF($11, ''), updated_at = $12
		WHERE id = $1`,
		secret.ID, secret.Name, secret.SecretType, secret.EncryptedValue,
		string(secret.Policy), secret.LastRotatedAt, secret.RotationDueAt,
		pq.Array(secret.Tags), metadata, secret.IsActive, secret.UpdatedBy, secret.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update secret %s: %w", secret.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSecretNotFound
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context, workspaceID string, filter ListFilter) ([]*Secret, error) {
	query := `SELECT ` + secretColumns + ` FROM secrets WHERE workspace_id = $1`
	args := []any{workspaceID}

	if filter.ActiveOnly {
		query += ` AND is_active = TRUE`
	}
	if filter.SecretType != "" {
		args = append(args, filter.SecretType)
		query += fmt.Sprintf(` AND lower(secret_type) = lower($%d)`, len(args))
	}
	if len(filter.Tags) > 0 {
		args = append(args, pq.Array(filter.Tags))
		query += fmt.Sprintf(` AND tags && $%d`, len(args))
	}
	if filter.RotationDue {
		query += ` AND rotation_due_at IS NOT NULL AND rotation_due_at <= NOW()`
	}
	query += ` ORDER BY name`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets for workspace %s: %w", workspaceID, err)
	}
	defer rows.Close()
	return scanSecrets(rows)
}

func (s *PostgresStore) RotationDue(ctx context.Context, workspaceID string, before time.Time) ([]*Secret, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+secretColumns+` FROM secrets
		 WHERE workspace_id = $1 AND is_active = TRUE AND rotation_policy <> 'manual'
		   AND rotation_due_at IS NOT NULL AND rotation_due_at <= $2
		 ORDER BY rotation_due_at`, workspaceID, before)
	if err != nil {
		return nil, fmt.Errorf("failed to query rotation-due secrets: %w", err)
	}
	defer rows.Close()
	return scanSecrets(rows)
}

func (s *PostgresStore) AppendAudit(ctx context.Context, audit *SecretAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	details, err := marshalJSON(audit.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO secret_audits (id, secret_id, action, actor, ip, user_agent, details, created_at)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), NULLIF($6, ''), $7, $8)`,
		audit.ID, audit.SecretID, string(audit.Action), audit.Actor, audit.IP,
		audit.UserAgent, details, audit.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to append audit for secret %s: %w", audit.SecretID, err)
	}
	return nil
}

func (s *PostgresStore) AuditTrail(ctx context.Context, secretID string, limit int) ([]*SecretAudit, error) {
	query := `SELECT id, secret_id, action, COALESCE(actor, ''), COALESCE(ip, ''),
		COALESCE(user_agent, ''), details, created_at
		FROM secret_audits WHERE secret_id = $1 ORDER BY created_at DESC`
	args := []any{secretID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail for secret %s: %w", secretID, err)
	}
	defer rows.Close()

	var out []*SecretAudit
	for rows.Next() {
		audit := &SecretAudit{}
		var action string
		var details []byte
		if err := rows.Scan(&audit.ID, &audit.SecretID, &action, &audit.Actor,
			&audit.IP, &audit.UserAgent, &details, &audit.Timestamp); err != nil {
			return nil, err
		}
		audit.Action = AuditAction(action)
		if len(details) > 0 {
			_ = json.Unmarshal(details, &audit.Details)
		}
		out = append(out, audit)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSecret(row rowScanner) (*Secret, error) {
	sec := &Secret{}
	var secretType, createdBy, updatedBy sql.NullString
	var dueAt sql.NullTime
	var policy string
	var metadata []byte

	err := row.Scan(&sec.ID, &sec.WorkspaceID, &sec.Name, &secretType, &sec.EncryptedValue,
		&policy, &sec.LastRotatedAt, &dueAt, pq.Array(&sec.Tags), &metadata,
		&sec.IsActive, &createdBy, &updatedBy, &sec.CreatedAt, &sec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSecretNotFound
	}
	if err != nil {
		return nil, err
	}

	sec.SecretType = secretType.String
	sec.CreatedBy = createdBy.String
	sec.UpdatedBy = updatedBy.String
	sec.Policy = RotationPolicy(policy)
	if dueAt.Valid {
		t := dueAt.Time
		sec.RotationDueAt = &t
	}
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &sec.Metadata)
	}
	return sec, nil
}

func scanSecrets(rows *sql.Rows) ([]*Secret, error) {
	var out []*Secret
	for rows.Next() {
		sec, err := scanSecret(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

func marshalJSON(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON payload: %w", err)
	}
	return raw, nil
}
