// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	store.AddWorkspace("ws-1")

	svc := NewEncryptionService()
	backend, err := NewSymmetricBackend(nil)
	require.NoError(t, err)
	require.NoError(t, svc.Init(backend))

	return NewEngine(store, svc), store
}

var reviewer = Actor{ID: "user-7", IP: "10.0.0.1", UserAgent: "cli/1.0"}

func TestSecretLifecycle(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, CreateRequest{
		WorkspaceID: "ws-1",
		Name:        "db-password",
		Value:       "s3cr3t-plaintext",
		SecretType:  "credential",
		Policy:      PolicyAuto90,
		Tags:        []string{"db", "prod"},
	}, reviewer)
	require.NoError(t, err)
	assert.Empty(t, created.EncryptedValue, "metadata must not expose ciphertext")
	require.NotNil(t, created.RotationDueAt)
	assert.WithinDuration(t, created.LastRotatedAt.AddDate(0, 0, 90), *created.RotationDueAt, time.Second)

	// The stored row carries ciphertext, never the plaintext.
	raw, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, raw.EncryptedValue)
	assert.NotContains(t, raw.EncryptedValue, "s3cr3t-plaintext")

	value, err := engine.GetValue(ctx, "ws-1", created.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, "s3cr3t-plaintext", value)

	meta, err := engine.GetMetadata(ctx, "ws-1", created.ID, reviewer)
	require.NoError(t, err)
	assert.Empty(t, meta.EncryptedValue)

	rotated, err := engine.Rotate(ctx, "ws-1", created.ID, "new-plaintext", reviewer)
	require.NoError(t, err)
	assert.True(t, rotated.LastRotatedAt.After(created.LastRotatedAt) || rotated.LastRotatedAt.Equal(created.LastRotatedAt))

	value, err = engine.GetValue(ctx, "ws-1", created.ID, reviewer)
	require.NoError(t, err)
	assert.Equal(t, "new-plaintext", value)

	require.NoError(t, engine.Delete(ctx, "ws-1", created.ID, reviewer))
	_, err = engine.GetValue(ctx, "ws-1", created.ID, reviewer)
	assert.ErrorIs(t, err, ErrSecretInactive)

	// created, accessed x3, updated (via rotate), rotated, deleted
	trail, err := engine.AuditTrail(ctx, "ws-1", created.ID, 0)
	require.NoError(t, err)
	actions := map[AuditAction]int{}
	for _, row := range trail {
		actions[row.Action]++
	}
	assert.Equal(t, 1, actions[AuditCreated])
	assert.Equal(t, 1, actions[AuditUpdated])
	assert.Equal(t, 1, actions[AuditRotated])
	assert.Equal(t, 1, actions[AuditDeleted])
	assert.GreaterOrEqual(t, actions[AuditAccessed], 3)
}

func TestCreateRejectsDuplicateActiveName(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	first, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "token", Value: "v1"}, reviewer)
	require.NoError(t, err)

	_, err = engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "token", Value: "v2"}, reviewer)
	assert.ErrorIs(t, err, ErrDuplicateSecret)

	// Soft-deleting frees the name.
	require.NoError(t, engine.Delete(ctx, "ws-1", first.ID, reviewer))
	_, err = engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "token", Value: "v3"}, reviewer)
	assert.NoError(t, err)
}

func TestCreateValidations(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, CreateRequest{WorkspaceID: "nope", Name: "x", Value: "v"}, reviewer)
	assert.ErrorIs(t, err, ErrWorkspaceNotFound)

	_, err = engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "x", Value: ""}, reviewer)
	assert.ErrorIs(t, err, ErrEmptyValue)

	_, err = engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "x", Value: "v", Policy: "auto_7d"}, reviewer)
	assert.ErrorIs(t, err, ErrInvalidPolicy)
}

func TestWorkspaceScoping(t *testing.T) {
	engine, store := newTestEngine(t)
	store.AddWorkspace("ws-2")
	ctx := context.Background()

	created, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "scoped", Value: "v"}, reviewer)
	require.NoError(t, err)

	_, err = engine.GetValue(ctx, "ws-2", created.ID, reviewer)
	assert.ErrorIs(t, err, ErrWorkspaceMismatch)
}

func TestUpdatePolicyRecomputesDueDate(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "p", Value: "v", Policy: PolicyAuto30}, reviewer)
	require.NoError(t, err)

	manual := PolicyManual
	updated, err := engine.Update(ctx, "ws-1", created.ID, UpdateRequest{Policy: &manual}, reviewer)
	require.NoError(t, err)
	assert.Nil(t, updated.RotationDueAt, "manual policy has no due date")

	auto := PolicyAuto60
	updated, err = engine.Update(ctx, "ws-1", created.ID, UpdateRequest{Policy: &auto}, reviewer)
	require.NoError(t, err)
	require.NotNil(t, updated.RotationDueAt)
	assert.WithinDuration(t, updated.LastRotatedAt.AddDate(0, 0, 60), *updated.RotationDueAt, time.Second)
}

func TestUpdateAuditsChangedFieldNamesOnly(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "f", Value: "old"}, reviewer)
	require.NoError(t, err)

	newValue := "brand-new-plaintext"
	tags := []string{"rotated"}
	_, err = engine.Update(ctx, "ws-1", created.ID, UpdateRequest{Value: &newValue, Tags: &tags}, reviewer)
	require.NoError(t, err)

	trail, err := engine.AuditTrail(ctx, "ws-1", created.ID, 0)
	require.NoError(t, err)

	var updateRow *SecretAudit
	for _, row := range trail {
		if row.Action == AuditUpdated {
			updateRow = row
		}
	}
	require.NotNil(t, updateRow)
	assert.ElementsMatch(t, []any{"tags", "value"}, updateRow.Details["changed_fields"])

	raw, err := json.Marshal(trail)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "brand-new-plaintext")
	assert.NotContains(t, string(raw), "old")
}

func TestListAndRotationDue(t *testing.T) {
	engine, store := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "a", Value: "v", SecretType: "credential", Tags: []string{"db"}}, reviewer)
	require.NoError(t, err)
	_, err = engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "b", Value: "v", SecretType: "api_key", Policy: PolicyAuto30}, reviewer)
	require.NoError(t, err)

	byType, err := engine.List(ctx, "ws-1", ListFilter{SecretType: "api_key"})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "b", byType[0].Name)
	assert.Empty(t, byType[0].EncryptedValue)

	byTag, err := engine.List(ctx, "ws-1", ListFilter{Tags: []string{"db", "unused"}})
	require.NoError(t, err)
	require.Len(t, byTag, 1)
	assert.Equal(t, "a", byTag[0].Name)

	// b rotates in 30 days: due when looking 31 days ahead, not 7.
	due, err := engine.RotationDue(ctx, "ws-1", 31)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "b", due[0].Name)

	due, err = engine.RotationDue(ctx, "ws-1", 7)
	require.NoError(t, err)
	assert.Empty(t, due)

	stats, err := engine.WorkspaceStats(ctx, "ws-1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.ByType["credential"])
	_ = store
}

func TestPlaintextNeverLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	engine, _ := newTestEngine(t)
	ctx := context.Background()

	created, err := engine.Create(ctx, CreateRequest{WorkspaceID: "ws-1", Name: "loud", Value: "super-secret-plaintext"}, reviewer)
	require.NoError(t, err)
	_, err = engine.GetValue(ctx, "ws-1", created.ID, reviewer)
	require.NoError(t, err)
	_, err = engine.Rotate(ctx, "ws-1", created.ID, "rotated-secret-plaintext", reviewer)
	require.NoError(t, err)
	require.NoError(t, engine.Delete(ctx, "ws-1", created.ID, reviewer))

	logged := buf.String()
	assert.NotContains(t, logged, "super-secret-plaintext")
	assert.NotContains(t, logged, "rotated-secret-plaintext")
}
