// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS reverses bytes as its "cipher" so roundtrips are observable.
type fakeKMS struct {
	rotationEnabled bool
	keyState        types.KeyState
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}

func (f *fakeKMS) Encrypt(_ context.Context, params *kms.EncryptInput, _ ...func(*kms.Options)) (*kms.EncryptOutput, error) {
	return &kms.EncryptOutput{CiphertextBlob: reverse(params.Plaintext)}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, params *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: reverse(params.CiphertextBlob)}, nil
}

func (f *fakeKMS) GetKeyRotationStatus(_ context.Context, _ *kms.GetKeyRotationStatusInput, _ ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error) {
	return &kms.GetKeyRotationStatusOutput{KeyRotationEnabled: f.rotationEnabled}, nil
}

func (f *fakeKMS) DescribeKey(_ context.Context, _ *kms.DescribeKeyInput, _ ...func(*kms.Options)) (*kms.DescribeKeyOutput, error) {
	return &kms.DescribeKeyOutput{KeyMetadata: &types.KeyMetadata{KeyState: f.keyState}}, nil
}

func TestKMSBackendRoundtrip(t *testing.T) {
	backend := newKMSBackendWithClient(&fakeKMS{keyState: types.KeyStateEnabled}, "alias/forgeflow")

	ct, err := backend.Encrypt("api-token")
	require.NoError(t, err)
	assert.NotContains(t, ct, "api-token")

	_, err = base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)

	pt, err := backend.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "api-token", pt)
}

func TestKMSBackendRotationAndHealth(t *testing.T) {
	backend := newKMSBackendWithClient(&fakeKMS{rotationEnabled: true, keyState: types.KeyStateEnabled}, "alias/forgeflow")

	enabled, err := backend.RotateKey()
	require.NoError(t, err)
	assert.True(t, enabled)
	assert.True(t, backend.IsHealthy())
	assert.Equal(t, "alias/forgeflow", backend.KeyID())
}

func TestKMSBackendDisabledKeyIsUnhealthy(t *testing.T) {
	backend := newKMSBackendWithClient(&fakeKMS{keyState: types.KeyStateDisabled}, "alias/forgeflow")
	assert.False(t, backend.IsHealthy())
}

func TestKMSBackendRequiresKeyID(t *testing.T) {
	_, err := NewKMSBackend(context.Background(), "us-east-1", "")
	assert.Error(t, err)
}
