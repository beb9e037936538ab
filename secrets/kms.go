// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// kmsAPI is the slice of the KMS client the backend uses. Narrowed for
// test doubles.
type kmsAPI interface {
	Encrypt(ctx context.Context, params *kms.EncryptInput, optFns ...func(*kms.Options)) (*kms.EncryptOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
	GetKeyRotationStatus(ctx context.Context, params *kms.GetKeyRotationStatusInput, optFns ...func(*kms.Options)) (*kms.GetKeyRotationStatusOutput, error)
	DescribeKey(ctx context.Context, params *kms.DescribeKeyInput, optFns ...func(*kms.Options)) (*kms.DescribeKeyOutput, error)
}

const kmsCallTimeout = 10 * time.Second

// KMSBackend encrypts through a remote AWS KMS key. Rotation is managed
// on the AWS side; RotateKey only reports whether it is enabled.
type KMSBackend struct {
	client kmsAPI
	keyID  string
}

// NewKMSBackend resolves AWS config for the region and binds the key.
func NewKMSBackend(ctx context.Context, region, keyID string) (*KMSBackend, error) {
	if keyID == "" {
		return nil, fmt.Errorf("kms backend requires a key id")
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &KMSBackend{client: kms.NewFromConfig(cfg), keyID: keyID}, nil
}

// newKMSBackendWithClient is the test seam.
func newKMSBackendWithClient(client kmsAPI, keyID string) *KMSBackend {
	return &KMSBackend{client: client, keyID: keyID}
}

func (b *KMSBackend) Encrypt(plaintext string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kmsCallTimeout)
	defer cancel()

	out, err := b.client.Encrypt(ctx, &kms.EncryptInput{
		KeyId:     aws.String(b.keyID),
		Plaintext: []byte(plaintext),
	})
	if err != nil {
		return "", fmt.Errorf("kms encrypt failed for key %s: %w", b.keyID, err)
	}
	return base64.StdEncoding.EncodeToString(out.CiphertextBlob), nil
}

func (b *KMSBackend) Decrypt(ciphertext string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), kmsCallTimeout)
	defer cancel()

	out, err := b.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(b.keyID),
		CiphertextBlob: blob,
	})
	if err != nil {
		return "", fmt.Errorf("kms decrypt failed for key %s: %w", b.keyID, err)
	}
	return string(out.Plaintext), nil
}

// RotateKey reports the remote rotation status; AWS rotates managed keys
// on its own schedule.
func (b *KMSBackend) RotateKey() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), kmsCallTimeout)
	defer cancel()

	out, err := b.client.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{
		KeyId: aws.String(b.keyID),
	})
	if err != nil {
		return false, fmt.Errorf("kms rotation status failed for key %s: %w", b.keyID, err)
	}
	return out.KeyRotationEnabled, nil
}

func (b *KMSBackend) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), kmsCallTimeout)
	defer cancel()

	out, err := b.client.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(b.keyID)})
	if err != nil {
		log.Printf("[KMSBackend] describe key %s failed: %v", b.keyID, err)
		return false
	}
	return out.KeyMetadata != nil && out.KeyMetadata.KeyState == types.KeyStateEnabled
}

func (b *KMSBackend) KeyID() string {
	return b.keyID
}
