// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
)

// BackendFromEnv builds the encryption backend named by
// ENCRYPTION_BACKEND ∈ {symmetric, kms, vault}; unset defaults to
// symmetric. Key material comes from ENCRYPTION_KEY (base64, 32 bytes
// decoded), KMS_KEY_ID + AWS_REGION, or
// VAULT_ADDR/VAULT_TOKEN/VAULT_TRANSIT_KEY.
func BackendFromEnv(ctx context.Context) (EncryptionBackend, error) {
	choice := strings.ToLower(strings.TrimSpace(os.Getenv("ENCRYPTION_BACKEND")))
	switch choice {
	case "", "symmetric":
		var key []byte
		if raw := os.Getenv("ENCRYPTION_KEY"); raw != "" {
			decoded, err := base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return nil, fmt.Errorf("ENCRYPTION_KEY is not valid base64: %w", err)
			}
			key = decoded
		}
		return NewSymmetricBackend(key)
	case "kms":
		return NewKMSBackend(ctx, os.Getenv("AWS_REGION"), os.Getenv("KMS_KEY_ID"))
	case "vault":
		return NewVaultTransitBackend(os.Getenv("VAULT_ADDR"), os.Getenv("VAULT_TOKEN"), os.Getenv("VAULT_TRANSIT_KEY"))
	default:
		return nil, fmt.Errorf("unknown encryption backend %q", choice)
	}
}
