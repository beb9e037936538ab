// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
)

const vaultCallTimeout = 10 * time.Second

// VaultTransitBackend encrypts through a named key on a Vault transit
// mount. Ciphertexts are Vault's own versioned tokens (vault:vN:...), so
// key rotation keeps older values readable on the server side.
type VaultTransitBackend struct {
	addr    string
	token   string
	keyName string
	client  *http.Client
}

// NewVaultTransitBackend binds the backend to a transit key.
func NewVaultTransitBackend(addr, token, keyName string) (*VaultTransitBackend, error) {
	if addr == "" || token == "" || keyName == "" {
		return nil, fmt.Errorf("vault backend requires address, token and key name")
	}
	return &VaultTransitBackend{
		addr:    strings.TrimRight(addr, "/"),
		token:   token,
		keyName: keyName,
		client:  &http.Client{Timeout: vaultCallTimeout},
	}, nil
}

type vaultResponse struct {
	Data struct {
		Ciphertext string `json:"ciphertext"`
		Plaintext  string `json:"plaintext"`
	} `json:"data"`
	Errors []string `json:"errors"`
}

func (b *VaultTransitBackend) do(method, path string, payload any) (*vaultResponse, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}

	ctx, cancel := context.WithTimeout(context.Background(), vaultCallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, b.addr+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Vault-Token", b.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("vault request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	out := &vaultResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return nil, fmt.Errorf("vault response from %s is not JSON: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		if len(out.Errors) > 0 {
			return nil, fmt.Errorf("vault %s returned %d: %s", path, resp.StatusCode, strings.Join(out.Errors, "; "))
		}
		return nil, fmt.Errorf("vault %s returned %d", path, resp.StatusCode)
	}
	return out, nil
}

func (b *VaultTransitBackend) Encrypt(plaintext string) (string, error) {
	resp, err := b.do(http.MethodPost, "/v1/transit/encrypt/"+b.keyName, map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString([]byte(plaintext)),
	})
	if err != nil {
		return "", err
	}
	if resp.Data.Ciphertext == "" {
		return "", fmt.Errorf("vault encrypt returned no ciphertext")
	}
	return resp.Data.Ciphertext, nil
}

func (b *VaultTransitBackend) Decrypt(ciphertext string) (string, error) {
	resp, err := b.do(http.MethodPost, "/v1/transit/decrypt/"+b.keyName, map[string]string{
		"ciphertext": ciphertext,
	})
	if err != nil {
		return "", err
	}
	raw, err := base64.StdEncoding.DecodeString(resp.Data.Plaintext)
	if err != nil {
		return "", fmt.Errorf("vault decrypt returned invalid base64: %w", err)
	}
	return string(raw), nil
}

// RotateKey asks Vault to mint a new key version.
func (b *VaultTransitBackend) RotateKey() (bool, error) {
	if _, err := b.do(http.MethodPost, "/v1/transit/keys/"+b.keyName+"/rotate", nil); err != nil {
		return false, err
	}
	return true, nil
}

func (b *VaultTransitBackend) IsHealthy() bool {
	if _, err := b.do(http.MethodGet, "/v1/transit/keys/"+b.keyName, nil); err != nil {
		log.Printf("[VaultBackend] key %s not readable: %v", b.keyName, err)
		return false
	}
	return true
}

func (b *VaultTransitBackend) KeyID() string {
	return "transit/" + b.keyName
}
