// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVault emulates the transit endpoints the backend touches.
func fakeVault(t *testing.T) (*httptest.Server, *int) {
	t.Helper()
	rotations := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/transit/encrypt/app-key", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "root-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"ciphertext": "vault:v1:" + body["plaintext"]},
		})
	})
	mux.HandleFunc("/v1/transit/decrypt/app-key", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		pt := strings.TrimPrefix(body["ciphertext"], "vault:v1:")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]string{"plaintext": pt},
		})
	})
	mux.HandleFunc("/v1/transit/keys/app-key/rotate", func(w http.ResponseWriter, r *http.Request) {
		rotations++
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/v1/transit/keys/app-key", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"name": "app-key"}})
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server, &rotations
}

func TestVaultTransitRoundtrip(t *testing.T) {
	server, _ := fakeVault(t)
	backend, err := NewVaultTransitBackend(server.URL, "root-token", "app-key")
	require.NoError(t, err)

	ct, err := backend.Encrypt("db-password")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ct, "vault:v1:"))
	assert.NotContains(t, ct, "db-password")
	assert.Contains(t, ct, base64.StdEncoding.EncodeToString([]byte("db-password")))

	pt, err := backend.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "db-password", pt)
}

func TestVaultTransitRotateAndHealth(t *testing.T) {
	server, rotations := fakeVault(t)
	backend, err := NewVaultTransitBackend(server.URL, "root-token", "app-key")
	require.NoError(t, err)

	ok, err := backend.RotateKey()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, *rotations)

	assert.True(t, backend.IsHealthy())
	assert.Equal(t, "transit/app-key", backend.KeyID())
}

func TestVaultTransitRejectsBadToken(t *testing.T) {
	server, _ := fakeVault(t)
	backend, err := NewVaultTransitBackend(server.URL, "wrong", "app-key")
	require.NoError(t, err)

	_, err = backend.Encrypt("x")
	assert.Error(t, err)
}

func TestVaultTransitRequiresConfig(t *testing.T) {
	_, err := NewVaultTransitBackend("", "t", "k")
	assert.Error(t, err)
	_, err = NewVaultTransitBackend("http://127.0.0.1:8200", "", "k")
	assert.Error(t, err)
	_, err = NewVaultTransitBackend("http://127.0.0.1:8200", "t", "")
	assert.Error(t, err)
}
