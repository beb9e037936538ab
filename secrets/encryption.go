// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// EncryptionBackend is the cipher boundary. Implementations must be safe
// for concurrent use.
type EncryptionBackend interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
	RotateKey() (bool, error)
	IsHealthy() bool
	KeyID() string
}

// ErrNotInitialised is returned when Encrypt/Decrypt is called before
// Init.
var ErrNotInitialised = errors.New("encryption service not initialised")

// EncryptionService selects one backend per process. Init must be called
// before any cipher operation.
type EncryptionService struct {
	mu      sync.RWMutex
	backend EncryptionBackend
}

func NewEncryptionService() *EncryptionService {
	return &EncryptionService{}
}

// Init installs the backend. Calling Init again replaces it, which is
// only sane before any data is written.
func (s *EncryptionService) Init(backend EncryptionBackend) error {
	if backend == nil {
		return errors.New("nil encryption backend")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backend = backend
	return nil
}

func (s *EncryptionService) current() (EncryptionBackend, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backend == nil {
		return nil, ErrNotInitialised
	}
	return s.backend, nil
}

func (s *EncryptionService) Encrypt(plaintext string) (string, error) {
	b, err := s.current()
	if err != nil {
		return "", err
	}
	return b.Encrypt(plaintext)
}

func (s *EncryptionService) Decrypt(ciphertext string) (string, error) {
	b, err := s.current()
	if err != nil {
		return "", err
	}
	return b.Decrypt(ciphertext)
}

func (s *EncryptionService) RotateKey() (bool, error) {
	b, err := s.current()
	if err != nil {
		return false, err
	}
	return b.RotateKey()
}

func (s *EncryptionService) KeyID() string {
	b, err := s.current()
	if err != nil {
		return ""
	}
	return b.KeyID()
}

const healthProbe = "forgeflow-encryption-health"

// IsHealthy runs an encrypt+decrypt roundtrip of a constant probe.
func (s *EncryptionService) IsHealthy() bool {
	b, err := s.current()
	if err != nil {
		return false
	}
	if !b.IsHealthy() {
		return false
	}
	ct, err := b.Encrypt(healthProbe)
	if err != nil {
		return false
	}
	pt, err := b.Decrypt(ct)
	return err == nil && pt == healthProbe
}

// symmetricKey is one generation of the local key history.
type symmetricKey struct {
	id  string
	gcm cipher.AEAD
}

// SymmetricBackend is the dev/local cipher: AES-256-GCM with an ordered
// in-memory key history, so rotation keeps older ciphertexts readable.
type SymmetricBackend struct {
	mu   sync.RWMutex
	keys []symmetricKey // newest last
}

// NewSymmetricBackend builds the backend from raw key material. key nil
// or short generates a fresh 256-bit key.
func NewSymmetricBackend(key []byte) (*SymmetricBackend, error) {
	b := &SymmetricBackend{}
	if len(key) != 32 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}
	}
	if err := b.addKey(key); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SymmetricBackend) addKey(key []byte) error {
	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("failed to build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("failed to build GCM: %w", err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, symmetricKey{id: uuid.NewString(), gcm: gcm})
	return nil
}

// Encrypt seals with the newest key. Output is base64(nonce || sealed).
func (b *SymmetricBackend) Encrypt(plaintext string) (string, error) {
	b.mu.RLock()
	k := b.keys[len(b.keys)-1]
	b.mu.RUnlock()

	nonce := make([]byte, k.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := k.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt tries keys newest-first so rotated-away keys still serve old
// ciphertexts.
func (b *SymmetricBackend) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("ciphertext is not valid base64: %w", err)
	}

	b.mu.RLock()
	keys := make([]symmetricKey, len(b.keys))
	copy(keys, b.keys)
	b.mu.RUnlock()

	for i := len(keys) - 1; i >= 0; i-- {
		gcm := keys[i].gcm
		if len(raw) < gcm.NonceSize() {
			continue
		}
		nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
		if pt, err := gcm.Open(nil, nonce, sealed, nil); err == nil {
			return string(pt), nil
		}
	}
	return "", errors.New("ciphertext does not decrypt under any known key")
}

// RotateKey appends a fresh key generation.
func (b *SymmetricBackend) RotateKey() (bool, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return false, fmt.Errorf("failed to generate rotation key: %w", err)
	}
	if err := b.addKey(key); err != nil {
		return false, err
	}
	return true, nil
}

func (b *SymmetricBackend) IsHealthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.keys) > 0
}

func (b *SymmetricBackend) KeyID() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.keys[len(b.keys)-1].id
}
