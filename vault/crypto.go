package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"sync"

	"github.com/hupe1980/roundtable/core"
	"golang.org/x/crypto/hkdf"
)

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = 32

// sealer derives one AES-256-GCM key per scope from the master key via
// HKDF-SHA256 with the scope string as info, so ciphertext sealed for one
// scope is undecryptable under any other. Sealed layout: nonce || ciphertext.
type sealer struct {
	master []byte

	mu   sync.Mutex
	gcms map[core.Scope]cipher.AEAD
}

func newSealer(master []byte) (*sealer, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("%w: master key must be %d bytes, got %d", core.ErrEncryption, MasterKeySize, len(master))
	}
	cp := make([]byte, len(master))
	copy(cp, master)
	return &sealer{master: cp, gcms: make(map[core.Scope]cipher.AEAD)}, nil
}

// NewMasterKey generates a random master key.
func NewMasterKey() ([]byte, error) {
	key := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("%w: generate master key: %v", core.ErrEncryption, err)
	}
	return key, nil
}

func (s *sealer) aeadFor(scope core.Scope) (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gcm, ok := s.gcms[scope]; ok {
		return gcm, nil
	}
	key := make([]byte, MasterKeySize)
	kdf := hkdf.New(sha256.New, s.master, nil, []byte(scope))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("%w: derive scope key: %v", core.ErrEncryption, err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncryption, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrEncryption, err)
	}
	s.gcms[scope] = gcm
	return gcm, nil
}

// seal encrypts plaintext under the scope's derived key.
func (s *sealer) seal(scope core.Scope, plaintext []byte) ([]byte, error) {
	gcm, err := s.aeadFor(scope)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", core.ErrEncryption, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open decrypts sealed bytes. Authentication failure means the stored bytes
// were tampered with, truncated or sealed under another scope's key and
// surfaces as ErrCorruptionDetected.
func (s *sealer) open(scope core.Scope, sealed []byte) ([]byte, error) {
	gcm, err := s.aeadFor(scope)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: sealed payload shorter than nonce", core.ErrCorruptionDetected)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrCorruptionDetected, err)
	}
	return plaintext, nil
}
