// Package encryption provides authenticated confidentiality for gossip
// payloads. Every process holding the same shared secret derives the same
// AES-256-GCM key, so peers interoperate without any key exchange.
package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// keySalt is fixed on purpose: identical secrets must yield identical
	// keys on every peer.
	keySalt       = "apicache-gossip-v1"
	keyIterations = 120_000
	keyLen        = 32
)

// ErrUndecryptable is returned when a payload was encrypted with a
// different key or was corrupted in transit. Decryption fails closed, a
// partially decrypted value is never returned.
var ErrUndecryptable = errors.New("undecryptable payload")

// Provider is the encryption capability the gossip layer is built
// against. It is selected once at construction, never probed at call
// sites.
type Provider interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	// Encrypting reports whether payloads actually leave the process
	// encrypted.
	Encrypting() bool
}

// AESGCM encrypts with AES-256-GCM under a PBKDF2-derived key.
type AESGCM struct {
	aead cipher.AEAD
}

// New derives the symmetric key from secret with PBKDF2-HMAC-SHA-256.
// The derivation is deliberately slow; call it once and reuse the
// provider.
func New(secret string) (*AESGCM, error) {
	if secret == "" {
		return nil, errors.New("empty shared secret")
	}
	key := pbkdf2.Key([]byte(secret), []byte(keySalt), keyIterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return a.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (a *AESGCM) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < a.aead.NonceSize() {
		return nil, ErrUndecryptable
	}
	nonce, body := ciphertext[:a.aead.NonceSize()], ciphertext[a.aead.NonceSize():]
	plaintext, err := a.aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, ErrUndecryptable
	}
	return plaintext, nil
}

func (a *AESGCM) Encrypting() bool { return true }

// Cleartext passes payloads through unmodified. It is only selected when
// the operator explicitly opts in to broadcasting without a secret; the
// default is to refuse to gossip at all.
type Cleartext struct{}

func (Cleartext) Encrypt(plaintext []byte) ([]byte, error)  { return plaintext, nil }
func (Cleartext) Decrypt(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
func (Cleartext) Encrypting() bool                          { return false }
