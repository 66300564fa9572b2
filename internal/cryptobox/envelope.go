// Package cryptobox implements authenticated encryption for BYOK API keys at
// rest, using XChaCha20-Poly1305 over a process-wide master key.
package cryptobox

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// NonceSize is the XChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSizeX

// MasterKeySize is the required master key length in bytes.
const MasterKeySize = chacha20poly1305.KeySize // 32

// Error is returned for any envelope failure: misconfigured master key,
// wrong nonce size, or failed authentication on decrypt.
type Error struct {
	msg string
}

func (e *Error) Error() string { return e.msg }

func errf(format string, args ...any) error {
	return &Error{msg: fmt.Sprintf(format, args...)}
}

// Envelope is a process-wide singleton holding the validated master key;
// Encrypt and Decrypt construct the AEAD from it on each call. It is built
// once in main and injected into
// collaborators (the key resolver) rather than reached into as a package
// global from inside the core.
type Envelope struct {
	key []byte
}

// NewFromBase64 loads and validates a base64-encoded 32-byte master key, the
// same format as the NEXUS_KEY_ENCRYPTION_KEY environment variable.
func NewFromBase64(keyB64 string) (*Envelope, error) {
	if keyB64 == "" {
		return nil, errf("master encryption key is not set")
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, errf("master encryption key is not valid base64: %v", err)
	}
	if len(key) != MasterKeySize {
		return nil, errf("master encryption key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return &Envelope{key: key}, nil
}

// GenerateNonce returns a fresh random 24-byte nonce. Each Encrypt call MUST
// use a unique nonce; reusing a nonce with the same key breaks the scheme.
func (e *Envelope) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, errf("generate nonce: %v", err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under the master key with the given nonce,
// returning ciphertext with a 16-byte trailing auth tag.
func (e *Envelope) Encrypt(plaintext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, errf("construct aead: %v", err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext sealed by Encrypt with the given nonce. It fails
// if the key, nonce, or ciphertext has been altered.
func (e *Envelope) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, errf("nonce must be %d bytes, got %d", NonceSize, len(nonce))
	}
	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, errf("construct aead: %v", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errf("decrypt: authentication failed")
	}
	return plaintext, nil
}

// Fingerprint returns the last 4 characters of a plaintext API key, safe to
// log or display.
func Fingerprint(apiKey string) string {
	if len(apiKey) < 4 {
		return apiKey
	}
	return apiKey[len(apiKey)-4:]
}
