// Package crypto seals deployment descriptors before they are written to the
// local journal. This is part of the Functional Core - callers pass the key and
// the random source, nothing here touches the filesystem.
//
// Descriptors carry plaintext secrets, so the journal either stores them sealed
// with AES-256-GCM or stores only their hash.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrKeyTooShort is returned when the encryption key is too short.
	ErrKeyTooShort = errors.New("encryption key must be at least 32 bytes")

	// ErrEmptyPassphrase is returned when deriving a key from nothing.
	ErrEmptyPassphrase = errors.New("passphrase must not be empty")

	// ErrInvalidCiphertext is returned when decryption fails due to invalid ciphertext.
	ErrInvalidCiphertext = errors.New("invalid ciphertext: too short")

	// ErrDecryptionFailed is returned when decryption fails (wrong key, wrong
	// attempt binding, or corrupted data).
	ErrDecryptionFailed = errors.New("decryption failed: authentication tag mismatch")
)

// =============================================================================
// Key Derivation
// =============================================================================

// KeySize is the AES-256 key length.
const KeySize = 32

// descriptorInfo scopes derived keys to journal descriptor sealing.
var descriptorInfo = []byte("cvmdeploy journal descriptor v1")

// DeriveKey expands a configured passphrase into an AES-256 key with HKDF-SHA256.
// The same passphrase always yields the same key.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}
	r := hkdf.New(sha256.New, []byte(passphrase), nil, descriptorInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// =============================================================================
// AES-256-GCM Sealing
// =============================================================================

// Seal encrypts plaintext with AES-256-GCM and binds it to binding (for example
// an attempt ID) as additional authenticated data. Only the first KeySize bytes
// of key are used.
//
// The ciphertext format is: nonce (12 bytes) || encrypted data || auth tag (16 bytes)
func Seal(plaintext, key, binding []byte) ([]byte, error) {
	return SealWithRand(rand.Reader, plaintext, key, binding)
}

// SealWithRand is Seal with an explicit nonce source.
func SealWithRand(random io.Reader, plaintext, key, binding []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(random, nonce); err != nil {
		return nil, fmt.Errorf("read nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, binding), nil
}

// Open decrypts ciphertext produced by Seal with the same key and binding.
func Open(ciphertext, key, binding []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize+gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, binding)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	block, err := aes.NewCipher(key[:KeySize])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// =============================================================================
// Base64 Encoding Variants
// =============================================================================

// SealToBase64 seals plaintext and returns base64-encoded ciphertext for text columns.
func SealToBase64(plaintext, key, binding []byte) (string, error) {
	ciphertext, err := Seal(plaintext, key, binding)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// OpenFromBase64 decrypts base64-encoded ciphertext.
func OpenFromBase64(encoded string, key, binding []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}
	return Open(ciphertext, key, binding)
}
