package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := DeriveKey("test-encryption-key")
	require.NoError(t, err)
	return key
}

// =============================================================================
// DeriveKey Tests
// =============================================================================

func TestDeriveKey(t *testing.T) {
	key, err := DeriveKey("my-secret-passphrase")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
}

func TestDeriveKey_Deterministic(t *testing.T) {
	key1, err := DeriveKey("same-passphrase")
	require.NoError(t, err)
	key2, err := DeriveKey("same-passphrase")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)
}

func TestDeriveKey_DifferentInput(t *testing.T) {
	key1, _ := DeriveKey("passphrase1")
	key2, _ := DeriveKey("passphrase2")
	assert.NotEqual(t, key1, key2)
}

func TestDeriveKey_Empty(t *testing.T) {
	_, err := DeriveKey("")
	assert.True(t, errors.Is(err, ErrEmptyPassphrase))
}

// =============================================================================
// Seal/Open Tests
// =============================================================================

func TestSeal_Open_Roundtrip(t *testing.T) {
	plaintext := []byte("services:\n  openclaw:\n    environment:\n      - ANTHROPIC_API_KEY=sk\n")
	key := testKey(t)
	binding := []byte("attempt-1")

	ciphertext, err := Seal(plaintext, key, binding)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(ciphertext, []byte("ANTHROPIC_API_KEY")))

	decrypted, err := Open(ciphertext, key, binding)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestSeal_DifferentNonces(t *testing.T) {
	key := testKey(t)
	c1, err := Seal([]byte("same"), key, nil)
	require.NoError(t, err)
	c2, err := Seal([]byte("same"), key, nil)
	require.NoError(t, err)
	assert.NotEqual(t, c1, c2)
}

func TestSealWithRand_FixedNonce(t *testing.T) {
	key := testKey(t)
	nonce := bytes.Repeat([]byte{7}, 12)

	c1, err := SealWithRand(bytes.NewReader(nonce), []byte("same"), key, nil)
	require.NoError(t, err)
	c2, err := SealWithRand(bytes.NewReader(nonce), []byte("same"), key, nil)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, nonce, c1[:12])
}

func TestSealWithRand_ShortRandom(t *testing.T) {
	_, err := SealWithRand(bytes.NewReader([]byte{1, 2}), []byte("x"), testKey(t), nil)
	assert.Error(t, err)
}

func TestSeal_KeyTooShort(t *testing.T) {
	_, err := Seal([]byte("x"), []byte("short"), nil)
	assert.True(t, errors.Is(err, ErrKeyTooShort))
}

func TestOpen_KeyTooShort(t *testing.T) {
	_, err := Open(make([]byte, 64), []byte("short"), nil)
	assert.True(t, errors.Is(err, ErrKeyTooShort))
}

func TestOpen_WrongKey(t *testing.T) {
	ciphertext, err := Seal([]byte("secret"), testKey(t), nil)
	require.NoError(t, err)

	other, _ := DeriveKey("another-key")
	_, err = Open(ciphertext, other, nil)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestOpen_WrongBinding(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Seal([]byte("secret"), key, []byte("attempt-1"))
	require.NoError(t, err)

	_, err = Open(ciphertext, key, []byte("attempt-2"))
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestOpen_CiphertextTooShort(t *testing.T) {
	_, err := Open([]byte("short"), testKey(t), nil)
	assert.True(t, errors.Is(err, ErrInvalidCiphertext))
}

func TestOpen_Corrupted(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Seal([]byte("secret message"), key, nil)
	require.NoError(t, err)

	ciphertext[len(ciphertext)-1] ^= 0xFF
	_, err = Open(ciphertext, key, nil)
	assert.True(t, errors.Is(err, ErrDecryptionFailed))
}

func TestSeal_EmptyPlaintext(t *testing.T) {
	key := testKey(t)
	ciphertext, err := Seal([]byte{}, key, nil)
	require.NoError(t, err)

	decrypted, err := Open(ciphertext, key, nil)
	require.NoError(t, err)
	assert.Empty(t, decrypted)
}

func TestSeal_LongerKeyUsesPrefix(t *testing.T) {
	key := append(testKey(t), []byte("extra-bytes")...)
	ciphertext, err := Seal([]byte("x"), key, nil)
	require.NoError(t, err)

	decrypted, err := Open(ciphertext, key[:KeySize], nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), decrypted)
}

// =============================================================================
// Base64 Tests
// =============================================================================

func TestSealToBase64_OpenFromBase64(t *testing.T) {
	key := testKey(t)
	encoded, err := SealToBase64([]byte("descriptor"), key, []byte("id"))
	require.NoError(t, err)

	decrypted, err := OpenFromBase64(encoded, key, []byte("id"))
	require.NoError(t, err)
	assert.Equal(t, []byte("descriptor"), decrypted)
}

func TestOpenFromBase64_InvalidBase64(t *testing.T) {
	_, err := OpenFromBase64("not-valid-base64!!!", testKey(t), nil)
	assert.Error(t, err)
}
