package cryptobox

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEnvelope(t *testing.T) *Envelope {
	t.Helper()
	key := make([]byte, MasterKeySize)
	for i := range key {
		key[i] = byte(i)
	}
	env, err := NewFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	return env
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	env := testEnvelope(t)
	nonce, err := env.GenerateNonce()
	require.NoError(t, err)

	plaintext := []byte("sk-test-1234567890")
	ciphertext, err := env.Encrypt(plaintext, nonce)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	decrypted, err := env.Decrypt(ciphertext, nonce)
	require.NoError(t, err)
	require.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongNonceFails(t *testing.T) {
	env := testEnvelope(t)
	nonce1, err := env.GenerateNonce()
	require.NoError(t, err)
	nonce2, err := env.GenerateNonce()
	require.NoError(t, err)

	ciphertext, err := env.Encrypt([]byte("secret"), nonce1)
	require.NoError(t, err)

	_, err = env.Decrypt(ciphertext, nonce2)
	require.Error(t, err)
}

func TestSameNonceDifferentCiphertext(t *testing.T) {
	env := testEnvelope(t)
	nonce, err := env.GenerateNonce()
	require.NoError(t, err)

	a, err := env.Encrypt([]byte("payload-a"), nonce)
	require.NoError(t, err)
	b, err := env.Encrypt([]byte("payload-b"), nonce)
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}

func TestNewFromBase64Validation(t *testing.T) {
	_, err := NewFromBase64("")
	require.Error(t, err)

	_, err = NewFromBase64("not-base64!!!")
	require.Error(t, err)

	short := base64.StdEncoding.EncodeToString([]byte("short"))
	_, err = NewFromBase64(short)
	require.Error(t, err)
}

func TestFingerprint(t *testing.T) {
	require.Equal(t, "7890", Fingerprint("sk-test-1234567890"))
	require.Equal(t, "ab", Fingerprint("ab"))
}
