package encryption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAESGCM(t *testing.T) {
	t.Run("roundtrip", func(t *testing.T) {
		enc, err := New("test-secret")
		require.NoError(t, err)
		assert.True(t, enc.Encrypting())

		ciphertext, err := enc.Encrypt([]byte("hello peers"))
		require.NoError(t, err)
		assert.NotEqual(t, []byte("hello peers"), ciphertext)

		plaintext, err := enc.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("hello peers"), plaintext)
	})

	t.Run("same secret interoperates across instances", func(t *testing.T) {
		a, err := New("shared-token")
		require.NoError(t, err)
		b, err := New("shared-token")
		require.NoError(t, err)

		ciphertext, err := a.Encrypt([]byte("payload"))
		require.NoError(t, err)
		plaintext, err := b.Decrypt(ciphertext)
		require.NoError(t, err)
		assert.Equal(t, []byte("payload"), plaintext)
	})

	t.Run("wrong secret fails closed", func(t *testing.T) {
		a, err := New("secret-a")
		require.NoError(t, err)
		b, err := New("secret-b")
		require.NoError(t, err)

		ciphertext, err := a.Encrypt([]byte("payload"))
		require.NoError(t, err)
		_, err = b.Decrypt(ciphertext)
		assert.ErrorIs(t, err, ErrUndecryptable)
	})

	t.Run("tampered ciphertext fails closed", func(t *testing.T) {
		enc, err := New("test-secret")
		require.NoError(t, err)
		ciphertext, err := enc.Encrypt([]byte("payload"))
		require.NoError(t, err)

		ciphertext[len(ciphertext)-1] ^= 0xff
		_, err = enc.Decrypt(ciphertext)
		assert.ErrorIs(t, err, ErrUndecryptable)
	})

	t.Run("truncated ciphertext fails closed", func(t *testing.T) {
		enc, err := New("test-secret")
		require.NoError(t, err)
		_, err = enc.Decrypt([]byte("short"))
		assert.ErrorIs(t, err, ErrUndecryptable)
	})

	t.Run("empty secret rejected", func(t *testing.T) {
		_, err := New("")
		assert.Error(t, err)
	})
}

func TestCleartext(t *testing.T) {
	enc := Cleartext{}
	assert.False(t, enc.Encrypting())

	ciphertext, err := enc.Encrypt([]byte("visible"))
	require.NoError(t, err)
	assert.Equal(t, []byte("visible"), ciphertext)

	plaintext, err := enc.Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("visible"), plaintext)
}
