package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	require.Len(t, key, KeySize)

	sealed, err := Encrypt("LICENSE-KEY-XXXX-YYYY", key)
	require.NoError(t, err)
	assert.Equal(t, Algorithm, sealed.Algorithm)
	assert.NotEmpty(t, sealed.Ciphertext)
	assert.NotEmpty(t, sealed.Nonce)
	assert.NotEmpty(t, sealed.Tag)

	plaintext, err := Decrypt(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "LICENSE-KEY-XXXX-YYYY", plaintext)
}

func TestEncryptUsesFreshNonce(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	first, err := Encrypt("same-secret", key)
	require.NoError(t, err)
	second, err := Encrypt("same-secret", key)
	require.NoError(t, err)

	assert.NotEqual(t, first.Nonce, second.Nonce)
	assert.NotEqual(t, first.Ciphertext, second.Ciphertext)
}

func TestEncryptRejectsBadInput(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	_, err = Encrypt("", key)
	assert.ErrorIs(t, err, ErrEmptyPlaintext)

	_, err = Encrypt("secret", []byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestDecryptDetectsTampering(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Encrypt("tamper-evident-secret", key)
	require.NoError(t, err)

	flip := func(encoded string) string {
		raw, err := base64.RawStdEncoding.DecodeString(encoded)
		require.NoError(t, err)
		raw[0] ^= 0x01
		return base64.RawStdEncoding.EncodeToString(raw)
	}

	cases := map[string]Sealed{
		"ciphertext": {Ciphertext: flip(sealed.Ciphertext), Nonce: sealed.Nonce, Tag: sealed.Tag, Algorithm: sealed.Algorithm},
		"nonce":      {Ciphertext: sealed.Ciphertext, Nonce: flip(sealed.Nonce), Tag: sealed.Tag, Algorithm: sealed.Algorithm},
		"tag":        {Ciphertext: sealed.Ciphertext, Nonce: sealed.Nonce, Tag: flip(sealed.Tag), Algorithm: sealed.Algorithm},
	}

	for name, tampered := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decrypt(tampered, key)
			assert.ErrorIs(t, err, ErrDecryptFailed)
			assert.EqualError(t, err, "decryption failed")
		})
	}
}

func TestDecryptWrongKey(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Encrypt("secret", key)
	require.NoError(t, err)

	_, err = Decrypt(sealed, other)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestDecryptMalformedFields(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	sealed, err := Encrypt("secret", key)
	require.NoError(t, err)

	_, err = Decrypt(Sealed{Ciphertext: "%%%", Nonce: sealed.Nonce, Tag: sealed.Tag, Algorithm: Algorithm}, key)
	assert.ErrorIs(t, err, ErrMalformedSealed)

	_, err = Decrypt(Sealed{Ciphertext: sealed.Ciphertext, Nonce: "", Tag: sealed.Tag, Algorithm: Algorithm}, key)
	assert.ErrorIs(t, err, ErrMalformedSealed)
}
