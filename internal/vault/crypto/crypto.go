package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32
	// NonceSize is the GCM nonce length in bytes.
	NonceSize = 12
	// TagSize is the GCM authentication tag length in bytes.
	TagSize = 16

	// Algorithm identifies the cipher suite persisted alongside
	// ciphertexts so future rotations can coexist.
	Algorithm = "aes-256-gcm"
)

var (
	ErrInvalidKey      = errors.New("invalid_key_length")
	ErrEmptyPlaintext  = errors.New("empty_plaintext")
	ErrMalformedSealed = errors.New("malformed_sealed_payload")
	// ErrDecryptFailed is deliberately uniform: callers never learn
	// whether the ciphertext, nonce or tag was tampered with.
	ErrDecryptFailed = errors.New("decryption failed")
)

// Sealed carries one encrypted secret as storage-safe encoded fields.
type Sealed struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
	Tag        string `json:"tag"`
	Algorithm  string `json:"algorithm"`
}

// GenerateKey returns a fresh 256-bit key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals the plaintext under key with AES-256-GCM and a fresh
// random nonce. The nonce is never reused for the same key.
func Encrypt(plaintext string, key []byte) (Sealed, error) {
	if len(key) != KeySize {
		return Sealed{}, ErrInvalidKey
	}
	if plaintext == "" {
		return Sealed{}, ErrEmptyPlaintext
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return Sealed{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Sealed{}, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Sealed{}, err
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	// gcm.Seal appends the 16-byte tag to the ciphertext; split them so
	// the tag is stored and validated as its own field.
	ciphertext := sealed[:len(sealed)-TagSize]
	tag := sealed[len(sealed)-TagSize:]

	return Sealed{
		Ciphertext: base64.RawStdEncoding.EncodeToString(ciphertext),
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Tag:        base64.RawStdEncoding.EncodeToString(tag),
		Algorithm:  Algorithm,
	}, nil
}

// Decrypt opens a sealed secret. Any tampering of ciphertext, nonce or
// tag fails AEAD verification and returns ErrDecryptFailed; the error is
// not differentiated by cause.
func Decrypt(sealed Sealed, key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrInvalidKey
	}

	ciphertext, err := base64.RawStdEncoding.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", ErrMalformedSealed
	}
	nonce, err := base64.RawStdEncoding.DecodeString(sealed.Nonce)
	if err != nil {
		return "", ErrMalformedSealed
	}
	tag, err := base64.RawStdEncoding.DecodeString(sealed.Tag)
	if err != nil {
		return "", ErrMalformedSealed
	}
	if len(nonce) != NonceSize {
		return "", ErrMalformedSealed
	}
	if len(tag) != TagSize {
		return "", ErrMalformedSealed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	plain, err := gcm.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plain), nil
}
