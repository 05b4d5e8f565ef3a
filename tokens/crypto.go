package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveEncryptionKey derives a 32-byte AES-256 key from secret using
// HKDF-SHA256 with a fixed info label.
func DeriveEncryptionKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, fmt.Errorf("empty secret")
	}
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("tradeport-token-store-v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// seal encrypts plaintext with AES-256-GCM and returns hex(nonce || ciphertext || tag).
func seal(key []byte, plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	return hex.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// open reverses seal. Tokens are never valid hex, so a non-hex value is a
// row written before encryption was enabled and is returned unchanged. A hex
// value that fails authentication yields "" and is treated as absent.
func open(key []byte, value string) string {
	data, err := hex.DecodeString(value)
	if err != nil {
		return value
	}
	gcm, err := newGCM(key)
	if err != nil {
		return ""
	}
	n := gcm.NonceSize()
	if len(data) < n {
		return ""
	}
	plaintext, err := gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return ""
	}
	return string(plaintext)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}
