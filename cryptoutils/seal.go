package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

// SealGCM encrypts data with AES-GCM under key using the given nonce. The
// nonce size is taken from the nonce itself so callers may use 16-byte
// nonces; a nonce must never repeat under the same key.
func SealGCM(key, nonce, data []byte) ([]byte, error) {
	aesGCM, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, err
	}
	return aesGCM.Seal(nil, nonce, data, nil), nil
}

// OpenGCM decrypts and authenticates data sealed by SealGCM. On any
// authentication failure no plaintext is returned.
func OpenGCM(key, nonce, ciphertext []byte) ([]byte, error) {
	aesGCM, err := newGCM(key, len(nonce))
	if err != nil {
		return nil, err
	}

	if len(ciphertext) < aesGCM.Overhead() {
		return nil, errors.New("ciphertext too short")
	}

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

func newGCM(key []byte, nonceSize int) (cipher.AEAD, error) {
	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCMWithNonceSize(aesBlock, nonceSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return aesGCM, nil
}
