// Package vault encrypts long-lived third-party credentials (GitHub tokens)
// at rest. It uses AES-256-GCM under a key that is deliberately separate from
// the platform message envelope: the two schemes never share key material or
// code paths.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
)

const nonceSize = 12

// Vault errors.
var (
	// ErrInvalidKey is a configuration failure: the key material must be
	// base64 for exactly 32 raw bytes.
	ErrInvalidKey = errors.New("vault: key must be 32 bytes, base64-encoded")
	// ErrInvalidCiphertext covers undersized or tampered payloads.
	ErrInvalidCiphertext = errors.New("vault: invalid ciphertext")
)

// Vault seals and opens credential strings. The wire form is
// base64(nonce || ciphertext) with a fresh 96-bit random nonce per seal.
type Vault struct {
	aead cipher.AEAD
}

// New builds a Vault from base64 key material.
func New(keyB64 string) (*Vault, error) {
	raw, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil || len(raw) != 32 {
		return nil, ErrInvalidKey
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Vault{aead: aead}, nil
}

// EncryptString seals a credential for storage.
func (v *Vault) EncryptString(plaintext string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptString opens a stored credential. It fails closed when the payload
// is shorter than nonce + 1 byte or fails authentication.
func (v *Vault) DecryptString(payloadB64 string) (string, error) {
	payload, err := base64.StdEncoding.DecodeString(payloadB64)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(payload) < nonceSize+1 {
		return "", ErrInvalidCiphertext
	}
	plain, err := v.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
