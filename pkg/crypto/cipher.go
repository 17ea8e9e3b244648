package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// ErrEmptySecret is returned when a Sealer is built without key material.
var ErrEmptySecret = errors.New("crypto: empty secret")

// Sealer encrypts small values such as stored SSH credentials with AES-GCM.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer derives a 32 byte key from secret using SHA-256.
func NewSealer(secret string) (*Sealer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Sealer{aead: gcm}, nil
}

// Seal encrypts plaintext. The nonce is prepended to the ciphertext.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal.
func (s *Sealer) Open(payload []byte) ([]byte, error) {
	nonceSize := s.aead.NonceSize()
	if len(payload) < nonceSize {
		return nil, io.ErrUnexpectedEOF
	}
	return s.aead.Open(nil, payload[:nonceSize], payload[nonceSize:], nil)
}

// SealString is Seal for strings; an empty input yields a nil payload.
func (s *Sealer) SealString(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	return s.Seal([]byte(plaintext))
}

// OpenString is Open for strings; a nil payload yields an empty string.
func (s *Sealer) OpenString(payload []byte) (string, error) {
	if len(payload) == 0 {
		return "", nil
	}
	plain, err := s.Open(payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// EncryptString encrypts plaintext using AES-GCM.
func EncryptString(secret string, plaintext string) ([]byte, error) {
	s, err := NewSealer(secret)
	if err != nil {
		return nil, err
	}
	return s.Seal([]byte(plaintext))
}

// DecryptToString decrypts AES-GCM data back to plaintext.
func DecryptToString(secret string, payload []byte) (string, error) {
	s, err := NewSealer(secret)
	if err != nil {
		return "", err
	}
	plain, err := s.Open(payload)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
