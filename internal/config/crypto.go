package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	encPrefix    = "enc:"
	secretKeyEnv = "JEWELFORGE_SECRET_KEY"
	keySize      = 32
)

// SecretKey encrypts secrets kept in the settings repository with
// AES-256-GCM.
type SecretKey struct {
	key []byte
}

// NewSecretKey derives the key from JEWELFORGE_SECRET_KEY, or reads (and on
// first run generates) ~/.jewelforge/secret.key.
func NewSecretKey() (*SecretKey, error) {
	if passphrase := os.Getenv(secretKeyEnv); passphrase != "" {
		return NewSecretKeyFromPassphrase(passphrase), nil
	}
	return LoadOrCreateSecretKey(filepath.Join(homeDir(), ".jewelforge", "secret.key"))
}

// NewSecretKeyFromPassphrase hashes passphrase into a 256-bit key.
func NewSecretKeyFromPassphrase(passphrase string) *SecretKey {
	h := sha256.Sum256([]byte(passphrase))
	return &SecretKey{key: h[:]}
}

// LoadOrCreateSecretKey reads a raw key from path, writing a random one if
// the file is missing or short.
func LoadOrCreateSecretKey(path string) (*SecretKey, error) {
	if data, err := os.ReadFile(path); err == nil && len(data) >= keySize {
		return &SecretKey{key: data[:keySize]}, nil
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write secret key: %w", err)
	}
	return &SecretKey{key: key}, nil
}

func (s *SecretKey) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt returns "enc:" followed by the base64 nonce and ciphertext.
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Values without the prefix are returned as is.
func (s *SecretKey) Decrypt(encrypted string) (string, error) {
	if !strings.HasPrefix(encrypted, encPrefix) {
		return encrypted, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(encrypted, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}

	gcm, err := s.aead()
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// MaskSecret keeps only the last four characters: "****abcd".
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

func homeDir() string {
	if h, err := os.UserHomeDir(); err == nil && h != "" {
		return h
	}
	return os.TempDir()
}
