package secrets

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoKey is returned when credentials are sealed but no key is configured.
var ErrNoKey = errors.New("secrets: credentials key not configured")

// Sealer encrypts source credentials with XChaCha20-Poly1305. Sealed values
// are base64(nonce || ciphertext).
type Sealer struct {
	key []byte
}

// NewSealer accepts a base64-encoded 32-byte key or any passphrase, which is
// stretched with SHA-256. An empty key yields a sealer that only handles
// empty values.
func NewSealer(key string) *Sealer {
	if key == "" {
		return &Sealer{}
	}
	if raw, err := base64.StdEncoding.DecodeString(key); err == nil && len(raw) == chacha20poly1305.KeySize {
		return &Sealer{key: raw}
	}
	sum := sha256.Sum256([]byte(key))
	return &Sealer{key: sum[:]}
}

// Seal encrypts plaintext.
func (s *Sealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	if s.key == nil {
		return "", ErrNoKey
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal.
func (s *Sealer) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	if s.key == nil {
		return "", ErrNoKey
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("decode sealed credentials: %w", err)
	}
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", errors.New("sealed credentials too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("open sealed credentials: %w", err)
	}
	return string(plain), nil
}
