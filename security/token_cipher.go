package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/podiumlab/tri-integrations/core"
)

const (
	gcmNonceSize = 12
	gcmTagSize   = 16
	// minCiphertextSize is the smallest decodable payload: nonce plus the
	// auth tag of an empty plaintext.
	minCiphertextSize = gcmNonceSize + gcmTagSize
)

// TokenCipher encrypts OAuth tokens for storage in a text column. Output is
// base64(nonce || ciphertext || tag) using AES-256-GCM with a random nonce
// per call.
type TokenCipher struct {
	key     []byte
	derived bool
}

// NewTokenCipher resolves the encryption key. A dedicated key is used only
// when it is exactly 32 bytes; otherwise the key is derived by hashing the
// fallback secret. The fallback keeps dev setups working but means token
// secrecy rides on a secret not provisioned for encryption, so the caller's
// logger gets a loud warning.
func NewTokenCipher(dedicatedKey string, fallbackSecret string, logger core.Logger) (*TokenCipher, error) {
	dedicated := []byte(strings.TrimSpace(dedicatedKey))
	if len(dedicated) == 32 {
		return &TokenCipher{key: dedicated}, nil
	}

	fallback := strings.TrimSpace(fallbackSecret)
	if fallback == "" {
		return nil, fmt.Errorf("security: token encryption requires a 32-byte key or a fallback secret")
	}
	if logger != nil {
		logger.Warn(
			"token encryption key missing or not 32 bytes; deriving key from fallback secret",
			"key_source", "fallback_sha256",
		)
	}
	sum := sha256.Sum256([]byte(fallback))
	key := make([]byte, len(sum))
	copy(key, sum[:])
	return &TokenCipher{key: key, derived: true}, nil
}

// KeyDerived reports whether the cipher is running on a fallback-derived key.
func (c *TokenCipher) KeyDerived() bool {
	if c == nil {
		return false
	}
	return c.derived
}

func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", fmt.Errorf("security: token cipher is not configured")
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("security: create gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("security: nonce generation failed: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	payload := append(nonce, sealed...)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if c == nil || len(c.key) == 0 {
		return "", fmt.Errorf("security: token cipher is not configured")
	}
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(ciphertext))
	if err != nil {
		return "", fmt.Errorf("security: decode ciphertext: %w", err)
	}
	if len(payload) < minCiphertextSize {
		return "", fmt.Errorf("security: ciphertext too short")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return "", fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("security: create gcm: %w", err)
	}

	nonce := payload[:gcm.NonceSize()]
	sealed := payload[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("security: decrypt token: %w", err)
	}
	return string(plaintext), nil
}

// LooksEncrypted is the migration-window heuristic: legacy rows still hold
// plaintext tokens, and callers must only attempt Decrypt when the value is
// plausibly one of ours.
func (c *TokenCipher) LooksEncrypted(value string) bool {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return false
	}
	return len(decoded) >= minCiphertextSize
}

var _ core.TokenCipher = (*TokenCipher)(nil)
