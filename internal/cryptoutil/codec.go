// Package cryptoutil implements the end-to-end message codec: a single
// AES-256-GCM key derived from the session token, one random IV per
// message, and base64 transport encoding.
//
// The key is static for the session lifetime. There is no per-message
// rotation and no forward secrecy; both peers derive the same key from the
// shared token, which is the session's single point of trust.
package cryptoutil

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/krakonos-tatransky/chatorbit-sub001/internal/domain"
)

const (
	KeyBytes = 32 // AES-256
	IVBytes  = 12 // GCM standard nonce size
	TagBytes = 16 // GCM tag, appended to the ciphertext
)

// Codec encrypts and decrypts chat payloads for one session.
type Codec struct {
	key [KeyBytes]byte
}

// New derives the session key as SHA-256(token).
func New(token string) *Codec {
	return &Codec{key: sha256.Sum256([]byte(token))}
}

// Encrypt seals the UTF-8 plaintext and returns base64(IV ‖ ciphertext ‖ tag).
func (c *Codec) Encrypt(plaintext string) (string, error) {
	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	iv := make([]byte, IVBytes)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	// Seal appends ciphertext+tag to the IV, producing the wire layout
	// directly.
	sealed := aead.Seal(iv, iv, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Any failure (bad base64, short input, tag
// mismatch) is reported as domain.ErrEncryption; the caller is expected to
// degrade to the raw payload rather than drop the message.
func (c *Codec) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64: %v", domain.ErrEncryption, err)
	}
	if len(raw) < IVBytes+TagBytes {
		return "", fmt.Errorf("%w: payload too short (%d bytes)", domain.ErrEncryption, len(raw))
	}

	aead, err := c.aead()
	if err != nil {
		return "", err
	}

	plaintext, err := aead.Open(nil, raw[:IVBytes], raw[IVBytes:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEncryption, err)
	}
	return string(plaintext), nil
}

func (c *Codec) aead() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
