// Package credcodec implements the Credential Codec (C1): authenticated
// symmetric encryption of provider API keys at rest.
package credcodec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// version 1: AES-256-GCM, key derived from the process secret via SHA-256.
const version1 byte = 0x01

// BadCredential is returned when ciphertext fails to authenticate — a
// corrupted row, a bit-flip, or encryption under a different secret.
var BadCredential = errors.New("credcodec: ciphertext failed to authenticate")

// Codec encrypts and decrypts provider API keys using a process-wide
// secret loaded once at startup. It holds no other state and is safe for
// concurrent use.
type Codec struct {
	key [32]byte
}

// New derives a 256-bit key from secret via SHA-256. secret may be any
// non-empty string; rotation requires re-encrypting stored rows, which is
// not automated here.
func New(secret string) (*Codec, error) {
	if secret == "" {
		return nil, errors.New("credcodec: secret must not be empty")
	}
	return &Codec{key: sha256.Sum256([]byte(secret))}, nil
}

// Encrypt seals plaintext into a versioned, authenticated ciphertext.
func (c *Codec) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credcodec: generate nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, version1)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Decrypt opens ciphertext produced by Encrypt. Any corruption, truncation,
// or mismatched secret surfaces as BadCredential — never a lower-level
// crypto error, so callers can treat it uniformly.
func (c *Codec) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < 1 {
		return nil, BadCredential
	}
	if ciphertext[0] != version1 {
		return nil, BadCredential
	}

	gcm, err := c.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	body := ciphertext[1:]
	if len(body) < nonceSize {
		return nil, BadCredential
	}

	nonce, sealed := body[:nonceSize], body[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, BadCredential
	}
	return plaintext, nil
}

func (c *Codec) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return nil, fmt.Errorf("credcodec: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credcodec: new gcm: %w", err)
	}
	return gcm, nil
}
