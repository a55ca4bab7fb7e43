// Package vaulttest provides a fast vault.Cipher for tests. Tokens have the
// same shape as real vault tokens but use a fixed key with no derivation.
package vaulttest

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/ignite/phi-mailer/internal/pkg/vault"
)

// Cipher implements vault.Cipher.
type Cipher struct {
	gcm         cipher.AEAD
	failDecrypt atomic.Bool
	encrypts    atomic.Int64
	decrypts    atomic.Int64
}

// New returns a ready Cipher.
func New() *Cipher {
	block, _ := aes.NewCipher(make([]byte, 32))
	gcm, _ := cipher.NewGCMWithNonceSize(block, 16)
	return &Cipher{gcm: gcm}
}

// FailDecrypt makes every Decrypt return vault.ErrDecryption.
func (c *Cipher) FailDecrypt(fail bool) { c.failDecrypt.Store(fail) }

// Encrypts returns the number of non-empty Encrypt calls.
func (c *Cipher) Encrypts() int64 { return c.encrypts.Load() }

// Decrypts returns the number of non-empty Decrypt calls.
func (c *Cipher) Decrypts() int64 { return c.decrypts.Load() }

func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	c.encrypts.Add(1)
	iv := make([]byte, 16)
	rand.Read(iv)
	sealed := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-16], sealed[len(sealed)-16:]
	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(iv),
		enc.EncodeToString(make([]byte, 64)),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, ":"), nil
}

func (c *Cipher) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	c.decrypts.Add(1)
	if c.failDecrypt.Load() || !vault.IsToken(token) {
		return "", vault.ErrDecryption
	}
	parts := strings.Split(token, ":")
	iv, _ := base64.StdEncoding.DecodeString(parts[0])
	tag, _ := base64.StdEncoding.DecodeString(parts[2])
	ct, _ := base64.StdEncoding.DecodeString(parts[3])
	plain, err := c.gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", errors.Join(vault.ErrDecryption, err)
	}
	return string(plain), nil
}
