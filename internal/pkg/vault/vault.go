// Package vault encrypts PHI fields at rest. Every value is sealed with
// AES-256-GCM under a subkey derived from the master key and a fresh
// per-value salt, so identical plaintexts never produce identical tokens.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// MinIterations is the PBKDF2 floor for both master and per-value keys.
	MinIterations = 100000

	keyLen  = 32
	ivLen   = 16
	saltLen = 64
	tagLen  = 16

	masterSalt = "hipaa-salt"
)

var (
	// ErrDecryption is returned for malformed tokens and failed authentication.
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrNoSecret is returned by New when no key material is configured.
	ErrNoSecret = errors.New("vault: encryption key is not configured")
)

// Cipher is the subset of Vault that services depend on.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(token string) (string, error)
}

// Vault holds the derived master key. It is safe for concurrent use.
type Vault struct {
	master     []byte
	iterations int
	rand       io.Reader
}

// Option configures a Vault.
type Option func(*Vault)

// WithIterations raises the per-value PBKDF2 iteration count. Values below
// MinIterations are ignored.
func WithIterations(n int) Option {
	return func(v *Vault) {
		if n >= MinIterations {
			v.iterations = n
		}
	}
}

// New derives the master key from secret.
func New(secret string, opts ...Option) (*Vault, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	v := &Vault{iterations: MinIterations, rand: rand.Reader}
	for _, opt := range opts {
		opt(v)
	}
	v.master = pbkdf2.Key([]byte(secret), []byte(masterSalt), MinIterations, keyLen, sha256.New)
	return v, nil
}

// Encrypt seals plaintext and returns "iv:salt:tag:ciphertext", each part
// standard base64. The empty string is returned unchanged.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	iv := make([]byte, ivLen)
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	if _, err := io.ReadFull(v.rand, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		enc.EncodeToString(iv),
		enc.EncodeToString(salt),
		enc.EncodeToString(tag),
		enc.EncodeToString(ct),
	}, ":"), nil
}

// Decrypt opens a token produced by Encrypt. The empty string is returned
// unchanged. Any malformed or tampered token yields ErrDecryption.
func (v *Vault) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}

	iv, salt, tag, ct, err := split(token)
	if err != nil {
		return "", err
	}

	gcm, err := v.aead(salt)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecryption)
	}
	return string(plain), nil
}

func (v *Vault) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(v.master, salt, v.iterations, keyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

func split(token string) (iv, salt, tag, ct []byte, err error) {
	parts := strings.Split(token, ":")
	if len(parts) != 4 {
		return nil, nil, nil, nil, fmt.Errorf("%w: expected 4 parts, got %d", ErrDecryption, len(parts))
	}
	decoded := make([][]byte, 4)
	for i, p := range parts {
		b, decErr := base64.StdEncoding.DecodeString(p)
		if decErr != nil {
			return nil, nil, nil, nil, fmt.Errorf("%w: part %d is not base64", ErrDecryption, i)
		}
		decoded[i] = b
	}
	iv, salt, tag, ct = decoded[0], decoded[1], decoded[2], decoded[3]
	if len(iv) != ivLen || len(salt) != saltLen || len(tag) != tagLen {
		return nil, nil, nil, nil, fmt.Errorf("%w: bad component length", ErrDecryption)
	}
	return iv, salt, tag, ct, nil
}

// IsToken reports whether s has the shape of an Encrypt token. Callers use
// it to tell ciphertext apart from legacy plaintext rows.
func IsToken(s string) bool {
	_, _, _, _, err := split(s)
	return err == nil
}

// Open decrypts v when it is a token. Any other non-empty value is treated
// as a legacy plaintext row and returned unchanged with legacy set.
func Open(c Cipher, v string) (plain string, legacy bool, err error) {
	if v == "" {
		return "", false, nil
	}
	if !IsToken(v) {
		return v, true, nil
	}
	plain, err = c.Decrypt(v)
	return plain, false, err
}
