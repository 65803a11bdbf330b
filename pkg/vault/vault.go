// Package vault envelope-encrypts upstream provider credentials.
//
// A single 256-bit data-encryption key is derived once per process from the
// operator's master secret with argon2id and a fixed salt. Each secret is
// sealed with AES-256-GCM under a fresh 128-bit IV; the IV and the
// tag-bearing ciphertext travel as independent base64 fields.
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

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// ErrDecrypt is returned whenever decryption cannot produce the original
// plaintext: authentication failure, malformed fields, or a missing key.
var ErrDecrypt = errors.New("vault: decrypt failed")

const (
	keySize = 32
	ivSize  = 16

	// Fixed KDF salt. Changing it orphans every stored secret.
	kdfSalt = "porter.vault.dek.v1"

	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

// Envelope is the stored form of an encrypted secret.
type Envelope struct {
	// EncryptedKey is base64(ciphertext || GCM tag).
	EncryptedKey string
	// KeyIV is base64 of the 16-byte IV.
	KeyIV string
}

// Vault seals and opens secret envelopes with a process-lifetime DEK.
type Vault struct {
	aead   cipher.AEAD
	master []byte
}

// New derives the DEK from masterSecret and prepares the cipher. The
// argon2id pass runs once here, not per operation.
func New(masterSecret string) (*Vault, error) {
	if masterSecret == "" {
		return nil, errors.New("vault: master secret is empty")
	}

	dek := argon2.IDKey([]byte(masterSecret), []byte(kdfSalt), argonTime, argonMemory, argonThreads, keySize)

	block, err := aes.NewCipher(dek)
	if err != nil {
		return nil, fmt.Errorf("vault: aes cipher: %w", err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm: %w", err)
	}

	return &Vault{aead: aead, master: []byte(masterSecret)}, nil
}

// Encrypt seals plaintext under a fresh IV. Two encryptions of the same
// plaintext yield different envelopes.
func (v *Vault) Encrypt(plaintext []byte) (Envelope, error) {
	iv := make([]byte, ivSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Envelope{}, fmt.Errorf("vault: iv: %w", err)
	}

	ct := v.aead.Seal(nil, iv, plaintext, nil)

	return Envelope{
		EncryptedKey: base64.StdEncoding.EncodeToString(ct),
		KeyIV:        base64.StdEncoding.EncodeToString(iv),
	}, nil
}

// EncryptString is Encrypt for string plaintexts.
func (v *Vault) EncryptString(plaintext string) (Envelope, error) {
	return v.Encrypt([]byte(plaintext))
}

// Decrypt opens an envelope. Any malformed field or authentication failure
// yields ErrDecrypt; callers must not branch on the underlying cause.
func (v *Vault) Decrypt(env Envelope) ([]byte, error) {
	iv, err := base64.StdEncoding.DecodeString(env.KeyIV)
	if err != nil {
		return nil, fmt.Errorf("%w: bad iv encoding", ErrDecrypt)
	}
	if len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes", ErrDecrypt, ivSize)
	}
	ct, err := base64.StdEncoding.DecodeString(env.EncryptedKey)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", ErrDecrypt)
	}

	pt, err := v.aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// DecryptString is Decrypt returning a string.
func (v *Vault) DecryptString(env Envelope) (string, error) {
	pt, err := v.Decrypt(env)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// DeriveKey expands a purpose-bound subkey from the master secret via
// HKDF-SHA256. Used for keys that must be stable across restarts but
// distinct from the DEK (admin session signing).
func (v *Vault) DeriveKey(purpose string, size int) ([]byte, error) {
	r := hkdf.New(sha256.New, v.master, []byte(kdfSalt), []byte(purpose))
	key := make([]byte, size)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive %q: %w", purpose, err)
	}
	return key, nil
}
