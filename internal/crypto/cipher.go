// Package crypto seals individual configuration values with AES-256-GCM.
//
// The master key lives in a memguard enclave (encrypted in memory, mlocked
// where the platform allows). Each tenant gets its own data key derived with
// HKDF-SHA256, and the tenant id is bound as additional authenticated data,
// so a ciphertext is useless outside the tenant it was written for.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	cverrors "github.com/systmms/cfgvault/internal/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of the master key and every derived key.
	KeySize = 32
	// NonceSize is the GCM nonce length.
	NonceSize = 12

	kdfSalt = "cfgvault"
)

// Cipher encrypts and decrypts values for a tenant.
type Cipher struct {
	master *memguard.Enclave
}

// NewCipher moves masterKey into protected memory. The caller's slice is wiped.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}
	enclave := memguard.NewEnclave(masterKey)
	if enclave == nil {
		return nil, fmt.Errorf("failed to protect master key")
	}
	return &Cipher{master: enclave}, nil
}

// Encrypt seals plaintext for tenant with a fresh random nonce, so equal
// plaintexts never produce equal ciphertexts.
func (c *Cipher) Encrypt(plaintext []byte, tenant string) (ciphertext, nonce []byte, err error) {
	aead, err := c.aead(tenant)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, []byte(tenant)), nonce, nil
}

// Decrypt opens ciphertext. Any failure (wrong tenant, tampered bytes, bad
// nonce length) is a DecryptionError and no partial plaintext is returned.
func (c *Cipher) Decrypt(ciphertext, nonce []byte, tenant string) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, cverrors.DecryptionError{Tenant: tenant}
	}
	aead, err := c.aead(tenant)
	if err != nil {
		return nil, cverrors.DecryptionError{Tenant: tenant}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(tenant))
	if err != nil {
		return nil, cverrors.DecryptionError{Tenant: tenant}
	}
	return plaintext, nil
}

// EncryptString is a convenience wrapper over Encrypt.
func (c *Cipher) EncryptString(plaintext, tenant string) ([]byte, []byte, error) {
	return c.Encrypt([]byte(plaintext), tenant)
}

// DecryptString is a convenience wrapper over Decrypt.
func (c *Cipher) DecryptString(ciphertext, nonce []byte, tenant string) (string, error) {
	b, err := c.Decrypt(ciphertext, nonce, tenant)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (c *Cipher) aead(tenant string) (cipher.AEAD, error) {
	if tenant == "" {
		return nil, fmt.Errorf("tenant is required for key derivation")
	}
	key, err := c.deriveKey(tenant)
	if err != nil {
		return nil, err
	}
	defer memguard.WipeBytes(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (c *Cipher) deriveKey(tenant string) ([]byte, error) {
	locked, err := c.master.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open master key: %w", err)
	}
	defer locked.Destroy()

	key := make([]byte, KeySize)
	kdf := hkdf.New(sha256.New, locked.Bytes(), []byte(kdfSalt), []byte(tenant))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive tenant key: %w", err)
	}
	return key, nil
}
