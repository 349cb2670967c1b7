package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	cverrors "github.com/systmms/cfgvault/internal/errors"
)

const (
	// KeyringService and KeyringAccount locate the master key in the OS keychain.
	KeyringService = "cfgvault"
	KeyringAccount = "master-key"
)

// GenerateMasterKey returns a new random 32-byte key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeKey renders a key for storage in an environment variable or keychain.
func EncodeKey(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}

// DecodeKey parses a base64 master key and checks its length.
func DecodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("master key is not valid base64: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("master key must decode to %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// MasterKeyFromEnv reads a base64 master key from the named variable.
func MasterKeyFromEnv(name string) ([]byte, error) {
	encoded, ok := os.LookupEnv(name)
	if !ok || encoded == "" {
		return nil, cverrors.ConfigError{
			Field:      "crypto.master_key_env",
			Value:      name,
			Message:    "master key environment variable is not set",
			Suggestion: fmt.Sprintf("Run 'cfgvault init --print-key' and export %s", name),
		}
	}
	return DecodeKey(encoded)
}

// MasterKeyFromKeyring loads the master key from the OS keychain.
func MasterKeyFromKeyring() ([]byte, error) {
	encoded, err := keyring.Get(KeyringService, KeyringAccount)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, cverrors.ConfigError{
				Field:      "crypto.master_key_source",
				Value:      "keyring",
				Message:    "no master key stored in the OS keychain",
				Suggestion: "Run 'cfgvault init' to generate one",
			}
		}
		return nil, fmt.Errorf("failed to read master key from keychain: %w", err)
	}
	return DecodeKey(encoded)
}

// StoreMasterKeyInKeyring saves key in the OS keychain.
func StoreMasterKeyInKeyring(key []byte) error {
	if err := keyring.Set(KeyringService, KeyringAccount, EncodeKey(key)); err != nil {
		return fmt.Errorf("failed to store master key in keychain: %w", err)
	}
	return nil
}
