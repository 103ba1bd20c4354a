package auth

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
)

// SecretFileName is the per-install signing key stored in the data directory.
const SecretFileName = "supervisor.key"

const secretKeyBytes = 32

// LoadSecretKey reads the signing key at path, generating and persisting a new
// random key if the file does not exist yet.
func LoadSecretKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err != nil {
		// If the file doesn't exist, generate a new key
		if os.IsNotExist(err) {
			b := make([]byte, secretKeyBytes)
			if _, err := rand.Read(b); err != nil {
				return nil, fmt.Errorf("failed to generate random secret key: %w", err)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return nil, fmt.Errorf("failed to create secret key directory: %w", err)
			}
			if err := os.WriteFile(path, b, 0600); err != nil {
				return nil, fmt.Errorf("failed to write secret key: %w", err)
			}
			key = b
		} else {
			return nil, fmt.Errorf("failed to read secret key: %w", err)
		}
	}
	if len(key) < secretKeyBytes {
		return nil, fmt.Errorf("secret key at %s is too short (%d bytes)", path, len(key))
	}
	return key, nil
}
