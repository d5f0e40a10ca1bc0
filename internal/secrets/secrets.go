// Package secrets provides a platform-abstracted interface for secure credential storage.
// On macOS, credentials are stored in the system Keychain.
// On other platforms, a no-op fallback is used and callers fall back to
// file-based storage.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Service name used for Verso credentials in the system keychain.
const ServiceName = "Verso"

// Account names for different credential types.
const (
	// AccountBridgeToken is the account name for the local UI bridge's
	// bearer token.
	AccountBridgeToken = "bridge-token"
)

// ErrNotFound is returned when a credential is not found in the store.
var ErrNotFound = errors.New("credential not found")

// ErrNotSupported is returned when the secret store is not supported on the current platform.
var ErrNotSupported = errors.New("secret store not supported on this platform")

// SecretStore provides an interface for secure credential storage.
// Implementations should be safe for concurrent use.
type SecretStore interface {
	// Get retrieves a password for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Get(service, account string) (string, error)

	// Set stores a password for the given service and account.
	// If a credential already exists, it is updated.
	Set(service, account, password string) error

	// Delete removes a credential for the given service and account.
	// Returns ErrNotFound if the credential does not exist.
	Delete(service, account string) error

	// IsSupported returns true if this store is functional on the current platform.
	IsSupported() bool
}

// store is the package-level secret store instance, initialized at package load time.
// It is set by the platform-specific init() function.
var store SecretStore

// Default returns the default SecretStore for the current platform.
// This function always returns a valid store; on unsupported platforms,
// it returns a NoopStore that returns ErrNotSupported for all operations.
func Default() SecretStore {
	if store == nil {
		// Fallback to noop store if not initialized (should not happen)
		store = &NoopStore{}
	}
	return store
}

// IsSupported returns true if secure credential storage is available on this platform.
func IsSupported() bool {
	return Default().IsSupported()
}

// Get retrieves a password for the given service and account using the default store.
func Get(service, account string) (string, error) {
	return Default().Get(service, account)
}

// Set stores a password for the given service and account using the default store.
func Set(service, account, password string) error {
	return Default().Set(service, account, password)
}

// Delete removes a credential for the given service and account using the default store.
func Delete(service, account string) error {
	return Default().Delete(service, account)
}

// GetBridgeToken retrieves the bridge bearer token from the secret store.
func GetBridgeToken() (string, error) {
	return Get(ServiceName, AccountBridgeToken)
}

// SetBridgeToken stores the bridge bearer token in the secret store.
func SetBridgeToken(token string) error {
	return Set(ServiceName, AccountBridgeToken, token)
}

// DeleteBridgeToken removes the bridge bearer token from the secret store.
func DeleteBridgeToken() error {
	return Delete(ServiceName, AccountBridgeToken)
}

// LoadOrCreateBridgeToken returns the bridge token, generating and
// persisting one on first use. The keychain is preferred; fallbackPath
// is a 0600 file used on platforms without a keychain.
func LoadOrCreateBridgeToken(fallbackPath string) (string, error) {
	if IsSupported() {
		token, err := GetBridgeToken()
		if err == nil && token != "" {
			return token, nil
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return "", err
		}
		token, err = newToken()
		if err != nil {
			return "", err
		}
		if err := SetBridgeToken(token); err != nil {
			return "", err
		}
		return token, nil
	}

	data, err := os.ReadFile(fallbackPath)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}
	token, err := newToken()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(fallbackPath), 0o700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := os.WriteFile(fallbackPath, []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to write token file: %w", err)
	}
	return token, nil
}

// newToken generates a 256-bit random token in hex.
func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
