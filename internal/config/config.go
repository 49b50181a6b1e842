// Package config stores Canopy credentials in the OS keyring, falling back
// to an encrypted file on headless systems.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/99designs/keyring"
)

const (
	serviceName = "canopy-cli"
	accountKey  = "default"

	envKeyringBackend  = "CANOPY_KEYRING_BACKEND"
	envKeyringPassword = "CANOPY_KEYRING_PASSWORD"
	envCredentialsDir  = "CANOPY_CREDENTIALS_DIR"

	keyringBackendAuto   = "auto"
	keyringBackendFile   = "file"
	keyringBackendSystem = "system"
)

// ErrNotConfigured is returned when no account is configured.
var ErrNotConfigured = errors.New("canopy not configured - run 'canopy auth login' first")

// openKeyring is a package-level function for opening keyrings.
// It can be replaced in tests to use a mock keyring.
var openKeyring = func(cfg keyring.Config) (keyring.Keyring, error) {
	return keyring.Open(cfg)
}

// SetOpenKeyring allows replacing the keyring opener for testing.
// Returns a cleanup function that restores the original.
func SetOpenKeyring(fn func(keyring.Config) (keyring.Keyring, error)) func() {
	original := openKeyring
	openKeyring = fn
	return func() { openKeyring = original }
}

// Account holds the Canopy connection details.
type Account struct {
	BaseURL  string `json:"base_url"`
	APIToken string `json:"api_token"`
	UserID   string `json:"user_id"`
	// RedisAddr switches the realtime feed to Redis pub/sub for
	// self-hosted deployments. Empty means the hosted Pulse service.
	RedisAddr string `json:"redis_addr,omitempty"`
}

func keyringConfig() keyring.Config {
	cfg := keyring.Config{
		ServiceName: serviceName,
	}

	backend := keyringBackendMode()
	if backend == keyringBackendSystem {
		return cfg
	}

	// Always configure file backend details in auto mode so keyring.Open
	// can fall through to encrypted file storage when native backends are
	// missing.
	configureFileBackend(&cfg)

	// Headless Linux should bypass other backends and use encrypted file
	// storage.
	if shouldForceFileBackend(runtime.GOOS, backend, os.Getenv("DBUS_SESSION_BUS_ADDRESS")) {
		cfg.AllowedBackends = []keyring.BackendType{keyring.FileBackend}
	}

	return cfg
}

func keyringBackendMode() string {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envKeyringBackend))) {
	case "", keyringBackendAuto:
		return keyringBackendAuto
	case keyringBackendFile:
		return keyringBackendFile
	case keyringBackendSystem, "os", "native":
		return keyringBackendSystem
	default:
		return keyringBackendAuto
	}
}

func shouldForceFileBackend(goos, backend, dbusAddr string) bool {
	if backend == keyringBackendFile {
		return true
	}
	return goos == "linux" && strings.TrimSpace(dbusAddr) == ""
}

func configureFileBackend(cfg *keyring.Config) {
	cfg.FileDir = credentialsDir()
	cfg.FilePasswordFunc = func(prompt string) (string, error) {
		if pw := os.Getenv(envKeyringPassword); pw != "" {
			return pw, nil
		}
		// Non-interactive default: an empty password still gets the file
		// obfuscated, and agents/CI can set CANOPY_KEYRING_PASSWORD.
		return "", nil
	}
}

func credentialsDir() string {
	if dir := strings.TrimSpace(os.Getenv(envCredentialsDir)); dir != "" {
		return dir
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return ".canopy"
		}
		return filepath.Join(home, ".canopy")
	}
	return filepath.Join(configDir, "canopy")
}

// Save writes the account to the keyring.
func Save(acct Account) error {
	if strings.TrimSpace(acct.BaseURL) == "" {
		return fmt.Errorf("base URL is required")
	}
	if strings.TrimSpace(acct.APIToken) == "" {
		return fmt.Errorf("API token is required")
	}

	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	data, err := json.Marshal(acct)
	if err != nil {
		return fmt.Errorf("marshal account: %w", err)
	}
	if err := ring.Set(keyring.Item{Key: accountKey, Data: data, Label: "Canopy account"}); err != nil {
		return fmt.Errorf("store account: %w", err)
	}
	return nil
}

// Load reads the configured account. Returns ErrNotConfigured when absent.
func Load() (Account, error) {
	var acct Account
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return acct, fmt.Errorf("open keyring: %w", err)
	}
	item, err := ring.Get(accountKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return acct, ErrNotConfigured
		}
		return acct, fmt.Errorf("read account: %w", err)
	}
	if err := json.Unmarshal(item.Data, &acct); err != nil {
		return acct, fmt.Errorf("parse account: %w", err)
	}
	return acct, nil
}

// Clear removes the stored account. Clearing an empty keyring is a no-op.
func Clear() error {
	ring, err := openKeyring(keyringConfig())
	if err != nil {
		return fmt.Errorf("open keyring: %w", err)
	}
	if err := ring.Remove(accountKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("remove account: %w", err)
	}
	return nil
}
