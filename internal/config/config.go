// Package config loads the SDK configuration from the user config directory,
// with environment overrides. Secrets live in the OS keyring, never in the
// config file.
package config

import (
	"crypto/rand"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/wren-im/wren/internal/credentials"
)

const (
	appName    = "wren"
	configFile = "config.json"
)

type Config struct {
	CryptoDBPath string `json:"crypto_db_path"`
	SyncBaseURL  string `json:"sync_base_url,omitempty"`

	// Outbound group session rotation policy. Zero disables the bound.
	RotationMaxMessages int           `json:"rotation_max_messages"`
	RotationMaxAge      time.Duration `json:"rotation_max_age"`

	WarnOnUnknownDevices   bool `json:"warn_on_unknown_devices"`
	BlockUnverifiedDevices bool `json:"block_unverified_devices"`
}

func Load() (*Config, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return nil, err
	}
	appDir := filepath.Join(configDir, appName)

	path := filepath.Join(appDir, configFile)
	cfg := Config{
		RotationMaxMessages:  100,
		RotationMaxAge:       7 * 24 * time.Hour,
		WarnOnUnknownDevices: true,
	}

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	} else {
		cfg.CryptoDBPath = filepath.Join(appDir, "crypto")
		if err := os.MkdirAll(appDir, 0700); err != nil {
			return nil, err
		}
		out, _ := json.MarshalIndent(cfg, "", "  ")
		_ = os.WriteFile(path, out, 0600)
		slog.Info("generated new config", "path", path)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// PickleKey returns the per-account pickle key, generating and storing one on
// first use.
func PickleKey(userID string) ([]byte, error) {
	key, err := credentials.LoadPickleKey(userID)
	if err == nil {
		return key, nil
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := credentials.StorePickleKey(userID, key); err != nil {
		return nil, err
	}
	return key, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WREN_CRYPTO_DB_PATH"); v != "" {
		cfg.CryptoDBPath = v
	}
	if v := os.Getenv("WREN_SYNC_BASE_URL"); v != "" {
		cfg.SyncBaseURL = v
	}
	if v := os.Getenv("WREN_ROTATION_MAX_MESSAGES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RotationMaxMessages = n
		}
	}
	if v := os.Getenv("WREN_ROTATION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RotationMaxAge = d
		}
	}
	if v := os.Getenv("WREN_BLOCK_UNVERIFIED"); v != "" {
		cfg.BlockUnverifiedDevices = v == "1" || v == "true"
	}
}
