// Package config provides configuration management for the gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
)

// Defaults for the gateway configuration.
const (
	DefaultPort       = 3000
	DefaultMaxConns   = 4
	DefaultCORSOrigin = "*"
)

// Config holds gateway settings persisted in <data-dir>/settings.json.
type Config struct {
	Port       int    `json:"port"`
	CORSOrigin string `json:"corsOrigin"`
	MaxConns   int    `json:"maxConns"`
}

var (
	mu     sync.RWMutex
	cached *Config
)

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Port:       DefaultPort,
		CORSOrigin: DefaultCORSOrigin,
		MaxConns:   DefaultMaxConns,
	}
}

// DataDir returns the gateway data directory.
// Override with KIRIMKAN_DATA_DIR; defaults to ~/.kirimkan.
func DataDir() string {
	if dir := os.Getenv("KIRIMKAN_DATA_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kirimkan"
	}
	return filepath.Join(home, ".kirimkan")
}

// DBPath returns the SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "gateway.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// SessionDir returns the directory holding per-session credential folders
// and the session registry file.
func SessionDir() string {
	return filepath.Join(DataDir(), "sessions")
}

// SessionRegistryPath returns the session registry file path.
func SessionRegistryPath() string {
	return filepath.Join(SessionDir(), "sessions.json")
}

// WebhookConfigPath returns the webhook configuration file path.
func WebhookConfigPath() string {
	return filepath.Join(SessionDir(), "webhook-configs.json")
}

// MediaDir returns the directory holding per-session inbound media.
func MediaDir() string {
	return filepath.Join(DataDir(), "media")
}

// EnsureDataDir creates the data directory if it does not exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0o755)
}

// EnsureSessionDir creates the session directory if it does not exist.
func EnsureSessionDir() error {
	return os.MkdirAll(SessionDir(), 0o755)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := json.MarshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// EnsureAll creates the data directory, session directory and settings file.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return fmt.Errorf("ensure data dir: %w", err)
	}
	if err := EnsureSessionDir(); err != nil {
		return fmt.Errorf("ensure session dir: %w", err)
	}
	return EnsureSettings()
}

// Load reads the settings file and applies environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err != nil {
		if os.IsNotExist(err) {
			applyEnv(cfg)
			setCached(cfg)
			return cfg, nil
		}
		return nil, fmt.Errorf("read settings: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = DefaultMaxConns
	}
	if cfg.CORSOrigin == "" {
		cfg.CORSOrigin = DefaultCORSOrigin
	}
	applyEnv(cfg)
	setCached(cfg)
	return cfg, nil
}

// Get returns the cached configuration, loading it on first use.
func Get() *Config {
	mu.RLock()
	if cached != nil {
		defer mu.RUnlock()
		return cached
	}
	mu.RUnlock()

	cfg, err := Load()
	if err != nil {
		cfg = Default()
		setCached(cfg)
	}
	return cfg
}

func setCached(cfg *Config) {
	mu.Lock()
	cached = cfg
	mu.Unlock()
}

// applyEnv applies PORT and CORS_ORIGIN environment overrides.
func applyEnv(cfg *Config) {
	if p := os.Getenv("PORT"); p != "" {
		if port, err := strconv.Atoi(p); err == nil && port > 0 {
			cfg.Port = port
		}
	}
	if origin := os.Getenv("CORS_ORIGIN"); origin != "" {
		cfg.CORSOrigin = origin
	}
}
