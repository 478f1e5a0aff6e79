// Package config loads bsync config from YAML. Env overrides take precedence.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds resolved paths and settings. Paths use XDG defaults when not in file.
type Config struct {
	DatabasePath     string `yaml:"database_path"`
	EncryptionKey    string `yaml:"encryption_key"` // hex, 32 bytes
	ServerURL        string `yaml:"server_url"`
	AuthToken        string `yaml:"auth_token"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`

	Backup BackupConfig `yaml:"backup"`
}

// BackupConfig points snapshots at an S3-compatible bucket. An empty
// bucket disables backups.
type BackupConfig struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Keep is how many snapshots prune retains.
	Keep int `yaml:"keep"`
}

// Load reads config from XDG_CONFIG_HOME/bsync/config.yaml. Missing file uses defaults.
// Env overrides: BSYNC_DB_PATH, BSYNC_SERVER_URL, BSYNC_AUTH_TOKEN, BSYNC_ENCRYPTION_KEY.
func Load() (*Config, error) {
	dataHome := xdgDataHome()
	configHome := xdgConfigHome()
	path := filepath.Join(configHome, "bsync", "config.yaml")

	c := &Config{
		DatabasePath:     filepath.Join(dataHome, "bsync", "bsync.db"),
		RequestTimeoutMs: 30000,
		Backup:           BackupConfig{Keep: 5},
	}

	b, err := os.ReadFile(path)
	if err == nil {
		var raw Config
		if err := yaml.Unmarshal(b, &raw); err != nil {
			return nil, err
		}
		if raw.DatabasePath != "" {
			c.DatabasePath = resolvePath(raw.DatabasePath, dataHome)
		}
		if raw.EncryptionKey != "" {
			c.EncryptionKey = raw.EncryptionKey
		}
		if raw.ServerURL != "" {
			c.ServerURL = raw.ServerURL
		}
		if raw.AuthToken != "" {
			c.AuthToken = raw.AuthToken
		}
		if raw.RequestTimeoutMs > 0 {
			c.RequestTimeoutMs = raw.RequestTimeoutMs
		}
		if raw.Backup.Bucket != "" {
			keep := c.Backup.Keep
			c.Backup = raw.Backup
			if c.Backup.Keep == 0 {
				c.Backup.Keep = keep
			}
		}
	}

	// Env overrides
	if v := os.Getenv("BSYNC_DB_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("BSYNC_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("BSYNC_AUTH_TOKEN"); v != "" {
		c.AuthToken = v
	}
	if v := os.Getenv("BSYNC_ENCRYPTION_KEY"); v != "" {
		c.EncryptionKey = v
	}

	return c, nil
}

// Key decodes the hex encryption key; nil when unset.
func (c *Config) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("encryption_key is not hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption_key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func xdgDataHome() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "share")
}

func xdgConfigHome() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return v
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}

// resolvePath expands $XDG_DATA_HOME, $HOME in paths from config file.
func resolvePath(p, dataHome string) string {
	return filepath.Clean(os.Expand(p, func(key string) string {
		if key == "XDG_DATA_HOME" {
			return dataHome
		}
		if key == "XDG_CONFIG_HOME" {
			return xdgConfigHome()
		}
		if key == "HOME" {
			home, _ := os.UserHomeDir()
			return home
		}
		return ""
	}))
}
