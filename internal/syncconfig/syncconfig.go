// Package syncconfig loads and saves terminal sync settings from
// <baseDir>/.possync/config.json with environment-variable overrides.
package syncconfig

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const configFile = ".possync/config.json"

// Config is the on-disk configuration for one terminal.
type Config struct {
	RemoteURL string `json:"remote_url"`
	RelayURL  string `json:"relay_url"`
	APIKey    string `json:"api_key,omitempty"`
	UserID    string `json:"user_id,omitempty"`

	SyncInterval   string `json:"sync_interval,omitempty"`   // default 30s
	BackupInterval string `json:"backup_interval,omitempty"` // default 5m
	BackupDays     *int   `json:"backup_days,omitempty"`     // default 7

	// TrackedCollections is the set of entity collections captured by
	// backups and overwritten by broadcasts.
	TrackedCollections []string `json:"tracked_collections,omitempty"`

	Webhook *WebhookConfig `json:"webhook,omitempty"`
}

// WebhookConfig configures optional event fan-out to the UI layer.
type WebhookConfig struct {
	URL    string `json:"url"`
	Secret string `json:"secret,omitempty"`
}

const (
	defaultRemoteURL      = "http://localhost:8080"
	defaultRelayURL       = "ws://localhost:8081/relay"
	defaultSyncInterval   = 30 * time.Second
	defaultBackupInterval = 5 * time.Minute
	defaultBackupDays     = 7
)

// DefaultTrackedCollections covers the POS entities every terminal carries.
var DefaultTrackedCollections = []string{"orders", "payments", "products", "tables"}

// Load reads the config from disk. A missing file yields an empty config.
func Load(baseDir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(baseDir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to disk using atomic write (temp file + rename).
func Save(baseDir string, cfg *Config) error {
	configPath := filepath.Join(baseDir, configFile)
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(configPath), "config-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, configPath)
}

// GetRemoteURL returns the remote API base URL.
// Priority: POSSYNC_REMOTE_URL env > config.json > default.
func (c *Config) GetRemoteURL() string {
	if v := os.Getenv("POSSYNC_REMOTE_URL"); v != "" {
		return v
	}
	if c.RemoteURL != "" {
		return c.RemoteURL
	}
	return defaultRemoteURL
}

// GetRelayURL returns the broadcast relay websocket URL.
// Priority: POSSYNC_RELAY_URL env > config.json > default.
func (c *Config) GetRelayURL() string {
	if v := os.Getenv("POSSYNC_RELAY_URL"); v != "" {
		return v
	}
	if c.RelayURL != "" {
		return c.RelayURL
	}
	return defaultRelayURL
}

// GetAPIKey returns the API key.
// Priority: POSSYNC_API_KEY env > config.json.
func (c *Config) GetAPIKey() string {
	if v := os.Getenv("POSSYNC_API_KEY"); v != "" {
		return v
	}
	return c.APIKey
}

// GetSyncInterval returns the periodic drain interval.
// Priority: POSSYNC_SYNC_INTERVAL env > config.json > 30s.
func (c *Config) GetSyncInterval() time.Duration {
	if d := durationEnv("POSSYNC_SYNC_INTERVAL"); d > 0 {
		return d
	}
	if c.SyncInterval != "" {
		if d, err := time.ParseDuration(c.SyncInterval); err == nil {
			return d
		}
	}
	return defaultSyncInterval
}

// GetBackupInterval returns the periodic backup interval.
// Priority: POSSYNC_BACKUP_INTERVAL env > config.json > 5m.
func (c *Config) GetBackupInterval() time.Duration {
	if d := durationEnv("POSSYNC_BACKUP_INTERVAL"); d > 0 {
		return d
	}
	if c.BackupInterval != "" {
		if d, err := time.ParseDuration(c.BackupInterval); err == nil {
			return d
		}
	}
	return defaultBackupInterval
}

// GetBackupDays returns the backup retention in days.
// Priority: POSSYNC_BACKUP_DAYS env > config.json > 7.
func (c *Config) GetBackupDays() int {
	if v := os.Getenv("POSSYNC_BACKUP_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	if c.BackupDays != nil && *c.BackupDays > 0 {
		return *c.BackupDays
	}
	return defaultBackupDays
}

// GetTrackedCollections returns the entity collections under sync.
func (c *Config) GetTrackedCollections() []string {
	if len(c.TrackedCollections) > 0 {
		return c.TrackedCollections
	}
	return DefaultTrackedCollections
}

func durationEnv(key string) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return 0
}
