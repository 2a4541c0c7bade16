// Package config loads and hot-reloads the engine's single YAML
// configuration file: Telegram API credentials, bot token, admin
// password, web port, output root, log level, delegated-downloader
// container name, IPv6 flag, optional transport proxy URL, and a
// persistent secret key. Legacy flat key=value files are migrated on read
// and rewritten in YAML form.
package config

import (
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"golang.org/x/time/rate"
)

// Config is the engine's root configuration.
type Config struct {
	Telegram TelegramConfig `yaml:"telegram"`
	Web      WebConfig      `yaml:"web"`
	Output   OutputConfig   `yaml:"output"`
	Log      LogConfig      `yaml:"log"`
	Delegate DelegateConfig `yaml:"delegate"`
	Database DatabaseConfig `yaml:"database,omitempty"`
	SecretKey string        `yaml:"secret_key"`

	mu sync.RWMutex
}

// TelegramConfig configures the Client Session.
type TelegramConfig struct {
	BotToken       string  `yaml:"bot_token"`
	Proxy          string  `yaml:"proxy,omitempty"`
	RequestsPerSec float64 `yaml:"requests_per_sec"`
	Burst          int     `yaml:"burst"`
}

// RateLimit converts the configured steady-state budget into the
// golang.org/x/time/rate unit tdclient.Config expects.
func (t TelegramConfig) RateLimit() rate.Limit { return rate.Limit(t.RequestsPerSec) }

// WebConfig configures the HTTP surface's listener.
type WebConfig struct {
	Port          int    `yaml:"port"`
	AdminPassword string `yaml:"admin_password,omitempty"`
	EnableIPv6    bool   `yaml:"enable_ipv6,omitempty"`
}

// OutputConfig controls where archived media lands.
type OutputConfig struct {
	RootDir string `yaml:"root_dir"`
}

// LogConfig controls log/slog's minimum level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DelegateConfig names the external downloader invocation.
type DelegateConfig struct {
	ContainerName string `yaml:"container_name,omitempty"`
	Binary        string `yaml:"binary,omitempty"`
	SessionFile   string `yaml:"session_file,omitempty"`
}

// DatabaseConfig selects the job-listing index backend: "standalone" (the
// default, SQLite via internal/jobindex/sqlite) or "managed" (Postgres via
// internal/jobindex/pg).
type DatabaseConfig struct {
	Mode        string `yaml:"mode,omitempty"`
	SQLitePath  string `yaml:"sqlite_path,omitempty"`
	PostgresDSN string `yaml:"-"` // secret: env TGEXPORT_POSTGRES_DSN only, never persisted
}

// IsManagedMode reports whether the job index runs against Postgres.
func (c *Config) IsManagedMode() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Database.Mode == "managed" && c.Database.PostgresDSN != ""
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Telegram: TelegramConfig{
			RequestsPerSec: 1,
			Burst:          1,
		},
		Web: WebConfig{
			Port: 8080,
		},
		Output: OutputConfig{
			RootDir: ExpandHome("~/.tg-export/output"),
		},
		Log: LogConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			Mode:       "standalone",
			SQLitePath: ExpandHome("~/.tg-export/jobindex.db"),
		},
	}
}

// Hash returns a short SHA-256 digest of the config, for the fsnotify
// reload path to detect whether a file write actually changed content
// (editors often touch-then-rewrite, firing two events for one edit).
func (c *Config) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	data, _ := marshalYAML(c)
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:8])
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}
