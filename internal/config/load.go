package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

func marshalYAML(c *Config) ([]byte, error) {
	return yaml.Marshal(c)
}

// Load reads cfg from path, falling back to Default() values for any key
// the file omits. A file in the legacy flat key=value format (one
// "section.field = value" pair per line, no YAML markup) is detected and
// transparently migrated: parsed into the same Config, then immediately
// rewritten to path in YAML form so the next Load sees the new format.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnvOverrides(cfg)
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if looksLegacyFlat(data) {
		if err := parseLegacyFlat(data, cfg); err != nil {
			return nil, fmt.Errorf("parse legacy config %s: %w", path, err)
		}
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("rewrite migrated config %s: %w", path, err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes cfg to path as YAML, creating parent directories as needed.
func Save(path string, cfg *Config) error {
	cfg.mu.RLock()
	data, err := yaml.Marshal(cfg)
	cfg.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	return os.Rename(tmp, path)
}

// looksLegacyFlat reports whether data is the old "key = value" format
// rather than YAML: the legacy format never nests, so its first
// non-comment, non-blank line contains no ": " YAML mapping separator but
// does contain " = ".
func looksLegacyFlat(data []byte) bool {
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.Contains(line, " = ") && !strings.Contains(line, ": ")
	}
	return false
}

// parseLegacyFlat fills cfg from "section.field = value" lines.
func parseLegacyFlat(data []byte, cfg *Config) error {
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"`)
		if err := setLegacyField(cfg, key, val); err != nil {
			return err
		}
	}
	return sc.Err()
}

func setLegacyField(cfg *Config, key, val string) error {
	switch key {
	case "telegram.bot_token":
		cfg.Telegram.BotToken = val
	case "telegram.proxy":
		cfg.Telegram.Proxy = val
	case "telegram.requests_per_sec":
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.Telegram.RequestsPerSec = f
	case "web.port":
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		cfg.Web.Port = n
	case "web.admin_password":
		cfg.Web.AdminPassword = val
	case "web.enable_ipv6":
		cfg.Web.EnableIPv6 = val == "true"
	case "output.root_dir":
		cfg.Output.RootDir = ExpandHome(val)
	case "log.level":
		cfg.Log.Level = val
	case "delegate.container_name":
		cfg.Delegate.ContainerName = val
	case "secret_key":
		cfg.SecretKey = val
	}
	return nil
}

// applyEnvOverrides overlays TGEXPORT_*-prefixed environment variables onto
// cfg. The Postgres DSN is env-only
// by design — it is never read from or written to the YAML file, so a
// secret never lands on disk via Save's migration rewrite.
func applyEnvOverrides(cfg *Config) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if v, ok := os.LookupEnv("TGEXPORT_BOT_TOKEN"); ok {
		cfg.Telegram.BotToken = v
	}
	if v, ok := os.LookupEnv("TGEXPORT_PROXY"); ok {
		cfg.Telegram.Proxy = v
	}
	if v, ok := os.LookupEnv("TGEXPORT_WEB_PORT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Web.Port = n
		}
	}
	if v, ok := os.LookupEnv("TGEXPORT_ADMIN_PASSWORD"); ok {
		cfg.Web.AdminPassword = v
	}
	if v, ok := os.LookupEnv("TGEXPORT_OUTPUT_ROOT"); ok {
		cfg.Output.RootDir = ExpandHome(v)
	}
	if v, ok := os.LookupEnv("TGEXPORT_SECRET_KEY"); ok {
		cfg.SecretKey = v
	}
	if v, ok := os.LookupEnv("TGEXPORT_DB_MODE"); ok {
		cfg.Database.Mode = v
	}
	if v, ok := os.LookupEnv("TGEXPORT_POSTGRES_DSN"); ok {
		cfg.Database.PostgresDSN = v
	}
}
