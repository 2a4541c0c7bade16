package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultFillsEverySection(t *testing.T) {
	cfg := Default()
	if cfg.Telegram.RequestsPerSec <= 0 {
		t.Error("default requests_per_sec should be positive")
	}
	if cfg.Web.Port == 0 {
		t.Error("default web port should be set")
	}
	if cfg.Database.Mode != "standalone" {
		t.Errorf("default database mode = %q, want standalone", cfg.Database.Mode)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Web.Port != Default().Web.Port {
		t.Errorf("got port %d, want default", cfg.Web.Port)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Telegram.BotToken = "abc123"
	cfg.Web.Port = 9090

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Telegram.BotToken != "abc123" || loaded.Web.Port != 9090 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestLoadMigratesLegacyFlatFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.txt")
	legacy := "telegram.bot_token = legacy-token\nweb.port = 7070\nlog.level = debug\n"
	if err := os.WriteFile(path, []byte(legacy), 0o600); err != nil {
		t.Fatalf("write legacy config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telegram.BotToken != "legacy-token" || cfg.Web.Port != 7070 || cfg.Log.Level != "debug" {
		t.Errorf("legacy parse mismatch: %+v", cfg)
	}

	rewritten, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read rewritten config: %v", err)
	}
	if looksLegacyFlat(rewritten) {
		t.Error("config file should have been rewritten to YAML, still looks legacy")
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Web.Port = 1111
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	t.Setenv("TGEXPORT_WEB_PORT", "2222")
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Web.Port != 2222 {
		t.Errorf("env override port = %d, want 2222", loaded.Web.Port)
	}
}

func TestIsManagedModeRequiresDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Mode = "managed"
	if cfg.IsManagedMode() {
		t.Error("managed mode without a DSN should report false")
	}
	cfg.Database.PostgresDSN = "postgres://x"
	if !cfg.IsManagedMode() {
		t.Error("managed mode with a DSN should report true")
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	if got := ExpandHome("~/foo"); got != home+"/foo" {
		t.Errorf("ExpandHome(~/foo) = %q, want %q", got, home+"/foo")
	}
	if got := ExpandHome("/abs/path"); got != "/abs/path" {
		t.Errorf("ExpandHome should leave absolute paths alone, got %q", got)
	}
}
