package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestWatchFileFiresOnContentChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := Default()
	cfg.Delegate.ContainerName = "original"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded := make(chan *Config, 1)
	w, err := WatchFile(path, func(c *Config) { reloaded <- c })
	if err != nil {
		t.Fatalf("WatchFile: %v", err)
	}
	defer w.Close()

	cfg.Delegate.ContainerName = "updated"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save (update): %v", err)
	}

	select {
	case got := <-reloaded:
		if got.Delegate.ContainerName != "updated" {
			t.Errorf("reloaded container name = %q, want updated", got.Delegate.ContainerName)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload callback")
	}
}
