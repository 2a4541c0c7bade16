package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zfonlyone/tg-export/internal/config"
	"github.com/zfonlyone/tg-export/internal/delegate"
	"github.com/zfonlyone/tg-export/internal/engine"
	"github.com/zfonlyone/tg-export/internal/httpapi"
	"github.com/zfonlyone/tg-export/internal/jobindex"
	"github.com/zfonlyone/tg-export/internal/jobindex/pg"
	"github.com/zfonlyone/tg-export/internal/jobindex/sqlite"
	"github.com/zfonlyone/tg-export/internal/tdclient"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the export job engine's HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	watcher, err := config.WatchFile(cfgPath, func(reloaded *config.Config) {
		slog.Info("config changed, reloaded non-job-state fields",
			"delegate_container", reloaded.Delegate.ContainerName,
			"proxy", reloaded.Telegram.Proxy != "")
		cfg.Delegate.ContainerName = reloaded.Delegate.ContainerName
		cfg.Telegram.Proxy = reloaded.Telegram.Proxy
	})
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		defer watcher.Close()
	}

	dataRoot := config.ExpandHome(cfg.Output.RootDir)
	if !filepath.IsAbs(dataRoot) {
		dataRoot, _ = filepath.Abs(dataRoot)
	}
	if err := os.MkdirAll(dataRoot, 0o755); err != nil {
		return fmt.Errorf("create output root: %w", err)
	}

	index, err := openIndex(cfg)
	if err != nil {
		return fmt.Errorf("open job index: %w", err)
	}

	factory := func(ctx context.Context, userKey string) (tdclient.Client, error) {
		storageDir := filepath.Join(dataRoot, ".sessions", userKey)
		if err := os.MkdirAll(storageDir, 0o755); err != nil {
			return nil, fmt.Errorf("create session storage for %s: %w", userKey, err)
		}
		return tdclient.New(ctx, tdclient.Config{
			Token:          cfg.Telegram.BotToken,
			Proxy:          cfg.Telegram.Proxy,
			StorageDir:     storageDir,
			RequestsPerSec: cfg.Telegram.RateLimit(),
			Burst:          cfg.Telegram.Burst,
		})
	}

	delegateCfg := delegate.Config{
		Binary:      cfg.Delegate.Binary,
		SessionFile: cfg.Delegate.SessionFile,
		Container:   cfg.Delegate.ContainerName,
	}

	eng, err := engine.New(dataRoot, index, factory, delegateCfg)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.LoadAll(ctx); err != nil {
		slog.Error("crash recovery failed", "error", err)
	}

	mux := http.NewServeMux()
	httpapi.New(eng).RegisterRoutes(mux)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Web.Port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("tg-export serving", "addr", srv.Addr, "data_root", dataRoot)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func openIndex(cfg *config.Config) (jobindex.Index, error) {
	if cfg.IsManagedMode() {
		return pg.Open(cfg.Database.PostgresDSN)
	}
	path := config.ExpandHome(cfg.Database.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	return sqlite.Open(path)
}
