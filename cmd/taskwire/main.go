// Command taskwire runs the workspace task daemon: one Socket Mode
// connection per configured workspace, reaction-derived task state in the
// store, and periodic sync passes keeping both honest.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskwire/internal/bot"
	"github.com/basket/taskwire/internal/config"
	"github.com/basket/taskwire/internal/persistence"
	"github.com/basket/taskwire/internal/status"
	"github.com/basket/taskwire/internal/telemetry"
)

func main() {
	loadDotEnv(".env")

	quiet := flag.Bool("quiet", false, "log to file only")
	workspacesPath := flag.String("workspaces", "", "path to workspaces.yaml (overrides config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *quiet, *workspacesPath); err != nil {
		fmt.Fprintln(os.Stderr, "taskwire:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, quiet bool, workspacesPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if workspacesPath != "" {
		cfg.WorkspacesPath = workspacesPath
	}
	if cfg.Quiet {
		quiet = true
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quiet)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	otelProvider, err := telemetry.InitOtel(ctx, cfg.Otel)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otelProvider.Shutdown(shutdownCtx)
	}()

	metrics, err := telemetry.NewMetrics(otelProvider.Meter)
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	dsn := cfg.DatabaseURL
	if dsn == "" {
		dsn = persistence.DefaultDBPath()
	}
	store, err := persistence.OpenStore(ctx, dsn)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	workspaces, err := config.LoadWorkspaces(cfg.WorkspacesPath)
	if err != nil {
		return err
	}
	if len(workspaces) == 0 {
		logger.Warn("no workspaces configured", "path", cfg.WorkspacesPath)
	}

	registry := status.NewRegistry()
	supervisor := bot.NewSupervisor(bot.SupervisorConfig{
		Store:          store,
		Registry:       registry,
		Logger:         logger,
		Tracer:         otelProvider.Tracer,
		Metrics:        metrics,
		GatewayBaseURL: cfg.GatewayBaseURL,
		SyncSchedule:   cfg.SyncSchedule,
		SyncInterval:   time.Duration(cfg.SyncIntervalSeconds) * time.Second,
		DrainTimeout:   time.Duration(cfg.DrainTimeoutSeconds) * time.Second,
	})
	supervisor.StartAll(ctx, workspaces)

	watcher := config.NewWatcher(cfg.HomeDir, cfg.WorkspacesPath, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("config watcher failed to start", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				reloaded, err := config.LoadWorkspaces(cfg.WorkspacesPath)
				if err != nil {
					logger.Error("workspaces reload failed", "error", err)
					continue
				}
				supervisor.ApplyWorkspaces(ctx, reloaded)
			}
		}()
	}

	logger.Info("taskwire running", "workspaces", len(workspaces), "store", storeKind(dsn))
	<-ctx.Done()

	logger.Info("shutting down")
	supervisor.StopAll()
	return nil
}

func storeKind(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
