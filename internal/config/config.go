// Package config loads daemon settings from config.yaml plus environment
// overrides, and the workspaces file that maps workspace names to gateway
// credentials.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskwire/internal/telemetry"
)

// Config is the daemon configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// DatabaseURL selects the store backend: postgres:// connects over
	// pgx, anything else is treated as a sqlite path. Empty uses the
	// default sqlite file under HomeDir.
	DatabaseURL string `yaml:"database_url"`

	// GatewayBaseURL overrides the web API root. Tests point this at a
	// local server.
	GatewayBaseURL string `yaml:"gateway_base_url"`

	// SyncSchedule is a cron expression for the periodic reconcile pass.
	SyncSchedule string `yaml:"sync_schedule"`

	// SyncIntervalSeconds, when set, bypasses the cron schedule with a
	// plain interval. Only sub-minute test setups need it.
	SyncIntervalSeconds int `yaml:"sync_interval_seconds"`

	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	// WorkspacesPath locates the workspaces credentials file. Defaults to
	// workspaces.yaml under HomeDir.
	WorkspacesPath string `yaml:"workspaces_path"`

	Otel telemetry.OtelConfig `yaml:"otel"`
}

const (
	DefaultSyncSchedule = "*/5 * * * *"
	DefaultDrainSeconds = 5
)

func defaultConfig() Config {
	return Config{
		LogLevel:            "info",
		SyncSchedule:        DefaultSyncSchedule,
		DrainTimeoutSeconds: DefaultDrainSeconds,
	}
}

// HomeDir returns the taskwire home directory, honoring TASKWIRE_HOME.
func HomeDir() string {
	if override := os.Getenv("TASKWIRE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskwire")
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads config.yaml from the home directory, applies environment
// overrides, and fills defaults. A missing file is not an error.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskwire home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.SyncSchedule) == "" {
		cfg.SyncSchedule = DefaultSyncSchedule
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = DefaultDrainSeconds
	}
	if cfg.WorkspacesPath == "" {
		cfg.WorkspacesPath = filepath.Join(cfg.HomeDir, "workspaces.yaml")
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKWIRE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKWIRE_DATABASE_URL"); raw != "" {
		cfg.DatabaseURL = raw
	}
	if raw := os.Getenv("TASKWIRE_GATEWAY_BASE_URL"); raw != "" {
		cfg.GatewayBaseURL = raw
	}
	if raw := os.Getenv("TASKWIRE_SYNC_SCHEDULE"); raw != "" {
		cfg.SyncSchedule = raw
	}
	if raw := os.Getenv("TASKWIRE_SYNC_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.SyncIntervalSeconds = v
		}
	}
	if raw := os.Getenv("TASKWIRE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKWIRE_WORKSPACES_PATH"); raw != "" {
		cfg.WorkspacesPath = raw
	}
}
