// Package config resolves the data directory and the optional
// <data>/config.yaml tuning file. Everything the daemon needs at boot is
// carried in one explicit Config value; nothing in here is global state.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hiboss/hi-boss/internal/otel"
)

// Environment variables honored by the daemon and the CLI.
const (
	// EnvDataDir overrides the data root (default ~/hiboss).
	EnvDataDir = "HIBOSS_DIR"
	// EnvToken supplies the CLI token when --token is absent.
	EnvToken = "HIBOSS_TOKEN"
	// EnvLogLevel overrides log_level from config.yaml.
	EnvLogLevel = "HIBOSS_LOG_LEVEL"
	// EnvQuiet suppresses the stderr log mirror when truthy.
	EnvQuiet = "HIBOSS_QUIET"
)

// TelegramConfig tunes the Telegram adapters.
type TelegramConfig struct {
	// DownloadMedia controls whether inbound attachments are fetched into
	// <data>/media/. Unset means on.
	DownloadMedia *bool `yaml:"download_media"`
}

// DownloadMediaEnabled reports the effective toggle.
func (t TelegramConfig) DownloadMediaEnabled() bool {
	return t.DownloadMedia == nil || *t.DownloadMedia
}

// Config is the daemon's boot configuration: the resolved data directory
// plus whatever <data>/config.yaml layered on top of the defaults.
type Config struct {
	DataDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Telemetry otel.Config    `yaml:"telemetry"`
	Telegram  TelegramConfig `yaml:"telegram"`
}

// DataDir resolves the data root: $HIBOSS_DIR when set, ~/hiboss otherwise.
func DataDir() string {
	if override := os.Getenv(EnvDataDir); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, "hiboss")
}

// ClientToken returns the CLI token from the environment.
func ClientToken() string { return os.Getenv(EnvToken) }

// Path returns the config.yaml location inside the data directory.
func Path(dataDir string) string { return filepath.Join(dataDir, "config.yaml") }

// DaemonDir holds daemon-private state: database, socket, pid file, logs.
func DaemonDir(dataDir string) string { return filepath.Join(dataDir, ".daemon") }

func SocketPath(dataDir string) string { return filepath.Join(DaemonDir(dataDir), "daemon.sock") }
func DBPath(dataDir string) string     { return filepath.Join(DaemonDir(dataDir), "hiboss.db") }
func PIDPath(dataDir string) string    { return filepath.Join(DaemonDir(dataDir), "daemon.pid") }
func AuditPath(dataDir string) string  { return filepath.Join(DaemonDir(dataDir), "audit.log") }

func MediaDir(dataDir string) string  { return filepath.Join(dataDir, "media") }
func AgentsDir(dataDir string) string { return filepath.Join(dataDir, "agents") }
func SkillsDir(dataDir string) string { return filepath.Join(dataDir, "skills") }

// EnsureLayout creates the directory tree the daemon expects under dataDir.
// It runs on every boot; existing directories are left alone.
func EnsureLayout(dataDir string) error {
	dirs := []struct {
		path string
		mode os.FileMode
	}{
		{dataDir, 0o755},
		{DaemonDir(dataDir), 0o700},
		{filepath.Join(DaemonDir(dataDir), "log_history"), 0o700},
		{MediaDir(dataDir), 0o755},
		{AgentsDir(dataDir), 0o755},
		{SkillsDir(dataDir), 0o755},
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d.path, d.mode); err != nil {
			return fmt.Errorf("create %s: %w", d.path, err)
		}
	}
	return nil
}

// Load builds the boot configuration for dataDir. An empty dataDir resolves
// via DataDir(). A missing config.yaml is not an error; a malformed one is.
func Load(dataDir string) (Config, error) {
	if dataDir == "" {
		dataDir = DataDir()
	}
	cfg := defaultConfig()
	cfg.DataDir = dataDir

	data, err := os.ReadFile(Path(dataDir))
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

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
	}
}

func normalize(cfg *Config) {
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "hiboss"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv(EnvQuiet); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Quiet = v
		}
	}
}

// Fingerprint is a stable hash of the effective settings, logged once at
// boot so operators can tell when a restart picked up new configuration.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|quiet=%t|otel=%t|exporter=%s|media=%t",
		c.LogLevel, c.Quiet, c.Telemetry.Enabled, c.Telemetry.Exporter, c.Telegram.DownloadMediaEnabled())
	return fmt.Sprintf("cfg-%x", h.Sum64())
}
