package cli

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete system configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Remote struct {
		Host                  string        `yaml:"host"`
		SSHConfig             string        `yaml:"ssh_config"`
		KnownHosts            string        `yaml:"known_hosts"`
		InsecureIgnoreHostKey bool          `yaml:"insecure_ignore_host_key"`
		BaseDir               string        `yaml:"base_dir"`
		ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	} `yaml:"remote"`

	Orchestrator struct {
		PollInterval              time.Duration `yaml:"poll_interval"`
		DisableRelaunch           bool          `yaml:"disable_relaunch"`
		ShowRemoteOutput          bool          `yaml:"show_remote_output"`
		RemoveTargetDirAfterMerge bool          `yaml:"remove_target_dir_after_merge"`
	} `yaml:"orchestrator"`

	Checkpoint struct {
		Path        string `yaml:"path"`
		KeepBackups int    `yaml:"keep_backups"`
	} `yaml:"checkpoint"`

	// Journal and Ledger are disabled when their path is empty.
	Journal struct {
		Path         string `yaml:"path"`
		SyncOnAppend bool   `yaml:"sync_on_append"`
	} `yaml:"journal"`

	Ledger struct {
		Path string `yaml:"path"`
	} `yaml:"ledger"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Health struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"health"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// DefaultConfig returns the values used for anything the file leaves out.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Remote.Host = "cluster"
	cfg.Remote.BaseDir = "${STORE2}/alice-lri-experiments"
	cfg.Remote.ConnectTimeout = 30 * time.Second
	cfg.Orchestrator.PollInterval = 60 * time.Second
	cfg.Checkpoint.Path = "state/state.json"
	cfg.Journal.Path = "state/journal.jsonl"
	cfg.Ledger.Path = "state/history.db"
	cfg.Metrics.Port = 9090
	cfg.Health.Port = 50051
	cfg.Log.Level = "info"
	cfg.Log.Format = "text"
	return cfg
}

// Validate rejects settings the orchestrator cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Remote.Host) == "" {
		errs = append(errs, errors.New("remote.host is required"))
	}
	if c.Orchestrator.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.poll_interval must be positive, got %s", c.Orchestrator.PollInterval))
	}
	if strings.TrimSpace(c.Checkpoint.Path) == "" {
		errs = append(errs, errors.New("checkpoint.path is required"))
	}
	if c.Checkpoint.KeepBackups < 0 {
		errs = append(errs, errors.New("checkpoint.keep_backups must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// loadConfig reads path over the defaults. A missing file yields the
// defaults unchanged.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// setupLogging installs the process-wide slog handler on stderr.
func setupLogging(level, format string) error {
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	return nil
}
