// Package config provides configuration types and defaults for the
// suspend/resume daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/embertide/emberos/internal/tracing"
)

// StageConfig names one priority stage. The stage order itself is fixed by
// the protocol (Early, Normal, Late, Last); Config has no field of this
// type, so stages are not configurable.
type StageConfig struct {
	Name string `mapstructure:"name"`
}

// HWConfig configures the simulated hardware driver.
type HWConfig struct {
	// ResumeLatency is how long the simulated background "hardware"
	// goroutine waits before firing the resume interrupt on its own.
	// Zero disables automatic firing (a caller must trigger resume).
	ResumeLatency time.Duration `mapstructure:"resume_latency"`
}

// HistoryConfig configures the sqlite-backed audit log.
type HistoryConfig struct {
	// Enabled turns on cycle recording.
	Enabled bool `mapstructure:"enabled"`
	// DBPath is the sqlite database file. Default: ~/.config/emberos/susres/history.db
	DBPath string `mapstructure:"db_path"`
}

// DashboardConfig configures the operational TUI.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Config holds all configuration for the suspend/resume daemon.
type Config struct {
	// Timeout is the system-wide deadline from SuspendRequest to all
	// stages acknowledged. Default: 5000ms.
	Timeout time.Duration `mapstructure:"timeout"`

	// AllowSuspendDefault is the allow_suspend veto latch's initial value.
	AllowSuspendDefault bool `mapstructure:"allow_suspend_default"`

	// EventBusBuffer sizes each subscriber's operational event channel.
	EventBusBuffer int `mapstructure:"event_bus_buffer"`

	HW        HWConfig        `mapstructure:"hw"`
	History   HistoryConfig   `mapstructure:"history"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
}

// DefaultHistoryDBPath returns the default sqlite path under the user's
// config directory.
func DefaultHistoryDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "susres-history.db"
	}
	return filepath.Join(home, ".config", "emberos", "susres", "history.db")
}

// DefaultTracesFilePath returns the default trace output path under the
// user's config directory.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "susres-traces.jsonl"
	}
	return filepath.Join(home, ".config", "emberos", "susres", "traces.jsonl")
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Timeout:             5000 * time.Millisecond,
		AllowSuspendDefault: true,
		EventBusBuffer:      64,
		HW: HWConfig{
			ResumeLatency: 0,
		},
		History: HistoryConfig{
			Enabled: true,
			DBPath:  DefaultHistoryDBPath(),
		},
		Dashboard: DashboardConfig{
			Enabled: true,
		},
		Tracing: tracing.Config{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     DefaultTracesFilePath(),
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "emberos-susres",
		},
	}
}

// Validate checks the whole configuration for internal consistency,
// returning the first error found.
func Validate(cfg Config) error {
	if cfg.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative, got %v", cfg.Timeout)
	}
	if cfg.EventBusBuffer <= 0 {
		return fmt.Errorf("event_bus_buffer must be positive, got %d", cfg.EventBusBuffer)
	}
	if cfg.History.Enabled && cfg.History.DBPath == "" {
		return fmt.Errorf("history.db_path is required when history.enabled is true")
	}
	if err := ValidateTracing(cfg.Tracing); err != nil {
		return err
	}
	return nil
}

// ValidateTracing checks tracing configuration for errors. Returns nil if
// the configuration is valid (empty values use defaults).
func ValidateTracing(t tracing.Config) error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}

	if t.Exporter != "" {
		switch t.Exporter {
		case "none", "file", "stdout", "otlp":
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", t.Exporter)
		}
	}

	if t.Enabled {
		if t.Exporter == "file" && t.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if t.Exporter == "otlp" && t.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate is the YAML written by WriteDefaultConfig.
func DefaultConfigTemplate() string {
	return `# emberos susres daemon configuration

# Overall deadline, as a duration, from a suspend request to every stage
# acknowledging.
timeout: 5s

# Initial value of the allow_suspend veto latch.
allow_suspend_default: true

# Per-subscriber operational event channel buffer size.
event_bus_buffer: 64

hw:
  # How long the simulated hardware waits before firing resume on its own.
  # 0 disables automatic firing.
  resume_latency: 0s

history:
  enabled: true
  db_path: "` + DefaultHistoryDBPath() + `"

dashboard:
  enabled: true

tracing:
  enabled: false
  exporter: file
  file_path: "` + DefaultTracesFilePath() + `"
  otlp_endpoint: "localhost:4317"
  sample_rate: 1.0
  service_name: "emberos-susres"
`
}

// WriteDefaultConfig writes the default configuration template to
// configPath if no file exists there yet.
func WriteDefaultConfig(configPath string) error {
	if _, err := os.Stat(configPath); err == nil {
		return nil
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0600); err != nil { //nolint:gosec // G306: config file, not a secret
		return fmt.Errorf("write default config: %w", err)
	}
	return nil
}
