// Package cmd is the emberos CLI: cobra commands wrapping the suspend/resume
// coordinator for interactive use and scripting.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	viperlib "github.com/spf13/viper"

	"github.com/embertide/emberos/internal/config"
	"github.com/embertide/emberos/internal/log"
)

func init() {
	// Force lipgloss/termenv to query terminal background color before any
	// Bubble Tea program starts, so the OSC 11 response can't race with
	// Bubble Tea's own input loop.
	_ = lipgloss.HasDarkBackground()
}

var (
	version   = "dev"
	cfgFile   string
	cfg       config.Config
	debugFlag bool

	// viper uses "::" as its key delimiter instead of "." so nested keys in
	// the YAML stay literal rather than being reinterpreted as paths.
	viper = viperlib.NewWithOptions(viperlib.KeyDelimiter("::"))
)

var rootCmd = &cobra.Command{
	Use:     "emberos",
	Short:   "Suspend/resume coordination daemon and tools",
	Long:    `emberos susres coordinates staged suspend/resume across registered subscriber processes, backed by a simulated hardware driver.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/emberos/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging (also: EMBEROS_DEBUG=1)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("timeout", defaults.Timeout)
	viper.SetDefault("allow_suspend_default", defaults.AllowSuspendDefault)
	viper.SetDefault("event_bus_buffer", defaults.EventBusBuffer)
	viper.SetDefault("hw::resume_latency", defaults.HW.ResumeLatency)
	viper.SetDefault("history::enabled", defaults.History.Enabled)
	viper.SetDefault("history::db_path", defaults.History.DBPath)
	viper.SetDefault("dashboard::enabled", defaults.Dashboard.Enabled)
	viper.SetDefault("tracing::enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing::exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing::file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing::otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing::sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing::service_name", defaults.Tracing.ServiceName)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "emberos"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viperlib.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			home, _ := os.UserHomeDir()
			defaultPath := filepath.Join(home, ".config", "emberos", "config.yaml")
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// initDebugLogging turns on file logging when --debug or EMBEROS_DEBUG is
// set, returning a cleanup func to run before exit.
func initDebugLogging(prefix string) (func(), bool, error) {
	debug := os.Getenv("EMBEROS_DEBUG") != "" || debugFlag
	if !debug {
		return func() {}, false, nil
	}

	logPath := os.Getenv("EMBEROS_LOG")
	if logPath == "" {
		logPath = "emberos-debug.log"
	}

	cleanup, err := log.InitWithTeaLog(logPath, prefix)
	if err != nil {
		return nil, false, fmt.Errorf("initializing logging: %w", err)
	}
	log.Info(log.CatConfig, "emberos starting", "version", version, "logPath", logPath)
	return cleanup, true, nil
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string, normally passed in via ldflags.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
