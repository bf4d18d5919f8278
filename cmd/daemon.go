package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/embertide/emberos/internal/config"
	"github.com/embertide/emberos/internal/dashboard"
	"github.com/embertide/emberos/internal/log"
	"github.com/embertide/emberos/internal/susres"
	"github.com/embertide/emberos/internal/susres/history"
	"github.com/embertide/emberos/internal/susres/hw"
	"github.com/embertide/emberos/internal/tracing"
	"github.com/embertide/emberos/internal/watcher"
)

var (
	watchFlag bool
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the suspend/resume coordinator in the foreground",
	Long: `Run the suspend/resume coordinator, optionally with a live dashboard.

Example:
  emberos daemon            # headless, Ctrl+C to stop
  emberos daemon --watch    # with the live subscriber dashboard`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.Flags().BoolVar(&watchFlag, "watch", false, "show the live subscriber dashboard")
}

// buildCoordinator wires a Coordinator from cfg: hardware driver, tracing
// provider, and (if enabled) the sqlite audit log. The returned cleanup
// func must run before the process exits. The driver is also returned
// directly so callers with no real hardware (the dashboard, standalone CLI
// commands) can invoke TriggerResume themselves where the protocol expects
// an external interrupt.
func buildCoordinator(ctx context.Context) (susres.Coordinator, hw.Driver, func(), error) {
	if err := config.Validate(cfg); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}

	provider, err := tracing.NewProvider(cfg.Tracing)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("creating tracing provider: %w", err)
	}

	var recorder susres.HistoryRecorder
	var store *history.Store
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History.DBPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("opening history store: %w", err)
		}
		recorder = susres.NewHistoryRecorder(store)
	}

	driver := hw.NewSimulatedDriver(hw.Config{ResumeLatency: cfg.HW.ResumeLatency})
	coord := susres.NewCoordinator(ctx, driver, susres.Config{
		Timeout:             cfg.Timeout,
		AllowSuspendDefault: cfg.AllowSuspendDefault,
		History:             recorder,
		EventBusBuffer:      cfg.EventBusBuffer,
	}, provider.Tracer())

	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := coord.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatDaemon, "coordinator shutdown error", err)
		}
		if err := provider.Shutdown(shutdownCtx); err != nil {
			log.ErrorErr(log.CatDaemon, "tracing shutdown error", err)
		}
		if store != nil {
			_ = store.Close()
		}
	}

	return coord, driver, cleanup, nil
}

// watchConfigFile starts a debounced fsnotify watch on path. Of the
// coordinator's settings, only the suspend timeout can be safely changed
// on a running coordinator (it's a single value read by the timer
// goroutine on its next arm); HW simulation parameters and the history
// backend are wired into the hardware driver and sqlite handle at
// construction time and are only picked up on restart, so a change to
// those is logged as a reminder rather than applied.
func watchConfigFile(ctx context.Context, path string, coord susres.Coordinator) (func(), error) {
	w, err := watcher.New(watcher.DefaultConfig(path))
	if err != nil {
		return nil, err
	}

	changes, err := w.Start()
	if err != nil {
		return nil, err
	}

	go func() {
		for range changes {
			if err := viper.ReadInConfig(); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "path", path, "error", err.Error())
				continue
			}

			var reloaded config.Config
			if err := viper.Unmarshal(&reloaded); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "path", path, "error", err.Error())
				continue
			}

			if err := coord.UpdateTimeout(ctx, reloaded.Timeout); err != nil {
				log.Warn(log.CatConfig, "live timeout update failed", "error", err.Error())
			} else {
				log.Info(log.CatConfig, "suspend timeout reloaded from config", "timeout", reloaded.Timeout)
			}

			log.Info(log.CatConfig, "config file changed, restart daemon to apply HW/history settings", "path", path)
		}
	}()

	return func() { _ = w.Stop() }, nil
}

func runDaemon(_ *cobra.Command, _ []string) error {
	cleanupLog, debug, err := initDebugLogging("emberos-daemon")
	if err != nil {
		return err
	}
	defer cleanupLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, driver, cleanup, err := buildCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	if path := viper.ConfigFileUsed(); path != "" {
		stopWatch, err := watchConfigFile(ctx, path, coord)
		if err != nil {
			log.Warn(log.CatDaemon, "config watcher disabled", "error", err.Error())
		} else {
			defer stopWatch()
		}
	}

	if watchFlag || cfg.Dashboard.Enabled {
		model := dashboard.New(ctx, coord, driver)
		p := tea.NewProgram(model, tea.WithAltScreen())
		_, err := p.Run()
		if err != nil {
			return fmt.Errorf("running dashboard: %w", err)
		}
		return nil
	}

	if debug {
		log.Info(log.CatDaemon, "daemon running headless")
	}
	fmt.Println("emberos susres daemon running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	fmt.Printf("\nreceived %s, shutting down...\n", sig)

	return nil
}
