package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/embertide/emberos/internal/susres"
)

var subscriberCount int

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Drive one suspend/resume cycle against an in-process coordinator",
	Long: `Registers N demo subscribers at StageLast, issues a SuspendRequest,
acknowledges every subscriber, triggers the simulated resume interrupt, and
reports whether the cycle completed clean or forced.`,
	RunE: runRequest,
}

func init() {
	rootCmd.AddCommand(requestCmd)
	requestCmd.Flags().IntVar(&subscriberCount, "subscribers", 3, "number of demo subscribers to register")
}

func runRequest(_ *cobra.Command, _ []string) error {
	cleanupLog, _, err := initDebugLogging("emberos-request")
	if err != nil {
		return err
	}
	defer cleanupLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Standalone CLI invocations have no real hardware to fire the resume
	// interrupt, so pick a short automatic latency unless the operator
	// configured one for the long-running daemon to wait on instead.
	if cfg.HW.ResumeLatency <= 0 {
		cfg.HW.ResumeLatency = 150 * time.Millisecond
	}

	coord, _, cleanup, err := buildCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	events := make(chan susres.SuspendEvent, subscriberCount)
	for i := 0; i < subscriberCount; i++ {
		if _, err := coord.Register(ctx, susres.StageLast, fmt.Sprintf("demo-%d", i), 0, 0, events); err != nil {
			return fmt.Errorf("registering demo subscriber: %w", err)
		}
	}

	cleanCh := make(chan bool, 1)
	go func() {
		clean, err := coord.RequestSuspend(ctx)
		if err != nil {
			fmt.Println("suspend request error:", err)
			return
		}
		cleanCh <- clean
	}()

	for i := 0; i < subscriberCount; i++ {
		evt := <-events
		if err := coord.Ready(ctx, evt.Token); err != nil {
			return fmt.Errorf("acknowledging subscriber %d: %w", evt.Token, err)
		}
	}

	select {
	case clean := <-cleanCh:
		if clean {
			fmt.Println("cycle completed clean")
		} else {
			fmt.Println("cycle completed forced")
		}
	case <-time.After(cfg.Timeout + time.Second):
		return fmt.Errorf("suspend request never returned")
	}

	return nil
}
