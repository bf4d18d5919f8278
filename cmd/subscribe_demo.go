package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/embertide/emberos/internal/susres"
)

var subscribeDemoCmd = &cobra.Command{
	Use:   "subscribe-demo",
	Short: "Register one subscriber per stage and watch the notification order",
	Long: `Registers a subscriber at each of StageEarly, StageNormal, StageLate,
and StageLast, then drives a single suspend cycle and prints each stage
notification as it arrives, demonstrating that the coordinator never
advances a stage until every subscriber registered at it has acknowledged.`,
	RunE: runSubscribeDemo,
}

func init() {
	rootCmd.AddCommand(subscribeDemoCmd)
}

type demoSubscriber struct {
	label  string
	stage  susres.Stage
	token  susres.Token
	events chan susres.SuspendEvent
}

func runSubscribeDemo(_ *cobra.Command, _ []string) error {
	cleanupLog, _, err := initDebugLogging("emberos-subscribe-demo")
	if err != nil {
		return err
	}
	defer cleanupLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.HW.ResumeLatency <= 0 {
		cfg.HW.ResumeLatency = 150 * time.Millisecond
	}

	coord, _, cleanup, err := buildCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	stages := []susres.Stage{susres.StageEarly, susres.StageNormal, susres.StageLate, susres.StageLast}
	subs := make([]*demoSubscriber, 0, len(stages))

	for _, stage := range stages {
		sub := &demoSubscriber{
			label:  fmt.Sprintf("watcher-%s", stage),
			stage:  stage,
			events: make(chan susres.SuspendEvent, 1),
		}
		sub.token, err = coord.Register(ctx, stage, sub.label, 0, 0, sub.events)
		if err != nil {
			return fmt.Errorf("registering %s: %w", sub.label, err)
		}
		subs = append(subs, sub)
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

	for range subs {
		sub := receiveAny(subs)
		fmt.Printf("stage %s notified subscriber %q (token %d)\n", sub.stage, sub.label, sub.token)
		if err := coord.Ready(ctx, sub.token); err != nil {
			return fmt.Errorf("acknowledging %s: %w", sub.label, err)
		}
	}

	select {
	case clean := <-cleanCh:
		if clean {
			fmt.Println("cycle completed clean, in stage order Early -> Normal -> Late -> Last")
		} else {
			fmt.Println("cycle completed forced")
		}
	case <-time.After(cfg.Timeout + time.Second):
		return fmt.Errorf("suspend request never returned")
	}

	return nil
}

// receiveAny blocks until exactly one of the still-pending subscribers'
// event channels delivers, draining it and returning which one fired.
// Subscribers already drained are skipped so the same one can't be
// returned twice.
func receiveAny(subs []*demoSubscriber) *demoSubscriber {
	for {
		for _, sub := range subs {
			select {
			case evt, ok := <-sub.events:
				if !ok {
					continue
				}
				_ = evt
				return sub
			default:
			}
		}
		time.Sleep(time.Millisecond)
	}
}
