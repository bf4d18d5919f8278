package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var statusYAMLFlag bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the subscriber registry and last-cycle outcome",
	Long:  `Starts a coordinator, reports its (empty) subscriber registry and the configuration in effect. Useful for verifying config/tracing/history wiring without driving a full cycle.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusYAMLFlag, "yaml", false, "print the full effective configuration as YAML instead of a one-line summary")
}

func runStatus(_ *cobra.Command, _ []string) error {
	cleanupLog, _, err := initDebugLogging("emberos-status")
	if err != nil {
		return err
	}
	defer cleanupLog()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	coord, _, cleanup, err := buildCoordinator(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	subs, err := coord.ListSubscribers(ctx)
	if err != nil {
		return fmt.Errorf("listing subscribers: %w", err)
	}

	forced, valid, err := coord.LastCycleWasForced(ctx)
	if err != nil {
		return fmt.Errorf("querying last cycle: %w", err)
	}

	if statusYAMLFlag {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshalling config: %w", err)
		}
		fmt.Println(string(out))
	} else {
		fmt.Printf("timeout: %s  allow_suspend_default: %v  history: %v\n\n", cfg.Timeout, cfg.AllowSuspendDefault, cfg.History.Enabled)
	}

	if !valid {
		fmt.Println("no suspend cycle has completed yet")
	} else if forced {
		fmt.Println("last cycle: forced")
	} else {
		fmt.Println("last cycle: clean")
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	fmt.Fprintln(w, "\nTOKEN\tLABEL\tSTAGE\tREADY\tFAILED")
	for _, s := range subs {
		fmt.Fprintf(w, "%d\t%s\t%s\t%v\t%v\n", s.Token, s.Label, s.Stage, s.ReadyFlag, s.FailedFlag)
	}
	return w.Flush()
}
