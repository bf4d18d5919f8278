package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/embertide/emberos/internal/susres"
)

var (
	rebootKindFlag   string
	rebootVectorFlag uint32
)

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Arm and confirm the two-step reboot latch",
	Long: `Exercises the reboot path: RequestReboot arms the latch, ConfirmReboot
takes effect only as the very next call. Any intervening coordinator call
drops the latch and aborts the reboot instead.

--kind selects the reset target: cpu (default), soc, or vector. vector
jumps to --vector-addr instead of performing a full reset.`,
	RunE: runReboot,
}

func init() {
	rootCmd.AddCommand(rebootCmd)
	rebootCmd.Flags().StringVar(&rebootKindFlag, "kind", "cpu", "reset target: cpu, soc, or vector")
	rebootCmd.Flags().Uint32Var(&rebootVectorFlag, "vector-addr", 0, "jump target for --kind vector")
}

func parseRebootKind(s string) (susres.RebootKind, error) {
	switch strings.ToLower(s) {
	case "cpu", "":
		return susres.RebootCPU, nil
	case "soc":
		return susres.RebootSoC, nil
	case "vector":
		return susres.RebootVector, nil
	default:
		return 0, fmt.Errorf("unknown reboot kind %q (want cpu, soc, or vector)", s)
	}
}

func runReboot(_ *cobra.Command, _ []string) error {
	kind, err := parseRebootKind(rebootKindFlag)
	if err != nil {
		return err
	}

	cleanupLog, _, err := initDebugLogging("emberos-reboot")
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

	if err := coord.RequestReboot(ctx); err != nil {
		return fmt.Errorf("arming reboot: %w", err)
	}

	if kind == susres.RebootVector {
		if err := coord.ConfirmRebootVector(ctx, rebootVectorFlag); err != nil {
			return fmt.Errorf("confirming reboot: %w", err)
		}
		fmt.Printf("reboot confirmed: vector 0x%x\n", rebootVectorFlag)
		return nil
	}

	if err := coord.ConfirmReboot(ctx, kind); err != nil {
		return fmt.Errorf("confirming reboot: %w", err)
	}

	fmt.Printf("reboot confirmed: %s\n", kind)
	return nil
}
