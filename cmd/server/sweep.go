package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Resume due instances and start secondary triggers once, then exit",
	Long: `Runs a single scheduler pass: resumes every WAITING instance whose wake time has
passed and starts timed definitions for appointments entering their window. Use it
from an external cron when the in-process scheduler is disabled.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()

		resumed, err := a.scheduler.Sweep(ctx)
		if err != nil {
			return err
		}
		started, err := a.scheduler.ScanSecondaryTriggers(ctx)
		if err != nil {
			return err
		}
		logger.Info("Sweep complete", "resumed", resumed, "started", started)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}
