package main

import (
	"fmt"
	"os"

	"careflow/backend/internal/config"
	"careflow/backend/internal/logging"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "careflow",
	Short: "Careflow runs event-driven patient communication workflows",
	Long: `Careflow starts workflow instances from clinic events, delivers email, SMS and
WhatsApp messages, and resumes suspended instances on timers and patient replies.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to the YAML config file (default ./config.yaml)")
}

// loadConfig reads the configuration named by --config and builds the logger
// it asks for.
func loadConfig(cmd *cobra.Command) (*config.Config, *logging.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return cfg, logging.NewLogger(cfg.LogLevel, cfg.LogFormat), nil
}
