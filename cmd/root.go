// Package cmd defines and implements the CLI commands for the changemonitor executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/config"
	"github.com/JakeFAU/webpage-change-monitor/internal/logging"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "changemonitor",
		Short: "Watches web pages for changes to a selected value.",
		Long: `changemonitor fetches registered pages on a cron schedule, extracts the
value selected by each target, and records a snapshot whenever it runs. Changes
and expected-value checks are reported through the configured notifier.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); MONITOR_* env vars override it")

	cmd.AddCommand(newServeCmd(&cfgFile))
	cmd.AddCommand(newCheckCmd(&cfgFile))
	cmd.AddCommand(newCronNextCmd())

	return cmd
}

// loadRuntime loads configuration and builds the logger shared by a command.
func loadRuntime(cfgFile string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
