package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/webpage-change-monitor/internal/app"
)

// newServeCmd creates the 'serve' subcommand, which runs the scheduler and REST API.
func newServeCmd(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the REST API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(*cfgFile)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck // best-effort flush

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Build(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("build app: %w", err)
			}
			logger.Info("application started", zap.Int("port", cfg.Server.Port))
			if err := a.Run(ctx); err != nil {
				return fmt.Errorf("run app: %w", err)
			}
			return nil
		},
	}
}
