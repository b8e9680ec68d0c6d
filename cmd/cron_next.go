package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webpage-change-monitor/internal/scheduler"
)

// newCronNextCmd creates the 'cron-next' subcommand, which validates a cron
// expression and prints its next fire times.
func newCronNextCmd() *cobra.Command {
	var (
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "cron-next <expression>",
		Short: "Validate a cron expression and preview its next fire times",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start := time.Now()
			if from != "" {
				parsed, err := time.Parse(time.RFC3339, from)
				if err != nil {
					return fmt.Errorf("parse --from: %w", err)
				}
				start = parsed
			}
			if err := scheduler.Validate(args[0]); err != nil {
				return err
			}
			times, err := scheduler.NextN(args[0], start, count)
			if err != nil {
				return err
			}
			for _, t := range times {
				fmt.Fprintln(cmd.OutOrStdout(), t.Format(time.RFC3339))
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of fire times to print")
	cmd.Flags().StringVar(&from, "from", "", "RFC3339 start instant (defaults to now)")
	return cmd
}
