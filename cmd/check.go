package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/webpage-change-monitor/internal/app"
	"github.com/JakeFAU/webpage-change-monitor/internal/monitor"
)

type checkOptions struct {
	tag          string
	selectorType string
	selector     string
	timeout      time.Duration
}

// newCheckCmd creates the 'check' subcommand, a one-shot fetch and extract
// that stores nothing. It is meant for trying out a selector before
// registering a target.
func newCheckCmd(cfgFile *string) *cobra.Command {
	var opts checkOptions
	cmd := &cobra.Command{
		Use:   "check <url>",
		Short: "Fetch a page once and print the selected value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd, *cfgFile, args[0], opts)
		},
	}
	cmd.Flags().StringVar(&opts.tag, "tag", "*", "HTML tag the selected element must have")
	cmd.Flags().StringVar(&opts.selectorType, "selector-type", string(monitor.SelectorCSS),
		"CssSelector, XPath, Attribute, Id or Class")
	cmd.Flags().StringVar(&opts.selector, "selector", "", "selector value")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "fetch timeout (defaults to fetch.timeout)")
	_ = cmd.MarkFlagRequired("selector")
	return cmd
}

func runCheck(cmd *cobra.Command, cfgFile, url string, opts checkOptions) error {
	selectorType, err := monitor.ParseSelectorType(opts.selectorType)
	if err != nil {
		return err
	}
	cfg, logger, err := loadRuntime(cfgFile)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	fetcher, err := app.NewFetcher(cfg, logger)
	if err != nil {
		return err
	}
	defer fetcher.Close()
	extract, err := app.NewExtractor(cfg)
	if err != nil {
		return err
	}

	timeout := opts.timeout
	if timeout <= 0 {
		timeout = cfg.Fetch.Timeout
	}
	page, err := fetcher.Fetch(cmd.Context(), url, timeout)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	value, err := extract.Extract(page.Body, page.ContentType, opts.tag, selectorType, opts.selector)
	if err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), value)
	return nil
}
