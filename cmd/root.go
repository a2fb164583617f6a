// Package cmd defines and implements the CLI commands for the webspider
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webspider",
		Short: "An event-driven, single-seed web crawler.",
		Long: `webspider crawls outward from one starting URL, enforcing domain,
protocol, MIME-type, depth and robots.txt scoping rules, and reports every
lifecycle transition as it happens. It can snapshot its queue to disk and
resume later, or keep the queue in Postgres for durable crawls.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (when omitted, only built-in defaults and WEBSPIDER_* environment variables apply)")

	cmd.AddCommand(newCrawlCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
