// Package main is the entry point for the ruleflow binary.
// It validates and inspects rule catalogs, dispatches records from files and
// serves the dispatch API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultLogLevel = "info"

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd creates the root command for ruleflow
func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "ruleflow",
		Short: "Trigger rule dispatch for entity lifecycle events",
		Long: `ruleflow routes record lifecycle events (before/after insert, update,
delete and undelete) to the rules bound to them in a catalog, in order.

Examples:
  ruleflow validate --catalog catalog.yaml
  ruleflow bindings --catalog catalog.yaml --entity Opportunity --phase before_insert
  ruleflow run --catalog catalog.yaml --entity Opportunity --phase before_insert --records new.json
  ruleflow serve --config config.yaml`,
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.PersistentFlags().StringP("log-level", "l", defaultLogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("pretty", false, "Human readable logs")

	rootCmd.AddCommand(
		newValidateCmd(),
		newBindingsCmd(),
		newRunCmd(),
		newServeCmd(),
	)
	return rootCmd
}
