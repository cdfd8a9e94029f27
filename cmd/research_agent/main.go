// Package main provides the research_agent CLI: the operator HTTP server and a
// local driver that runs a research session end to end.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "research_agent",
		Short: "Research Execution Orchestrator",
		Long: `research_agent drives a research notebook from a goal through literature review,
abstract, data assessment, analysis planning, code execution, results and write-up.

Configuration can be loaded from a JSON or YAML file using --config. Environment variables
and command-line flags override config file values.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a JSON or YAML config file")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newRunCmd(flags))
	root.AddCommand(newSessionsCmd(flags))
	return root
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
