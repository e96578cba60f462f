package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	noColor    bool
	remote     bool
	jsonOut    bool
)

var rootCmd = &cobra.Command{
	Use:   "runq",
	Short: "Coordinate document processing runs across workers",
	Long: `runq processes a document set with any number of cooperating workers.

Workers started with the same run configuration join the same run: one of
them wins the leader lease and discovers documents, all of them claim and
process items from the shared queue, and the last worker to finish triggers
post-processing exactly once.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		applyColor()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $RUNQ_CONFIG or $XDG_CONFIG_HOME/runq/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")

	rootCmd.AddCommand(workCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(dlqCmd)
	rootCmd.AddCommand(runidCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		fmt.Fprintln(os.Stderr)
		os.Exit(1)
	}
}
