package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "switchyard",
		Short: "Execution orchestration engine",
		Long: "Switchyard dispatches requests to coordinator and specialist workers in the background " +
			"and exposes their progress over HTTP.",
		SilenceUsage: true,
		RunE:         runServe,
	}

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newCatalogCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
