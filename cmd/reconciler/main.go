package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "reconciler",
		Short:         "Copies recent opt-outs from Postgres into the DynamoDB suppression table",
		SilenceUsage:  true,
		SilenceErrors: true,
		// Running without a subcommand serves on the schedule.
		RunE: runServe,
	}
	root.AddCommand(newServeCmd(), newOnceCmd(), newLookupCmd())
	return root
}
