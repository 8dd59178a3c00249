package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"optout_sync/internal/app"

	"github.com/spf13/cobra"
)

func newOnceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Run a single reconciliation and exit",
		Long: "Run a single reconciliation and exit. The exit status is non-zero when " +
			"the run failed as a whole; failed records are reported but do not fail the command.",
		Args: cobra.NoArgs,
		RunE: runOnce,
	}
}

func runOnce(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := buildComponents(ctx)
	if err != nil {
		return err
	}
	defer c.close()

	summary, err := c.service.Execute(ctx)
	if errors.Is(err, app.ErrRunLocked) {
		fmt.Fprintln(cmd.OutOrStdout(), "skipped: another run holds the lock")
		return nil
	}
	if summary != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s\n", summary.RunID, summary)
	}
	return err
}
