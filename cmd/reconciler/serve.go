package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"optout_sync/internal/infra/logger"
	"optout_sync/internal/infra/scheduler"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run a reconciliation now and then on every schedule interval",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	c, err := buildComponents(cmd.Context())
	if err != nil {
		return err
	}
	defer c.close()

	sched := scheduler.NewReconcileScheduler(c.service, logger.Component(c.log, "scheduler"), c.cfg.Interval(), true)
	if err := sched.Start(); err != nil {
		return err
	}
	c.log.Info("Application setup complete. Scheduler is running...")

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	c.log.Info("Shutting down application...")
	sched.Stop()
	c.log.Info("Application shut down gracefully.")
	return nil
}
