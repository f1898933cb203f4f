package cmd

import (
	"context"
	"errors"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/observability"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the job scheduler until interrupted",
	Long: `Run the worker pool against the job registry until SIGINT or SIGTERM.

Jobs left running by a worker that died are redelivered first. On shutdown,
in-flight jobs stop at their next checkpoint and stay running in the registry
so the next worker picks them up.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("workers", 0, "Concurrent executions (default from scheduler.workers)")
}

func runWorker(cmd *cobra.Command, _ []string) error {
	if err := requireWritable("run jobs"); err != nil {
		return err
	}
	ctx := cmd.Context()

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if n, _ := cmd.Flags().GetInt("workers"); n > 0 {
		cfg.Scheduler.Workers = n
	}
	logger, err := configureLogger(cfg)
	if err != nil {
		return err
	}
	defer observability.Sync()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	sched, err := a.newScheduler()
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
	}

	logger.Info("Worker started",
		zap.String("registry", cfg.RegistryPath()),
		zap.String("registry_backend", cfg.Registry.Backend),
		zap.String("output", cfg.OutputURI()),
		zap.Int("workers", cfg.Scheduler.Workers))

	err = sched.Run(ctx)
	stats := sched.Stats()
	logger.Info("Worker stopped",
		zap.Int64("dispatched", stats.Dispatched),
		zap.Int64("completed", stats.Completed),
		zap.Int64("deferred", stats.Deferred),
		zap.Int64("errors", stats.Errors),
		zap.Int64("panics", stats.Panics))

	if err != nil && !errors.Is(err, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler failed", err)
	}
	return nil
}
