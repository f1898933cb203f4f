package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/observability"
	"github.com/3leaps/gosqueeze/internal/server"
	"github.com/3leaps/gosqueeze/internal/server/handlers"
	"github.com/3leaps/gosqueeze/internal/server/middleware"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/precondition"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status server with an embedded scheduler",
	Long: `Serve the job API over HTTP and run the scheduler in the same process.

Routes:
  GET    /health              registry and precondition checks
  GET    /version             build information
  GET    /jobs                list jobs (?state=pending,running&limit=N)
  POST   /jobs                submit {"source", "ceiling" | "ceiling_bytes", "name"}
  GET    /jobs/{id}           job status
  DELETE /jobs/{id}           cancel
  GET    /jobs/{id}/events    server-sent status events until terminal`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().String("host", "", "Listen host (default from server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (default from server.port)")
	serveCmd.Flags().Bool("no-scheduler", false, "Serve the API only; leave execution to separate workers")
}

// registryHealthChecker verifies the job registry answers queries.
type registryHealthChecker struct {
	store jobregistry.Store
}

func (c registryHealthChecker) CheckHealth(ctx context.Context) error {
	if c.store == nil {
		return errors.New("registry not opened")
	}
	_, err := c.store.List(ctx, jobregistry.ListFilter{States: []jobregistry.JobState{jobregistry.JobStateRunning}})
	return err
}

// preconditionHealthChecker reports an unmet execution precondition as
// unhealthy so operators see why jobs are deferred.
type preconditionHealthChecker struct {
	check precondition.Check
}

func (c preconditionHealthChecker) CheckHealth(ctx context.Context) error {
	if c.check == nil {
		return errors.New("missing precondition check")
	}
	if err := c.check.Check(ctx); err != nil {
		return fmt.Errorf("%s: %w", c.check.Name(), err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	noScheduler, _ := cmd.Flags().GetBool("no-scheduler")
	if !noScheduler {
		if err := requireWritable("run jobs"); err != nil {
			return err
		}
	}

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if h, _ := cmd.Flags().GetString("host"); h != "" {
		cfg.Server.Host = h
	}
	if p, _ := cmd.Flags().GetInt("port"); p > 0 {
		cfg.Server.Port = p
	}

	logger, err := configureLogger(cfg)
	if err != nil {
		return err
	}
	defer observability.Sync()
	middleware.Logger = logger

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	handlers.InitHealthManager(versionInfo.Version)
	health := handlers.GetHealthManager()
	health.RegisterChecker("registry", registryHealthChecker{store: a.store})
	checks, _ := preconditionsFor(cfg)
	for _, c := range checks {
		health.RegisterChecker(c.Name(), preconditionHealthChecker{check: c})
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		onSubmit  func()
		schedDone = make(chan error, 1)
	)
	if noScheduler {
		schedDone <- nil
	} else {
		sched, err := a.newScheduler()
		if err != nil {
			return exitError(foundry.ExitInvalidArgument, "Invalid scheduler configuration", err)
		}
		onSubmit = sched.Notify
		go func() { schedDone <- sched.Run(runCtx) }()
	}

	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithLogger(logger),
		server.WithJobs(a.runner, onSubmit),
		server.WithVersion(handlers.VersionInfo{
			Version:   versionInfo.Version,
			Commit:    versionInfo.Commit,
			BuildDate: versionInfo.BuildDate,
		}),
		server.WithTimeouts(server.Timeouts{
			Read:  cfg.Server.ReadTimeout,
			Write: cfg.Server.WriteTimeout,
			Idle:  cfg.Server.IdleTimeout,
		}),
	)

	logger.Info("Serving",
		zap.String("addr", srv.Addr()),
		zap.Bool("scheduler", !noScheduler),
		zap.String("registry", cfg.RegistryPath()),
		zap.String("output", cfg.OutputURI()))

	// The server returns on ctx cancellation or a listen failure; either way
	// the scheduler is stopped and drained before exit.
	srvErr := srv.Start(runCtx, cfg.Server.ShutdownTimeout)
	stop()
	schedErr := <-schedDone

	if srvErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", srvErr)
	}
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) {
		return exitError(foundry.ExitExternalServiceUnavailable, "Scheduler failed", schedErr)
	}
	return nil
}
