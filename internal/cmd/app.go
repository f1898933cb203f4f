package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"go.uber.org/zap"

	"github.com/3leaps/gosqueeze/internal/config"
	"github.com/3leaps/gosqueeze/pkg/jobregistry"
	"github.com/3leaps/gosqueeze/pkg/precondition"
	"github.com/3leaps/gosqueeze/pkg/provider"
	"github.com/3leaps/gosqueeze/pkg/provider/s3"
	"github.com/3leaps/gosqueeze/pkg/runner"
	"github.com/3leaps/gosqueeze/pkg/scheduler"
	"github.com/3leaps/gosqueeze/pkg/sink"
	"github.com/3leaps/gosqueeze/pkg/source"
)

// app holds the components shared by job commands.
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    jobregistry.Store
	resolver *source.ProviderResolver
	sink     *sink.ProviderSink
	runner   *runner.Runner
}

// openStore opens only the registry, for read-mostly commands.
func openStore(ctx context.Context, cfg *config.Config) (jobregistry.Store, error) {
	store, err := jobregistry.Open(ctx, cfg.Registry.Backend, cfg.RegistryPath())
	if err != nil {
		return nil, exitError(foundry.ExitFileReadError, "Failed to open job registry", err)
	}
	return store, nil
}

// openApp wires registry, source resolver, output sink, preconditions and
// runner from cfg.
func openApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	a.resolver = source.New(source.Config{
		MaxBytes: int64(cfg.Source.MaxBytes),
		S3: source.S3Options{
			Region:         cfg.S3.Region,
			Endpoint:       cfg.S3.Endpoint,
			Profile:        cfg.S3.Profile,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		},
	})

	a.sink, err = sink.Open(ctx, cfg.OutputURI(), s3.Config{
		Region:         cfg.S3.Region,
		Endpoint:       cfg.S3.Endpoint,
		Profile:        cfg.S3.Profile,
		ForcePathStyle: cfg.S3.ForcePathStyle,
		ContentType:    s3.DefaultContentType,
	})
	if err != nil {
		_ = a.Close()
		return nil, exitError(foundry.ExitExternalServiceUnavailable, "Failed to open output destination", err)
	}

	checks, err := preconditionsFor(cfg)
	if err != nil {
		_ = a.Close()
		return nil, exitError(foundry.ExitInvalidArgument, "Invalid output destination", err)
	}

	a.runner, err = runner.New(runner.Config{
		Store:  store,
		Source: a.resolver,
		Sink:   a.sink,
		Checks: checks,
		Logger: logger,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

// preconditionsFor returns the checks re-evaluated before every delivery.
// Local outputs need disk headroom; object stores have no such limit.
func preconditionsFor(cfg *config.Config) ([]precondition.Check, error) {
	if !cfg.OutputIsLocal() {
		return nil, nil
	}
	uri, err := provider.ParseURI(cfg.OutputURI())
	if err != nil {
		return nil, err
	}
	return []precondition.Check{
		precondition.NewStorageHeadroom(uri.Path, uint64(cfg.Precondition.MinFreeBytes)),
	}, nil
}

func (a *app) newScheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(a.runner, a.store, scheduler.Config{
		Workers:      a.cfg.Scheduler.Workers,
		PollInterval: a.cfg.Scheduler.PollInterval,
		RetryBackoff: a.cfg.Scheduler.RetryBackoff,
		RateLimit:    a.cfg.Scheduler.RateLimit,
		Logger:       a.logger,
	})
}

func (a *app) Close() error {
	var errs []error
	if a.resolver != nil {
		errs = append(errs, a.resolver.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("close: %w", err)
	}
	return nil
}
