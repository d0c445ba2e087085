// Package app wires the pipeline components from a loaded configuration.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/extract"
	"github.com/nadmax/activity-etl/internal/notify"
	"github.com/nadmax/activity-etl/internal/pipeline"
	"github.com/nadmax/activity-etl/internal/quality"
	"github.com/nadmax/activity-etl/internal/repository"
	"github.com/nadmax/activity-etl/internal/sink"
	"github.com/nadmax/activity-etl/internal/staging"
)

// App holds the fully-wired pipeline and the resources it must release.
type App struct {
	Config  config.Config
	Runner  *pipeline.Runner
	Runs    repository.RunRepository
	Sink    sink.Sink
	Staging *staging.Store
	source  *sql.DB
}

// New opens every external resource named by cfg and builds the runner. On
// error, whatever was already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg}
	if err := a.wire(ctx, logger); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, logger *slog.Logger) error {
	cfg := a.Config

	store, err := staging.NewStore(cfg.RedisAddr, cfg.StagingTTL)
	if err != nil {
		return err
	}
	a.Staging = store

	source, err := extract.NewSource(cfg.SourceDSN)
	if err != nil {
		return err
	}
	a.source = source

	s, err := sink.Open(cfg.Sink)
	if err != nil {
		return err
	}
	a.Sink = s

	runs, err := openRunRepository(ctx, cfg.HistoryDSN, logger)
	if err != nil {
		return err
	}
	a.Runs = runs

	notifier, err := notify.New(cfg.Notify)
	if err != nil {
		return err
	}

	caps := s.Capabilities()
	stages := &pipeline.Stages{
		Extractor: extract.New(source, cfg.Sources, store),
		Staging:   store,
		Sink:      s,
		Gate:      quality.NewGate(s, quality.PolicyFor(caps), logger),
	}

	graph, err := pipeline.Build(caps, stages.Tasks(), cfg.Retry)
	if err != nil {
		return fmt.Errorf("failed to build task graph: %w", err)
	}

	a.Runner = pipeline.NewRunner(graph, caps.Name, cfg, store, runs, notifier, logger)
	logger.Info("pipeline wired", "sink", caps.Name, "tasks", graph.Order(), "environment", cfg.Environment)
	return nil
}

func openRunRepository(ctx context.Context, dsn string, logger *slog.Logger) (repository.RunRepository, error) {
	if dsn == "" {
		logger.Warn("no history database configured, keeping run history in memory")
		return repository.NewMemoryRunRepository(), nil
	}

	repo, err := repository.NewPostgresRunRepository(dsn)
	if err != nil {
		return nil, err
	}
	if err := repo.Migrate(ctx); err != nil {
		_ = repo.Close()
		return nil, err
	}
	return repo, nil
}

// Close releases every opened resource, logging failures.
func (a *App) Close() {
	if a.Runs != nil {
		if err := a.Runs.Close(); err != nil {
			slog.Error("failed to close run repository", "error", err)
		}
	}
	if a.Sink != nil {
		if err := a.Sink.Close(); err != nil {
			slog.Error("failed to close sink", "error", err)
		}
	}
	if a.source != nil {
		if err := a.source.Close(); err != nil {
			slog.Error("failed to close source database", "error", err)
		}
	}
	if a.Staging != nil {
		if err := a.Staging.Close(); err != nil {
			slog.Error("failed to close staging store", "error", err)
		}
	}
}
