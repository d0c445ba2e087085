// Package trigger fires the daily pipeline run on a cron schedule.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/pipeline"
)

// Starter begins a run for a logical date and executes it to completion.
type Starter interface {
	Run(ctx context.Context, logicalDate time.Time) (*pipeline.Run, error)
}

// Scheduler runs the pipeline once per schedule tick for the previous UTC day.
type Scheduler struct {
	cron     *cron.Cron
	starter  Starter
	schedule string
	logger   *slog.Logger
	now      func() time.Time

	// ctx bounds scheduled runs; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

func NewScheduler(starter Starter, schedule string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:     cron.New(cron.WithLocation(time.UTC)),
		starter:  starter,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// LogicalDateFor returns the day a run fired at t processes: the UTC day before t.
func LogicalDateFor(t time.Time) time.Time {
	return analytics.Day(t).AddDate(0, 0, -1)
}

// Start registers the daily job and starts the cron loop.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.fire); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.schedule, err)
	}
	s.cron.Start()
	s.logger.Info("pipeline scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the cron loop, cancels a run in flight and waits for it to
// return.
func (s *Scheduler) Stop() {
	stopped := s.cron.Stop()
	s.cancel()
	<-stopped.Done()
	s.logger.Info("pipeline scheduler stopped")
}

func (s *Scheduler) fire() {
	date := LogicalDateFor(s.now())
	logger := s.logger.With("logical_date", analytics.FormatDate(date))
	logger.Info("scheduled run triggered")

	run, err := s.starter.Run(s.ctx, date)
	switch {
	case errors.Is(err, pipeline.ErrRunInProgress):
		logger.Warn("scheduled run skipped", "error", err)
	case err != nil:
		logger.Error("scheduled run failed", "error", err)
	default:
		logger.Info("scheduled run finished", "run_id", run.ID, "status", run.Status)
	}
}
