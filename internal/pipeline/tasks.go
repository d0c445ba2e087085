package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/extract"
	"github.com/nadmax/activity-etl/internal/metrics"
	"github.com/nadmax/activity-etl/internal/quality"
	"github.com/nadmax/activity-etl/internal/sink"
)

const (
	StageDaily  = "transform_daily"
	StageHourly = "transform_hourly"
)

type (
	Extractor interface {
		Run(ctx context.Context, runID string, w extract.Window) (int, error)
	}

	Stager interface {
		Put(ctx context.Context, runID, stage string, v any) error
		Get(ctx context.Context, runID, stage string, v any) error
	}

	Gate interface {
		Check(ctx context.Context, scope sink.Scope) (quality.Report, error)
	}
)

// Stages wires the stage bodies to their collaborators. Each body reads its
// input from staging and writes its output back before returning, so a stage
// can be retried or resumed without re-running its upstream.
type Stages struct {
	Extractor Extractor
	Staging   Stager
	Sink      sink.Sink
	Gate      Gate
	Now       func() time.Time
}

func (s *Stages) Tasks() Tasks {
	tasks := Tasks{
		EnsureSchema: s.ensureSchema,
		Extract:      s.extract,
		Transform:    s.transform,
		Load:         s.load,
		QualityCheck: s.qualityCheck,
		Cleanup:      s.cleanup,
	}
	if _, ok := s.Sink.(sink.Merger); ok {
		tasks.Merge = s.merge
	}
	return tasks
}

func (s *Stages) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Stages) sinkName() string {
	return s.Sink.Capabilities().Name
}

func (s *Stages) ensureSchema(ctx context.Context, _ *RunContext) error {
	return s.Sink.EnsureSchema(ctx)
}

func (s *Stages) extract(ctx context.Context, rc *RunContext) error {
	w := extract.WindowFor(rc.LogicalDate)
	n, err := s.Extractor.Run(ctx, rc.RunID, w)
	if err != nil {
		return err
	}

	metrics.RecordRowsExtracted(n)
	rc.Logger.Info("extracted activity", "events", n, "window_start", w.Start, "window_end", w.End)
	return nil
}

func (s *Stages) transform(ctx context.Context, rc *RunContext) error {
	var staged analytics.EventColumns
	if err := s.Staging.Get(ctx, rc.RunID, extract.Stage, &staged); err != nil {
		return err
	}

	events, err := staged.Rows()
	if err != nil {
		return fmt.Errorf("staged events: %w", err)
	}

	daily, hourly := analytics.Transform(events)
	if err := s.Staging.Put(ctx, rc.RunID, StageDaily, analytics.NewDailyColumns(daily)); err != nil {
		return err
	}
	if err := s.Staging.Put(ctx, rc.RunID, StageHourly, analytics.NewHourlyColumns(hourly)); err != nil {
		return err
	}

	rc.Logger.Info("transformed activity", "events", len(events), "daily_rows", len(daily), "hourly_rows", len(hourly))
	return nil
}

func (s *Stages) load(ctx context.Context, rc *RunContext) error {
	var dailyCols analytics.DailyColumns
	if err := s.Staging.Get(ctx, rc.RunID, StageDaily, &dailyCols); err != nil {
		return err
	}
	var hourlyCols analytics.HourlyColumns
	if err := s.Staging.Get(ctx, rc.RunID, StageHourly, &hourlyCols); err != nil {
		return err
	}

	daily, err := dailyCols.Rows()
	if err != nil {
		return fmt.Errorf("staged daily stats: %w", err)
	}
	hourly, err := hourlyCols.Rows()
	if err != nil {
		return fmt.Errorf("staged hourly pattern: %w", err)
	}

	batch := sink.Batch{RunID: rc.RunID, LogicalDate: rc.LogicalDate, Daily: daily, Hourly: hourly}
	if err := s.Sink.Load(ctx, batch); err != nil {
		return err
	}

	metrics.RecordRowsLoaded(s.sinkName(), "daily", len(daily))
	metrics.RecordRowsLoaded(s.sinkName(), "hourly", len(hourly))
	rc.Logger.Info("loaded facts", "daily_rows", len(daily), "hourly_rows", len(hourly))
	return nil
}

func (s *Stages) qualityCheck(ctx context.Context, rc *RunContext) error {
	report, err := s.Gate.Check(ctx, sink.Scope{RunID: rc.RunID, LogicalDate: rc.LogicalDate})
	for _, w := range report.Warnings {
		rc.Warn(w)
	}
	metrics.RecordQualityWarnings(s.sinkName(), len(report.Warnings))

	var v *quality.Violation
	if errors.As(err, &v) {
		metrics.RecordQualityViolation(s.sinkName(), string(v.Check))
	}
	return err
}

func (s *Stages) merge(ctx context.Context, rc *RunContext) error {
	merger, ok := s.Sink.(sink.Merger)
	if !ok {
		return fmt.Errorf("sink %s cannot merge", s.sinkName())
	}

	n, err := merger.Merge(ctx, sink.Scope{RunID: rc.RunID, LogicalDate: rc.LogicalDate}, s.now())
	if err != nil {
		return err
	}

	metrics.RecordRowsMerged(n)
	rc.Logger.Info("merged into production", "rows", n)
	return nil
}

func (s *Stages) cleanup(ctx context.Context, rc *RunContext) error {
	res, err := s.Sink.Cleanup(ctx, s.now())
	if err != nil {
		return err
	}

	metrics.RecordRowsPruned(s.sinkName(), "daily", res.DailyDeleted)
	metrics.RecordRowsPruned(s.sinkName(), "hourly", res.HourlyDeleted)
	rc.Logger.Info("retention cleanup finished", "daily_deleted", res.DailyDeleted, "hourly_deleted", res.HourlyDeleted)
	return nil
}
