// Package sink abstracts the analytical store the pipeline loads into. Two
// implementations exist: a transactional Postgres store that is itself the system
// of record, and a DuckDB warehouse that loads into staging tables and merges
// into a separate production table.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
)

type (
	// Capabilities describes what a sink can do and how strictly its data is
	// validated. The pipeline factory picks a task graph from it.
	Capabilities struct {
		Name         string
		Merge        bool
		EmptyIsFatal bool
	}

	Batch struct {
		RunID       string
		LogicalDate time.Time
		Daily       []analytics.DailyUserStat
		Hourly      []analytics.HourlyUserPattern
	}

	// Scope selects the rows a quality check or merge looks at.
	Scope struct {
		RunID       string
		LogicalDate time.Time
	}

	QualityStats struct {
		Total          int64
		NonNullUserIDs int64
		NonNullActions int64
		Invalid        int64
	}

	CleanupResult struct {
		DailyDeleted  int64
		HourlyDeleted int64
	}
)

type Sink interface {
	Capabilities() Capabilities
	EnsureSchema(ctx context.Context) error
	Load(ctx context.Context, b Batch) error
	QualityStats(ctx context.Context, scope Scope) (QualityStats, error)
	Cleanup(ctx context.Context, now time.Time) (CleanupResult, error)
	Close() error
}

// Merger is implemented by sinks that reconcile staged facts into a separate
// production table.
type Merger interface {
	Merge(ctx context.Context, scope Scope, now time.Time) (int64, error)
}

var capabilities = map[config.SinkKind]Capabilities{
	config.SinkRelational: {Name: string(config.SinkRelational)},
	config.SinkWarehouse:  {Name: string(config.SinkWarehouse), Merge: true, EmptyIsFatal: true},
}

// CapabilitiesFor reports what a sink of the given kind supports without
// connecting to it.
func CapabilitiesFor(kind config.SinkKind) (Capabilities, error) {
	caps, ok := capabilities[kind]
	if !ok {
		return Capabilities{}, fmt.Errorf("unknown sink kind %q", kind)
	}
	return caps, nil
}

// Open connects the sink selected by cfg.Kind.
func Open(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Kind {
	case config.SinkRelational:
		s, err := NewRelationalSink(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.SinkWarehouse:
		s, err := NewWarehouseSink(cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Kind)
	}
}

// lastWriteWins collapses rows sharing (user_id, activity_date), keeping the
// last occurrence at the position of the first.
func lastWriteWins(stats []analytics.DailyUserStat) []analytics.DailyUserStat {
	type key struct {
		userID int64
		date   string
	}

	index := make(map[key]int, len(stats))
	out := make([]analytics.DailyUserStat, 0, len(stats))
	for _, s := range stats {
		k := key{userID: s.UserID, date: analytics.FormatDate(s.ActivityDate)}
		if i, ok := index[k]; ok {
			out[i] = s
			continue
		}
		index[k] = len(out)
		out = append(out, s)
	}
	return out
}

func ident(name string) string {
	return pq.QuoteIdentifier(name)
}
