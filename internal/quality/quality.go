// Package quality implements the gate that validates a run's loaded facts
// before anything further is mutated.
package quality

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nadmax/activity-etl/internal/sink"
)

type Check string

const (
	CheckNonEmpty     Check = "non_empty"
	CheckCompleteness Check = "completeness"
	CheckValidity     Check = "business_validity"
)

// Violation is a failed fatal check. Retrying cannot fix it.
type Violation struct {
	Check Check
	Count int64
	Total int64
}

func (v *Violation) Error() string {
	switch v.Check {
	case CheckNonEmpty:
		return "quality check non_empty failed: no rows loaded"
	case CheckCompleteness:
		return fmt.Sprintf("quality check completeness failed: %d of %d rows have null key columns", v.Count, v.Total)
	default:
		return fmt.Sprintf("quality check %s failed: %d of %d rows invalid", v.Check, v.Count, v.Total)
	}
}

func (v *Violation) Fatal() bool { return true }

type StatsSource interface {
	QualityStats(ctx context.Context, scope sink.Scope) (sink.QualityStats, error)
}

// Policy decides which checks abort the run. Completeness and validity are
// always fatal.
type Policy struct {
	EmptyIsFatal bool
}

func PolicyFor(caps sink.Capabilities) Policy {
	return Policy{EmptyIsFatal: caps.EmptyIsFatal}
}

type Report struct {
	Stats    sink.QualityStats
	Warnings []string
}

type Gate struct {
	source StatsSource
	policy Policy
	logger *slog.Logger
}

func NewGate(source StatsSource, policy Policy, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{source: source, policy: policy, logger: logger}
}

// Check collects stats for scope and evaluates them. A fatal check returns a
// *Violation; warnings are logged and returned in the report.
func (g *Gate) Check(ctx context.Context, scope sink.Scope) (Report, error) {
	stats, err := g.source.QualityStats(ctx, scope)
	if err != nil {
		return Report{}, err
	}

	report := Report{Stats: stats}
	warnings, err := Evaluate(stats, g.policy)
	report.Warnings = warnings

	logger := g.logger.With("run_id", scope.RunID, "rows", stats.Total)
	for _, w := range warnings {
		logger.Warn("quality warning", "warning", w)
	}
	if err != nil {
		logger.Error("quality gate rejected batch", "error", err)
		return report, err
	}

	logger.Info("quality gate passed")
	return report, nil
}

// Evaluate runs the three checks in order and stops at the first fatal one.
func Evaluate(stats sink.QualityStats, policy Policy) ([]string, error) {
	var warnings []string

	if stats.Total == 0 {
		if policy.EmptyIsFatal {
			return warnings, &Violation{Check: CheckNonEmpty}
		}
		warnings = append(warnings, "no rows loaded for the run's date")
	}

	if stats.NonNullUserIDs != stats.Total || stats.NonNullActions != stats.Total {
		missing := max(stats.Total-stats.NonNullUserIDs, stats.Total-stats.NonNullActions)
		return warnings, &Violation{Check: CheckCompleteness, Count: missing, Total: stats.Total}
	}

	if stats.Invalid > 0 {
		return warnings, &Violation{Check: CheckValidity, Count: stats.Invalid, Total: stats.Total}
	}

	return warnings, nil
}
