package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/app"
	"github.com/nadmax/activity-etl/internal/config"
	"github.com/nadmax/activity-etl/internal/pipeline"
	"github.com/nadmax/activity-etl/internal/sink"
	"github.com/nadmax/activity-etl/internal/trigger"
)

const envAnnotation = "env"

// errRunFailed signals a run that reached FAILED; the summary is already printed.
var errRunFailed = errors.New("run failed")

type runFunc func(ctx context.Context, cfg config.Config, logicalDate time.Time, logger *slog.Logger) (*pipeline.Run, error)

func executeRun(ctx context.Context, cfg config.Config, logicalDate time.Time, logger *slog.Logger) (*pipeline.Run, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer a.Close()

	return a.Runner.Run(ctx, logicalDate)
}

func newRootCmd(run runFunc, now func() time.Time, logger *slog.Logger) *cobra.Command {
	var date string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily activity pipeline once for a logical date",
		Long: "Runs every task of the pipeline for one logical date and exits non-zero when the run fails.\n" +
			"Configuration comes from the environment; flags override individual variables.",
		Example:       "  run --date 2024-06-01 --sink warehouse",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logicalDate := trigger.LogicalDateFor(now())
			if date != "" {
				d, err := analytics.ParseDate(date)
				if err != nil {
					return fmt.Errorf("invalid --date %q, expected YYYY-MM-DD", date)
				}
				logicalDate = d
			}

			cfg, err := config.LoadWith(envOverrides(cmd.Flags()))
			if err != nil {
				return err
			}

			r, err := run(cmd.Context(), cfg, logicalDate, logger)
			if r != nil {
				printRun(cmd.OutOrStdout(), r)
			}
			if err != nil {
				if r != nil && r.Status == pipeline.RunFailed {
					return fmt.Errorf("%w: %w", errRunFailed, err)
				}
				return err
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&date, "date", "", "logical date to process (YYYY-MM-DD, default: yesterday UTC)")
	envFlag(flags, "sink", "ETL_SINK", "sink kind: relational or warehouse")
	envFlag(flags, "source-dsn", "SOURCE_DSN", "upstream Postgres connection string")
	envFlag(flags, "analytics-dsn", "ANALYTICS_DSN", "relational sink connection string")
	envFlag(flags, "duckdb-path", "DUCKDB_PATH", "warehouse database file")
	envFlag(flags, "history-dsn", "HISTORY_DSN", "run history connection string")
	envFlag(flags, "redis-addr", "REDIS_ADDR", "staging and lock Redis address")
	envFlag(flags, "max-retries", "TASK_MAX_RETRIES", "retries per task after the first attempt")
	envFlag(flags, "retry-delay", "TASK_RETRY_DELAY", "delay between task attempts")
	envFlag(flags, "task-timeout", "TASK_TIMEOUT", "limit on a single task attempt")

	cmd.AddCommand(newGraphCmd())
	return cmd
}

func newGraphCmd() *cobra.Command {
	var kind string

	return withFlags(&cobra.Command{
		Use:   "graph",
		Short: "Print the task order for a sink without connecting to anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			caps, err := sink.CapabilitiesFor(config.SinkKind(kind))
			if err != nil {
				return err
			}

			g, err := pipeline.Build(caps, placeholderTasks(), config.RetryConfig{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for i, name := range g.Order() {
				task, _ := g.Task(name)
				_, _ = fmt.Fprintf(out, "%d. %s", i+1, name)
				if len(task.Upstream) > 0 {
					_, _ = fmt.Fprintf(out, " <- %v", task.Upstream)
				}
				_, _ = fmt.Fprintln(out)
			}
			return nil
		},
	}, func(flags *pflag.FlagSet) {
		flags.StringVar(&kind, "sink", string(config.SinkRelational), "sink kind: relational or warehouse")
	})
}

// placeholderTasks fills every stage with a no-op body so the graph can be
// built without opening any connection.
func placeholderTasks() pipeline.Tasks {
	noop := func(context.Context, *pipeline.RunContext) error { return nil }
	return pipeline.Tasks{
		EnsureSchema: noop,
		Extract:      noop,
		Transform:    noop,
		Load:         noop,
		QualityCheck: noop,
		Merge:        noop,
		Cleanup:      noop,
	}
}

func withFlags(cmd *cobra.Command, register func(*pflag.FlagSet)) *cobra.Command {
	register(cmd.Flags())
	return cmd
}

// envFlag registers a string flag that overrides the environment variable key.
func envFlag(flags *pflag.FlagSet, name, key, usage string) {
	flags.String(name, "", fmt.Sprintf("%s (overrides %s)", usage, key))
	_ = flags.SetAnnotation(name, envAnnotation, []string{key})
}

// envOverrides collects the environment overrides of every flag set on the command line.
func envOverrides(flags *pflag.FlagSet) map[string]string {
	overrides := make(map[string]string)
	flags.Visit(func(f *pflag.Flag) {
		if keys, ok := f.Annotations[envAnnotation]; ok && len(keys) == 1 {
			overrides[keys[0]] = f.Value.String()
		}
	})
	return overrides
}

func printRun(w io.Writer, r *pipeline.Run) {
	_, _ = fmt.Fprintf(w, "run %s (%s, sink %s): %s\n", r.ID, r.Date(), r.Sink, r.Status)
	for _, n := range r.Tasks {
		_, _ = fmt.Fprintf(w, "  %-14s %-16s retries=%d", n.Name, n.State, n.RetryCount)
		if n.Error != "" {
			_, _ = fmt.Fprintf(w, " error=%q", n.Error)
		}
		_, _ = fmt.Fprintln(w)
	}
	for _, warning := range r.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warning)
	}
}
