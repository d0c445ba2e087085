// Package repository provides PostgreSQL persistence for pipeline run history.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/activity-etl/internal/pipeline"
)

var ErrRunNotFound = errors.New("run not found")

type RunRepository interface {
	pipeline.Recorder
	GetRun(ctx context.Context, runID string) (*pipeline.Run, error)
	RecentRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
	GetAttempts(ctx context.Context, runID string) ([]AttemptRecord, error)
	GetRunStats(ctx context.Context, days int) ([]RunStats, error)
	Close() error
}

type PostgresRunRepository struct {
	db *sql.DB
}

type AttemptRecord struct {
	Task          string    `json:"task"`
	AttemptNumber int       `json:"attempt_number"`
	Status        string    `json:"status"`
	DurationMs    *int64    `json:"duration_ms,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

type RunStats struct {
	Status        string  `json:"status"`
	Count         int     `json:"count"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

func NewPostgresRunRepository(connectionString string) (*PostgresRunRepository, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresRunRepository{db: db}, nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS pipeline_runs (
		run_id       TEXT PRIMARY KEY,
		logical_date DATE NOT NULL,
		sink         TEXT NOT NULL,
		status       TEXT NOT NULL,
		created_at   TIMESTAMPTZ NOT NULL,
		started_at   TIMESTAMPTZ,
		finished_at  TIMESTAMPTZ,
		error        TEXT,
		warnings     TEXT[] NOT NULL DEFAULT '{}'
	)`,
	`CREATE INDEX IF NOT EXISTS idx_pipeline_runs_logical_date ON pipeline_runs (logical_date)`,
	`CREATE TABLE IF NOT EXISTS task_runs (
		run_id      TEXT NOT NULL REFERENCES pipeline_runs (run_id) ON DELETE CASCADE,
		task_name   TEXT NOT NULL,
		position    INTEGER NOT NULL,
		upstream    TEXT NOT NULL DEFAULT '',
		state       TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL,
		error       TEXT,
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (run_id, task_name)
	)`,
	`CREATE TABLE IF NOT EXISTS task_execution_log (
		id             BIGSERIAL PRIMARY KEY,
		run_id         TEXT NOT NULL,
		task_name      TEXT NOT NULL,
		attempt_number INTEGER NOT NULL,
		status         TEXT NOT NULL,
		duration_ms    BIGINT,
		error_message  TEXT,
		completed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_task_execution_log_run ON task_execution_log (run_id)`,
}

// Migrate creates the history tables if they do not exist.
func (r *PostgresRunRepository) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate run history: %w", err)
		}
	}
	return nil
}

// CreateRun inserts the run and one row per task in a single transaction.
func (r *PostgresRunRepository) CreateRun(ctx context.Context, run *pipeline.Run) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("failed to roll back run creation: %v", rbErr)
			}
		}
	}()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pipeline_runs (run_id, logical_date, sink, status, created_at)
		VALUES ($1, $2::date, $3, $4, $5)
	`, run.ID, run.Date(), run.Sink, string(run.Status), run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}

	names := make([]string, 0, len(run.Tasks))
	positions := make([]int64, 0, len(run.Tasks))
	upstream := make([]string, 0, len(run.Tasks))
	maxRetries := make([]int64, 0, len(run.Tasks))
	for i, n := range run.Tasks {
		names = append(names, n.Name)
		positions = append(positions, int64(i))
		upstream = append(upstream, strings.Join(n.Upstream, ","))
		maxRetries = append(maxRetries, int64(n.MaxRetries))
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, task_name, position, upstream, state, max_retries)
		SELECT $1, t.task_name, t.position, t.upstream, $2, t.max_retries
		FROM unnest($3::text[], $4::int[], $5::text[], $6::int[]) AS t(task_name, position, upstream, max_retries)
	`, run.ID, string(pipeline.TaskPending), pq.Array(names), pq.Array(positions), pq.Array(upstream), pq.Array(maxRetries))
	if err != nil {
		return fmt.Errorf("failed to insert task runs: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run creation: %w", err)
	}

	return nil
}

func (r *PostgresRunRepository) UpdateRun(ctx context.Context, run *pipeline.Run) error {
	query := `
		UPDATE pipeline_runs
		SET status = $1,
		    started_at = $2,
		    finished_at = $3,
		    error = $4,
		    warnings = $5
		WHERE run_id = $6
	`

	warnings := run.Warnings
	if warnings == nil {
		warnings = []string{}
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		string(run.Status),
		run.StartedAt,
		run.FinishedAt,
		nullString(run.Error),
		pq.Array(warnings),
		run.ID,
	)

	return err
}

func (r *PostgresRunRepository) SaveTaskState(ctx context.Context, runID string, node *pipeline.TaskNode) error {
	query := `
		UPDATE task_runs
		SET state = $1,
		    retry_count = $2,
		    error = $3,
		    updated_at = NOW()
		WHERE run_id = $4 AND task_name = $5
	`

	_, err := r.db.ExecContext(ctx, query, string(node.State), node.RetryCount, nullString(node.Error), runID, node.Name)
	return err
}

func (r *PostgresRunRepository) LogAttempt(ctx context.Context, a pipeline.Attempt) error {
	query := `
		INSERT INTO task_execution_log (
			run_id, task_name, attempt_number, status,
			duration_ms, error_message, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`

	var durationMs any
	if a.Duration > 0 {
		durationMs = a.Duration.Milliseconds()
	}

	_, err := r.db.ExecContext(
		ctx,
		query,
		a.RunID,
		a.Task,
		a.Number,
		string(a.Status),
		durationMs,
		nullString(a.Error),
	)

	return err
}

const runColumns = `run_id, logical_date, sink, status, created_at, started_at, finished_at, COALESCE(error, ''), warnings`

func scanRun(row interface{ Scan(dest ...any) error }) (*pipeline.Run, error) {
	var run pipeline.Run
	var status string
	var startedAt, finishedAt sql.NullTime
	var warnings pq.StringArray

	if err := row.Scan(
		&run.ID,
		&run.LogicalDate,
		&run.Sink,
		&status,
		&run.CreatedAt,
		&startedAt,
		&finishedAt,
		&run.Error,
		&warnings,
	); err != nil {
		return nil, err
	}

	run.Status = pipeline.RunStatus(status)
	run.LogicalDate = run.LogicalDate.UTC()
	if startedAt.Valid {
		run.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(warnings) > 0 {
		run.Warnings = []string(warnings)
	}

	return &run, nil
}

func (r *PostgresRunRepository) GetRun(ctx context.Context, runID string) (*pipeline.Run, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE run_id = $1`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT task_name, upstream, state, retry_count, max_retries, COALESCE(error, '')
		FROM task_runs
		WHERE run_id = $1
		ORDER BY position ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get task runs: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	for rows.Next() {
		var n pipeline.TaskNode
		var upstream, state string
		if err := rows.Scan(&n.Name, &upstream, &state, &n.RetryCount, &n.MaxRetries, &n.Error); err != nil {
			return nil, err
		}
		n.State = pipeline.TaskState(state)
		if upstream != "" {
			n.Upstream = strings.Split(upstream, ",")
		}
		run.Tasks = append(run.Tasks, &n)
	}

	return run, rows.Err()
}

func (r *PostgresRunRepository) RecentRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var runs []pipeline.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}

	return runs, rows.Err()
}

func (r *PostgresRunRepository) GetAttempts(ctx context.Context, runID string) ([]AttemptRecord, error) {
	query := `
		SELECT
			task_name, attempt_number, status, duration_ms,
			error_message, completed_at
		FROM task_execution_log
		WHERE run_id = $1
		ORDER BY completed_at ASC, id ASC
	`
	rows, err := r.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var attempts []AttemptRecord
	for rows.Next() {
		var a AttemptRecord
		var durationMs sql.NullInt64
		var msgErr sql.NullString

		if err := rows.Scan(
			&a.Task,
			&a.AttemptNumber,
			&a.Status,
			&durationMs,
			&msgErr,
			&a.CompletedAt,
		); err != nil {
			return nil, err
		}

		if durationMs.Valid {
			a.DurationMs = &durationMs.Int64
		}
		if msgErr.Valid {
			a.ErrorMessage = msgErr.String
		}

		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

func (r *PostgresRunRepository) GetRunStats(ctx context.Context, days int) ([]RunStats, error) {
	query := `
		SELECT
			status, COUNT(*) as count,
			COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - started_at)) * 1000), 0) as avg_duration_ms
		FROM pipeline_runs
		WHERE created_at > NOW() - INTERVAL '1 day' * $1
		GROUP BY status
		ORDER BY status
	`
	rows, err := r.db.QueryContext(ctx, query, days)
	if err != nil {
		return nil, err
	}

	defer func() {
		if err := rows.Close(); err != nil {
			log.Printf("failed to close rows: %v", err)
		}
	}()

	var stats []RunStats
	for rows.Next() {
		var s RunStats
		if err := rows.Scan(&s.Status, &s.Count, &s.AvgDurationMs); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}

	return stats, rows.Err()
}

func (r *PostgresRunRepository) Close() error {
	return r.db.Close()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
