package repository

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/activity-etl/internal/pipeline"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresRunRepository) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	repo := &PostgresRunRepository{db: db}
	return db, mock, repo
}

func testRun() *pipeline.Run {
	return &pipeline.Run{
		ID:          "run-123",
		LogicalDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
		Sink:        "warehouse",
		Status:      pipeline.RunPending,
		CreatedAt:   time.Date(2024, 6, 2, 0, 0, 5, 0, time.UTC),
		Tasks: []*pipeline.TaskNode{
			{Name: "extract", State: pipeline.TaskPending, MaxRetries: 2},
			{Name: "transform", Upstream: []string{"extract"}, State: pipeline.TaskPending, MaxRetries: 2},
		},
	}
}

func TestNewPostgresRunRepository(t *testing.T) {
	t.Run("successful connection", func(t *testing.T) {
		t.Skip("Integration test - requires real database")
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewPostgresRunRepository("invalid connection string")
		assert.Error(t, err)
	})
}

func TestMigrate(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	for range migrations {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, repo.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRun(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("inserts run and tasks", func(t *testing.T) {
		run := testRun()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO pipeline_runs").
			WithArgs(run.ID, "2024-06-01", "warehouse", "PENDING", run.CreatedAt).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO task_runs").
			WithArgs(run.ID, "PENDING", `{"extract","transform"}`, "{0,1}", `{"","extract"}`, "{2,2}").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, repo.CreateRun(ctx, run))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("task insert failure rolls back", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO pipeline_runs").WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("INSERT INTO task_runs").WillReturnError(errors.New("relation does not exist"))
		mock.ExpectRollback()

		err := repo.CreateRun(ctx, testRun())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to insert task runs")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestUpdateRun(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("running run", func(t *testing.T) {
		run := testRun()
		started := time.Date(2024, 6, 2, 0, 0, 6, 0, time.UTC)
		run.Status = pipeline.RunRunning
		run.StartedAt = &started

		mock.ExpectExec("UPDATE pipeline_runs").
			WithArgs("RUNNING", started, nil, nil, "{}", run.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateRun(ctx, run))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("failed run with warnings", func(t *testing.T) {
		run := testRun()
		started := time.Date(2024, 6, 2, 0, 0, 6, 0, time.UTC)
		finished := started.Add(time.Minute)
		run.Status = pipeline.RunFailed
		run.StartedAt = &started
		run.FinishedAt = &finished
		run.Error = "LoadError in load"
		run.Warnings = []string{"no rows"}

		mock.ExpectExec("UPDATE pipeline_runs").
			WithArgs("FAILED", started, finished, "LoadError in load", `{"no rows"}`, run.ID).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpdateRun(ctx, run))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSaveTaskState(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec("UPDATE task_runs").
		WithArgs("FAILED", 2, "boom", "run-123", "load").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.SaveTaskState(context.Background(), "run-123", &pipeline.TaskNode{
		Name:       "load",
		State:      pipeline.TaskFailed,
		RetryCount: 2,
		Error:      "boom",
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLogAttempt(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	t.Run("log successful attempt", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO task_execution_log").
			WithArgs("run-123", "extract", 1, "SUCCEEDED", int64(2500), nil).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.LogAttempt(ctx, pipeline.Attempt{
			RunID:    "run-123",
			Task:     "extract",
			Number:   1,
			Status:   pipeline.TaskSucceeded,
			Duration: 2500 * time.Millisecond,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("log failed attempt with error", func(t *testing.T) {
		errMsg := "database connection failed"
		mock.ExpectExec("INSERT INTO task_execution_log").
			WithArgs("run-123", "load", 2, "FAILED", nil, errMsg).
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.LogAttempt(ctx, pipeline.Attempt{
			RunID:  "run-123",
			Task:   "load",
			Number: 2,
			Status: pipeline.TaskFailed,
			Error:  errMsg,
		})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

var runRowColumns = []string{
	"run_id", "logical_date", "sink", "status", "created_at",
	"started_at", "finished_at", "error", "warnings",
}

func TestGetRun(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 2, 0, 0, 5, 0, time.UTC)

	t.Run("successful retrieval", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM pipeline_runs WHERE run_id").
			WithArgs("run-123").
			WillReturnRows(sqlmock.NewRows(runRowColumns).
				AddRow("run-123", day, "relational", "SUCCEEDED", now, now, now.Add(time.Minute), "", `{"no rows loaded"}`))
		mock.ExpectQuery("SELECT.*FROM task_runs").
			WithArgs("run-123").
			WillReturnRows(sqlmock.NewRows([]string{"task_name", "upstream", "state", "retry_count", "max_retries", "error"}).
				AddRow("extract", "", "SUCCEEDED", 0, 2, "").
				AddRow("transform", "extract", "SUCCEEDED", 1, 2, ""))

		run, err := repo.GetRun(ctx, "run-123")
		require.NoError(t, err)
		assert.Equal(t, "run-123", run.ID)
		assert.Equal(t, pipeline.RunSucceeded, run.Status)
		assert.Equal(t, "2024-06-01", run.Date())
		assert.NotNil(t, run.StartedAt)
		assert.NotNil(t, run.FinishedAt)
		assert.Equal(t, []string{"no rows loaded"}, run.Warnings)
		require.Len(t, run.Tasks, 2)
		assert.Nil(t, run.Tasks[0].Upstream)
		assert.Equal(t, []string{"extract"}, run.Tasks[1].Upstream)
		assert.Equal(t, 1, run.Tasks[1].RetryCount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("run not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT.*FROM pipeline_runs WHERE run_id").
			WithArgs("nonexistent").
			WillReturnError(sql.ErrNoRows)

		_, err := repo.GetRun(ctx, "nonexistent")
		assert.ErrorIs(t, err, ErrRunNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRecentRuns(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	now := time.Date(2024, 6, 2, 0, 0, 5, 0, time.UTC)

	mock.ExpectQuery("SELECT.*FROM pipeline_runs ORDER BY created_at DESC").
		WithArgs(10).
		WillReturnRows(sqlmock.NewRows(runRowColumns).
			AddRow("run-2", day, "warehouse", "RUNNING", now, now, nil, "", "{}").
			AddRow("run-1", day, "warehouse", "FAILED", now, now, now, "QualityViolation", "{}"))

	runs, err := repo.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, pipeline.RunRunning, runs[0].Status)
	assert.Nil(t, runs[0].FinishedAt)
	assert.Empty(t, runs[0].Warnings)
	assert.Equal(t, "QualityViolation", runs[1].Error)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetAttempts(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	now := time.Now()
	mock.ExpectQuery("SELECT.*FROM task_execution_log WHERE run_id").
		WithArgs("run-123").
		WillReturnRows(sqlmock.NewRows([]string{
			"task_name", "attempt_number", "status", "duration_ms", "error_message", "completed_at",
		}).
			AddRow("load", 1, "FAILED", 1200, "connection reset", now).
			AddRow("load", 2, "SUCCEEDED", nil, nil, now))

	attempts, err := repo.GetAttempts(context.Background(), "run-123")
	require.NoError(t, err)
	require.Len(t, attempts, 2)
	require.NotNil(t, attempts[0].DurationMs)
	assert.Equal(t, int64(1200), *attempts[0].DurationMs)
	assert.Equal(t, "connection reset", attempts[0].ErrorMessage)
	assert.Nil(t, attempts[1].DurationMs)
	assert.Empty(t, attempts[1].ErrorMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunStats(t *testing.T) {
	db, mock, repo := setupMockDB(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery("SELECT.*FROM pipeline_runs WHERE created_at").
		WithArgs(7).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count", "avg_duration_ms"}).
			AddRow("FAILED", 1, 3000.0).
			AddRow("SUCCEEDED", 6, 61000.5))

	stats, err := repo.GetRunStats(context.Background(), 7)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "SUCCEEDED", stats[1].Status)
	assert.Equal(t, 6, stats[1].Count)
	assert.Equal(t, 61000.5, stats[1].AvgDurationMs)
	assert.NoError(t, mock.ExpectationsWereMet())
}
