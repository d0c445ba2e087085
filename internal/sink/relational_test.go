package sink

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func relationalConfig() config.SinkConfig {
	return config.SinkConfig{
		Kind:                config.SinkRelational,
		AnalyticsSchema:     "analytics",
		ProductionRetention: 90 * 24 * time.Hour,
	}
}

func setupMockRelational(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *RelationalSink) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return db, mock, newRelationalSink(db, relationalConfig())
}

func strPtr(s string) *string { return &s }

func sampleBatch() Batch {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	return Batch{
		RunID:       "run-1",
		LogicalDate: day,
		Daily: []analytics.DailyUserStat{
			{UserID: 42, Username: strPtr("ada"), ActivityDate: day, TotalActions: 2, UniqueResourceTypes: 2, UniqueIPAddresses: 2, EngagementScore: 2.0, ActivityLevel: analytics.LevelLow},
			{UserID: 7, ActivityDate: day, TotalActions: 6, UniqueResourceTypes: 1, UniqueIPAddresses: 1, EngagementScore: 4.0, ActivityLevel: analytics.LevelMedium},
		},
		Hourly: []analytics.HourlyUserPattern{
			{UserID: 7, Hour: 3, HourlyCount: 6},
			{UserID: 42, Hour: 14, HourlyCount: 2},
		},
	}
}

func TestNewRelationalSink_ConnectionFailure(t *testing.T) {
	cfg := relationalConfig()
	cfg.PostgresDSN = "invalid connection string"
	_, err := NewRelationalSink(cfg)
	assert.Error(t, err)
}

func TestRelationalEnsureSchema(t *testing.T) {
	db, mock, s := setupMockRelational(t)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE SCHEMA IF NOT EXISTS "analytics"`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "analytics".daily_user_stats`)).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "analytics".hourly_user_pattern`)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationalLoad(t *testing.T) {
	t.Run("upserts daily and replaces hourly in one transaction", func(t *testing.T) {
		db, mock, s := setupMockRelational(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "analytics".daily_user_stats`)).
			WithArgs(
				"{42,7}",
				sqlmock.AnyArg(),
				`{"2024-06-01","2024-06-01"}`,
				"{2,6}",
				"{2,1}",
				"{2,1}",
				sqlmock.AnyArg(),
				`{"low","medium"}`,
			).
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".hourly_user_pattern WHERE activity_date = $1::date`)).
			WithArgs("2024-06-01").
			WillReturnResult(sqlmock.NewResult(0, 5))
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "analytics".hourly_user_pattern`)).
			WithArgs("2024-06-01", "{7,42}", "{3,14}", "{6,2}").
			WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectCommit()

		require.NoError(t, s.Load(context.Background(), sampleBatch()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty batch still clears the date", func(t *testing.T) {
		db, mock, s := setupMockRelational(t)
		defer func() { _ = db.Close() }()

		b := sampleBatch()
		b.Daily, b.Hourly = nil, nil

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".hourly_user_pattern`)).
			WithArgs("2024-06-01").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		require.NoError(t, s.Load(context.Background(), b))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("upsert failure rolls back", func(t *testing.T) {
		db, mock, s := setupMockRelational(t)
		defer func() { _ = db.Close() }()

		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "analytics".daily_user_stats`)).
			WillReturnError(errors.New("connection reset"))
		mock.ExpectRollback()

		err := s.Load(context.Background(), sampleBatch())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to upsert daily user stats")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestRelationalQualityStats(t *testing.T) {
	db, mock, s := setupMockRelational(t)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "analytics".daily_user_stats`)).
		WithArgs("2024-06-01").
		WillReturnRows(sqlmock.NewRows([]string{"count", "users", "actions", "invalid"}).AddRow(10, 10, 9, 1))

	st, err := s.QualityStats(context.Background(), Scope{LogicalDate: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.Equal(t, QualityStats{Total: 10, NonNullUserIDs: 10, NonNullActions: 9, Invalid: 1}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRelationalCleanup(t *testing.T) {
	db, mock, s := setupMockRelational(t)
	defer func() { _ = db.Close() }()

	now := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".daily_user_stats WHERE activity_date < $1::date`)).
		WithArgs("2024-06-03").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".hourly_user_pattern WHERE activity_date < $1::date`)).
		WithArgs("2024-06-03").
		WillReturnResult(sqlmock.NewResult(0, 9))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".daily_user_stats`)).
		WithArgs("2024-06-03").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "analytics".hourly_user_pattern`)).
		WithArgs("2024-06-03").
		WillReturnResult(sqlmock.NewResult(0, 0))

	res, err := s.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{DailyDeleted: 4, HourlyDeleted: 9}, res)

	res, err = s.Cleanup(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, CleanupResult{}, res)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLastWriteWins(t *testing.T) {
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	in := []analytics.DailyUserStat{
		{UserID: 1, ActivityDate: day, TotalActions: 1},
		{UserID: 2, ActivityDate: day, TotalActions: 5},
		{UserID: 1, ActivityDate: day, TotalActions: 3},
	}

	out := lastWriteWins(in)
	require.Len(t, out, 2)
	assert.Equal(t, int64(3), out[0].TotalActions)
	assert.Equal(t, int64(2), out[1].UserID)
}

// TestRelationalLoad_Integration needs a disposable Postgres database.
func TestRelationalLoad_Integration(t *testing.T) {
	dsn := os.Getenv("TEST_ANALYTICS_DSN")
	if dsn == "" {
		t.Skip("Integration test - requires real database (set TEST_ANALYTICS_DSN)")
	}

	cfg := relationalConfig()
	cfg.PostgresDSN = dsn
	cfg.AnalyticsSchema = "analytics_it"
	s, err := NewRelationalSink(cfg)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	ctx := context.Background()
	_, _ = s.db.ExecContext(ctx, `DROP SCHEMA IF EXISTS "analytics_it" CASCADE`)
	require.NoError(t, s.EnsureSchema(ctx))

	first := sampleBatch()
	require.NoError(t, s.Load(ctx, first))

	second := sampleBatch()
	second.Daily[0].TotalActions = 9
	second.Daily[0].ActivityLevel = analytics.LevelMedium
	require.NoError(t, s.Load(ctx, second))

	var rows int
	var total int64
	var level string
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MAX(total_actions), MAX(activity_level) FROM "analytics_it".daily_user_stats WHERE user_id = 42`,
	).Scan(&rows, &total, &level))
	assert.Equal(t, 1, rows)
	assert.Equal(t, int64(9), total)
	assert.Equal(t, "medium", level)

	var hourly int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM "analytics_it".hourly_user_pattern`).Scan(&hourly))
	assert.Equal(t, 2, hourly)
}
