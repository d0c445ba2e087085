package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/duckdb/duckdb-go/v2"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
)

const (
	stagingDailyTable    = "stg_daily_user_stats"
	stagingHourlyTable   = "stg_hourly_user_pattern"
	productionDailyTable = "user_daily_stats"
)

// WarehouseSink bulk-loads into fixed-name DuckDB staging tables and merges
// into the production table. The staging tables are shared by every run, so
// two runs loading at the same time interfere with each other.
type WarehouseSink struct {
	db               *sql.DB
	stagingSchema    string
	productionSchema string
	retention        time.Duration
	now              func() time.Time
}

func NewWarehouseSink(cfg config.SinkConfig) (*WarehouseSink, error) {
	db, err := sql.Open("duckdb", cfg.DuckDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping duckdb: %w", err)
	}

	return newWarehouseSink(db, cfg), nil
}

func newWarehouseSink(db *sql.DB, cfg config.SinkConfig) *WarehouseSink {
	return &WarehouseSink{
		db:               db,
		stagingSchema:    cfg.StagingSchema,
		productionSchema: cfg.ProductionSchema,
		retention:        cfg.StagingRetention,
		now:              time.Now,
	}
}

func (s *WarehouseSink) Capabilities() Capabilities {
	return capabilities[config.SinkWarehouse]
}

func (s *WarehouseSink) stagingDaily() string  { return ident(s.stagingSchema) + "." + stagingDailyTable }
func (s *WarehouseSink) stagingHourly() string { return ident(s.stagingSchema) + "." + stagingHourlyTable }
func (s *WarehouseSink) production() string    { return ident(s.productionSchema) + "." + productionDailyTable }

func (s *WarehouseSink) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + ident(s.stagingSchema),
		`CREATE SCHEMA IF NOT EXISTS ` + ident(s.productionSchema),
		`CREATE TABLE IF NOT EXISTS ` + s.stagingDaily() + ` (
			run_id                VARCHAR,
			user_id               BIGINT,
			username              VARCHAR,
			activity_date         DATE,
			total_actions         BIGINT,
			unique_resource_types BIGINT,
			unique_ip_addresses   BIGINT,
			engagement_score      DOUBLE,
			activity_level        VARCHAR,
			loaded_at             TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.stagingHourly() + ` (
			run_id        VARCHAR,
			user_id       BIGINT,
			activity_date DATE,
			hour          BIGINT,
			hourly_count  BIGINT,
			created_at    TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.production() + ` (
			user_id               BIGINT NOT NULL,
			username              VARCHAR,
			activity_date         DATE NOT NULL,
			total_actions         BIGINT,
			unique_resource_types BIGINT,
			unique_ip_addresses   BIGINT,
			engagement_score      DOUBLE,
			activity_level        VARCHAR,
			created_at            TIMESTAMP,
			updated_at            TIMESTAMP,
			PRIMARY KEY (user_id, activity_date)
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure warehouse schema: %w", err)
		}
	}

	return nil
}

// Load appends the batch to the staging tables using the DuckDB appender. Rows
// a previous attempt of the same run left behind are removed first, so a retry
// lands exactly one copy.
func (s *WarehouseSink) Load(ctx context.Context, b Batch) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	if _, err := conn.ExecContext(ctx, `BEGIN TRANSACTION`); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	rollback := func(cause error) error {
		_, _ = conn.ExecContext(context.Background(), `ROLLBACK`)
		return cause
	}

	for _, table := range []string{s.stagingDaily(), s.stagingHourly()} {
		if _, err := conn.ExecContext(ctx, `DELETE FROM `+table+` WHERE run_id = ?`, b.RunID); err != nil {
			return rollback(fmt.Errorf("clear previous attempt from %s: %w", table, err))
		}
	}

	loadedAt := s.now().UTC()
	day := analytics.Day(b.LogicalDate)
	daily := lastWriteWins(b.Daily)

	err = conn.Raw(func(raw any) error {
		driverConn, ok := raw.(driver.Conn)
		if !ok {
			return fmt.Errorf("unexpected raw conn type %T", raw)
		}

		dailyAppender, err := duckdb.NewAppenderFromConn(driverConn, s.stagingSchema, stagingDailyTable)
		if err != nil {
			return fmt.Errorf("create daily appender: %w", err)
		}
		for _, st := range daily {
			var username any
			if st.Username != nil {
				username = *st.Username
			}
			if err := dailyAppender.AppendRow(
				b.RunID,
				st.UserID,
				username,
				analytics.Day(st.ActivityDate),
				st.TotalActions,
				st.UniqueResourceTypes,
				st.UniqueIPAddresses,
				st.EngagementScore,
				string(st.ActivityLevel),
				loadedAt,
			); err != nil {
				_ = dailyAppender.Close()
				return fmt.Errorf("append daily row user=%d: %w", st.UserID, err)
			}
		}
		if err := dailyAppender.Close(); err != nil {
			return fmt.Errorf("flush daily appender: %w", err)
		}

		hourlyAppender, err := duckdb.NewAppenderFromConn(driverConn, s.stagingSchema, stagingHourlyTable)
		if err != nil {
			return fmt.Errorf("create hourly appender: %w", err)
		}
		for _, p := range b.Hourly {
			if err := hourlyAppender.AppendRow(
				b.RunID,
				p.UserID,
				day,
				int64(p.Hour),
				p.HourlyCount,
				loadedAt,
			); err != nil {
				_ = hourlyAppender.Close()
				return fmt.Errorf("append hourly row user=%d hour=%d: %w", p.UserID, p.Hour, err)
			}
		}
		if err := hourlyAppender.Close(); err != nil {
			return fmt.Errorf("flush hourly appender: %w", err)
		}

		return nil
	})
	if err != nil {
		return rollback(err)
	}

	if _, err := conn.ExecContext(ctx, `COMMIT`); err != nil {
		return rollback(fmt.Errorf("commit transaction: %w", err))
	}

	return nil
}

func (s *WarehouseSink) QualityStats(ctx context.Context, scope Scope) (QualityStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(user_id),
			COUNT(total_actions),
			COUNT(*) FILTER (WHERE total_actions < 0 OR engagement_score < 0)
		FROM ` + s.stagingDaily() + `
		WHERE activity_date = CAST(? AS DATE) AND run_id = ?
	`

	var st QualityStats
	err := s.db.QueryRowContext(ctx, query, analytics.FormatDate(scope.LogicalDate), scope.RunID).Scan(
		&st.Total,
		&st.NonNullUserIDs,
		&st.NonNullActions,
		&st.Invalid,
	)
	if err != nil {
		return QualityStats{}, fmt.Errorf("failed to collect quality stats: %w", err)
	}

	return st, nil
}

// Merge reconciles the run's staged daily facts into production keyed by
// (user_id, activity_date). Matched rows keep their created_at.
func (s *WarehouseSink) Merge(ctx context.Context, scope Scope, now time.Time) (int64, error) {
	query := `
		INSERT INTO ` + s.production() + ` (
			user_id, username, activity_date, total_actions,
			unique_resource_types, unique_ip_addresses,
			engagement_score, activity_level, created_at, updated_at
		)
		SELECT
			user_id, username, activity_date, total_actions,
			unique_resource_types, unique_ip_addresses,
			engagement_score, activity_level,
			CAST(? AS TIMESTAMP), CAST(? AS TIMESTAMP)
		FROM ` + s.stagingDaily() + `
		WHERE run_id = ?
		ON CONFLICT (user_id, activity_date) DO UPDATE SET
			total_actions = EXCLUDED.total_actions,
			unique_resource_types = EXCLUDED.unique_resource_types,
			unique_ip_addresses = EXCLUDED.unique_ip_addresses,
			engagement_score = EXCLUDED.engagement_score,
			activity_level = EXCLUDED.activity_level,
			updated_at = EXCLUDED.updated_at
	`

	ts := now.UTC()
	res, err := s.db.ExecContext(ctx, query, ts, ts, scope.RunID)
	if err != nil {
		return 0, fmt.Errorf("failed to merge into production: %w", err)
	}

	n, _ := res.RowsAffected()
	return n, nil
}

// Cleanup trims the staging buffer. Production rows are never pruned here.
func (s *WarehouseSink) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	dateCutoff := analytics.FormatDate(analytics.Day(now).Add(-s.retention))
	tsCutoff := now.UTC().Add(-s.retention)

	var res CleanupResult
	daily, err := s.db.ExecContext(ctx, `DELETE FROM `+s.stagingDaily()+` WHERE activity_date < CAST(? AS DATE)`, dateCutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune staged daily stats: %w", err)
	}
	res.DailyDeleted, _ = daily.RowsAffected()

	hourly, err := s.db.ExecContext(ctx, `DELETE FROM `+s.stagingHourly()+` WHERE created_at < CAST(? AS TIMESTAMP)`, tsCutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune staged hourly pattern: %w", err)
	}
	res.HourlyDeleted, _ = hourly.RowsAffected()

	return res, nil
}

func (s *WarehouseSink) Close() error {
	return s.db.Close()
}
