package sink

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/activity-etl/internal/analytics"
	"github.com/nadmax/activity-etl/internal/config"
)

// RelationalSink loads straight into the Postgres analytics schema.
type RelationalSink struct {
	db        *sql.DB
	schema    string
	retention time.Duration
}

func NewRelationalSink(cfg config.SinkConfig) (*RelationalSink, error) {
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	return newRelationalSink(db, cfg), nil
}

func newRelationalSink(db *sql.DB, cfg config.SinkConfig) *RelationalSink {
	return &RelationalSink{
		db:        db,
		schema:    cfg.AnalyticsSchema,
		retention: cfg.ProductionRetention,
	}
}

func (s *RelationalSink) Capabilities() Capabilities {
	return capabilities[config.SinkRelational]
}

func (s *RelationalSink) dailyTable() string  { return ident(s.schema) + ".daily_user_stats" }
func (s *RelationalSink) hourlyTable() string { return ident(s.schema) + ".hourly_user_pattern" }

func (s *RelationalSink) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + ident(s.schema),
		`CREATE TABLE IF NOT EXISTS ` + s.dailyTable() + ` (
			user_id               BIGINT NOT NULL,
			username              VARCHAR(100),
			activity_date         DATE NOT NULL,
			total_actions         BIGINT,
			unique_resource_types BIGINT,
			unique_ip_addresses   BIGINT,
			engagement_score      DOUBLE PRECISION,
			activity_level        VARCHAR(20),
			created_at            TIMESTAMPTZ DEFAULT NOW(),
			updated_at            TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (user_id, activity_date)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + s.hourlyTable() + ` (
			user_id       BIGINT NOT NULL,
			activity_date DATE NOT NULL,
			hour          INTEGER NOT NULL,
			hourly_count  BIGINT NOT NULL,
			created_at    TIMESTAMPTZ DEFAULT NOW()
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure analytics schema: %w", err)
		}
	}

	return nil
}

// Load upserts the daily facts and replaces the hourly pattern for the run's
// date in one transaction. Both operations can be repeated verbatim.
func (s *RelationalSink) Load(ctx context.Context, b Batch) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin load transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("failed to roll back load transaction: %v", rbErr)
			}
		}
	}()

	if err = s.upsertDaily(ctx, tx, lastWriteWins(b.Daily)); err != nil {
		return err
	}

	if err = s.replaceHourly(ctx, tx, b.LogicalDate, b.Hourly); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit load transaction: %w", err)
	}

	return nil
}

func (s *RelationalSink) upsertDaily(ctx context.Context, tx *sql.Tx, stats []analytics.DailyUserStat) error {
	if len(stats) == 0 {
		return nil
	}

	n := len(stats)
	userIDs := make([]int64, 0, n)
	usernames := make([]sql.NullString, 0, n)
	dates := make([]string, 0, n)
	totals := make([]int64, 0, n)
	types := make([]int64, 0, n)
	ips := make([]int64, 0, n)
	scores := make([]float64, 0, n)
	levels := make([]string, 0, n)
	for _, st := range stats {
		userIDs = append(userIDs, st.UserID)
		username := sql.NullString{}
		if st.Username != nil {
			username = sql.NullString{String: *st.Username, Valid: true}
		}
		usernames = append(usernames, username)
		dates = append(dates, analytics.FormatDate(st.ActivityDate))
		totals = append(totals, st.TotalActions)
		types = append(types, st.UniqueResourceTypes)
		ips = append(ips, st.UniqueIPAddresses)
		scores = append(scores, st.EngagementScore)
		levels = append(levels, string(st.ActivityLevel))
	}

	query := `
		INSERT INTO ` + s.dailyTable() + ` (
			user_id, username, activity_date, total_actions,
			unique_resource_types, unique_ip_addresses,
			engagement_score, activity_level, created_at, updated_at
		)
		SELECT u.user_id, u.username, u.activity_date, u.total_actions,
			u.unique_resource_types, u.unique_ip_addresses,
			u.engagement_score, u.activity_level, NOW(), NOW()
		FROM unnest(
			$1::bigint[], $2::text[], $3::date[], $4::bigint[],
			$5::bigint[], $6::bigint[], $7::double precision[], $8::text[]
		) AS u(user_id, username, activity_date, total_actions,
			unique_resource_types, unique_ip_addresses,
			engagement_score, activity_level)
		ON CONFLICT (user_id, activity_date) DO UPDATE SET
			username = EXCLUDED.username,
			total_actions = EXCLUDED.total_actions,
			unique_resource_types = EXCLUDED.unique_resource_types,
			unique_ip_addresses = EXCLUDED.unique_ip_addresses,
			engagement_score = EXCLUDED.engagement_score,
			activity_level = EXCLUDED.activity_level,
			updated_at = NOW()
	`

	if _, err := tx.ExecContext(
		ctx,
		query,
		pq.Array(userIDs),
		pq.Array(usernames),
		pq.Array(dates),
		pq.Array(totals),
		pq.Array(types),
		pq.Array(ips),
		pq.Array(scores),
		pq.Array(levels),
	); err != nil {
		return fmt.Errorf("failed to upsert daily user stats: %w", err)
	}

	return nil
}

func (s *RelationalSink) replaceHourly(ctx context.Context, tx *sql.Tx, date time.Time, patterns []analytics.HourlyUserPattern) error {
	day := analytics.FormatDate(date)

	if _, err := tx.ExecContext(ctx, `DELETE FROM `+s.hourlyTable()+` WHERE activity_date = $1::date`, day); err != nil {
		return fmt.Errorf("failed to clear hourly user pattern: %w", err)
	}

	if len(patterns) == 0 {
		return nil
	}

	n := len(patterns)
	userIDs := make([]int64, 0, n)
	hours := make([]int64, 0, n)
	counts := make([]int64, 0, n)
	for _, p := range patterns {
		userIDs = append(userIDs, p.UserID)
		hours = append(hours, int64(p.Hour))
		counts = append(counts, p.HourlyCount)
	}

	query := `
		INSERT INTO ` + s.hourlyTable() + ` (user_id, activity_date, hour, hourly_count)
		SELECT u.user_id, $1::date, u.hour, u.hourly_count
		FROM unnest($2::bigint[], $3::int[], $4::bigint[]) AS u(user_id, hour, hourly_count)
	`

	if _, err := tx.ExecContext(ctx, query, day, pq.Array(userIDs), pq.Array(hours), pq.Array(counts)); err != nil {
		return fmt.Errorf("failed to insert hourly user pattern: %w", err)
	}

	return nil
}

func (s *RelationalSink) QualityStats(ctx context.Context, scope Scope) (QualityStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(user_id),
			COUNT(total_actions),
			COUNT(*) FILTER (WHERE total_actions < 0 OR engagement_score < 0)
		FROM ` + s.dailyTable() + `
		WHERE activity_date = $1::date
	`

	var st QualityStats
	err := s.db.QueryRowContext(ctx, query, analytics.FormatDate(scope.LogicalDate)).Scan(
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

// Cleanup removes production rows older than the retention window.
func (s *RelationalSink) Cleanup(ctx context.Context, now time.Time) (CleanupResult, error) {
	cutoff := analytics.FormatDate(analytics.Day(now).Add(-s.retention))

	var res CleanupResult
	daily, err := s.db.ExecContext(ctx, `DELETE FROM `+s.dailyTable()+` WHERE activity_date < $1::date`, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune daily user stats: %w", err)
	}
	res.DailyDeleted, _ = daily.RowsAffected()

	hourly, err := s.db.ExecContext(ctx, `DELETE FROM `+s.hourlyTable()+` WHERE activity_date < $1::date`, cutoff)
	if err != nil {
		return res, fmt.Errorf("failed to prune hourly user pattern: %w", err)
	}
	res.HourlyDeleted, _ = hourly.RowsAffected()

	return res, nil
}

func (s *RelationalSink) Close() error {
	return s.db.Close()
}
