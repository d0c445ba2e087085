// Package config builds the single immutable configuration value shared by every
// pipeline component. It is read once from the process environment at start-up and
// then passed explicitly; no task reads the environment on its own.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type SinkKind string

const (
	SinkRelational SinkKind = "relational"
	SinkWarehouse  SinkKind = "warehouse"
)

type (
	Config struct {
		Environment string
		SourceDSN   string
		HistoryDSN  string
		RedisAddr   string
		Port        string
		Schedule    string
		StagingTTL  time.Duration
		LockTTL     time.Duration
		Sink        SinkConfig
		Retry       RetryConfig
		Notify      NotifyConfig
		Sources     []ActivitySource
	}

	SinkConfig struct {
		Kind                SinkKind
		PostgresDSN         string
		AnalyticsSchema     string
		DuckDBPath          string
		StagingSchema       string
		ProductionSchema    string
		StagingRetention    time.Duration
		ProductionRetention time.Duration
	}

	RetryConfig struct {
		MaxRetries  int
		Delay       time.Duration
		TaskTimeout time.Duration
	}

	NotifyConfig struct {
		APIKey      string
		FromName    string
		FromAddress string
		Recipients  []string
	}

	// ActivitySource is one upstream activity table the extractor reads.
	// IPColumn is optional; when empty an address is synthesised per row.
	ActivitySource struct {
		Table        string
		Action       string
		ResourceType string
		IPColumn     string
	}
)

var ErrInvalidConfig = errors.New("invalid configuration")

func DefaultSources() []ActivitySource {
	return []ActivitySource{
		{Table: "cartdb.cart_items", Action: "cart_action", ResourceType: "cart"},
		{Table: "orderdb.orders", Action: "order_placed", ResourceType: "order"},
	}
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	return load(os.Getenv)
}

// LoadWith is Load with overrides taking precedence over the environment,
// keyed by environment variable name.
func LoadWith(overrides map[string]string) (Config, error) {
	return load(func(key string) string {
		if v, ok := overrides[key]; ok {
			return v
		}
		return os.Getenv(key)
	})
}

func load(getenv func(string) string) (Config, error) {
	env := lookup(getenv)

	cfg := Config{
		Environment: env("ENVIRONMENT", "local"),
		SourceDSN:   env("SOURCE_DSN", ""),
		HistoryDSN:  env("HISTORY_DSN", ""),
		RedisAddr:   env("REDIS_ADDR", "localhost:6379"),
		Port:        env("PORT", "8080"),
		Schedule:    env("ETL_SCHEDULE", "@daily"),
		Sources:     DefaultSources(),
		Sink: SinkConfig{
			PostgresDSN:      env("ANALYTICS_DSN", ""),
			AnalyticsSchema:  env("ANALYTICS_SCHEMA", "analytics"),
			DuckDBPath:       env("DUCKDB_PATH", "analytics.duckdb"),
			StagingSchema:    env("WAREHOUSE_STAGING_SCHEMA", "staging"),
			ProductionSchema: env("WAREHOUSE_SCHEMA", "analytics"),
		},
		Notify: NotifyConfig{
			APIKey:      env("EMAIL_API_KEY", ""),
			FromName:    env("FROM_NAME", "activity-etl"),
			FromAddress: env("FROM_ADDRESS", ""),
			Recipients:  splitCSV(env("ALERT_RECIPIENTS", "")),
		},
	}

	kind, err := sinkKind(cfg.Environment, env("ETL_SINK", ""))
	if err != nil {
		return Config{}, err
	}
	cfg.Sink.Kind = kind

	var errs []error
	parseDuration := func(key, def string) time.Duration {
		d, err := time.ParseDuration(env(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return d
	}
	parseInt := func(key, def string) int {
		n, err := strconv.Atoi(env(key, def))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return n
	}

	cfg.StagingTTL = parseDuration("STAGING_TTL", "168h")
	cfg.LockTTL = parseDuration("RUN_LOCK_TTL", "6h")
	cfg.Retry = RetryConfig{
		MaxRetries:  parseInt("TASK_MAX_RETRIES", "2"),
		Delay:       parseDuration("TASK_RETRY_DELAY", "5m"),
		TaskTimeout: parseDuration("TASK_TIMEOUT", "30m"),
	}
	cfg.Sink.StagingRetention = time.Duration(parseInt("WAREHOUSE_STAGING_RETENTION_DAYS", "7")) * 24 * time.Hour
	cfg.Sink.ProductionRetention = time.Duration(parseInt("RELATIONAL_RETENTION_DAYS", "90")) * 24 * time.Hour

	if len(errs) > 0 {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the fields a pipeline instantiation cannot run without.
func (c Config) Validate() error {
	if c.SourceDSN == "" {
		return fmt.Errorf("%w: SOURCE_DSN is required", ErrInvalidConfig)
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("%w: TASK_MAX_RETRIES must not be negative", ErrInvalidConfig)
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("%w: RUN_LOCK_TTL must be positive", ErrInvalidConfig)
	}

	switch c.Sink.Kind {
	case SinkRelational:
		if c.Sink.PostgresDSN == "" {
			return fmt.Errorf("%w: ANALYTICS_DSN is required for the relational sink", ErrInvalidConfig)
		}
	case SinkWarehouse:
		if c.Sink.DuckDBPath == "" {
			return fmt.Errorf("%w: DUCKDB_PATH is required for the warehouse sink", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown sink %q", ErrInvalidConfig, c.Sink.Kind)
	}

	return nil
}

// sinkKind maps the deployment environment onto a sink. An explicit ETL_SINK wins.
func sinkKind(environment, explicit string) (SinkKind, error) {
	if explicit != "" {
		switch k := SinkKind(strings.ToLower(explicit)); k {
		case SinkRelational, SinkWarehouse:
			return k, nil
		default:
			return "", fmt.Errorf("%w: unknown ETL_SINK %q", ErrInvalidConfig, explicit)
		}
	}

	switch environment {
	case "local":
		return SinkRelational, nil
	case "production":
		return SinkWarehouse, nil
	default:
		return "", fmt.Errorf("%w: unknown ENVIRONMENT %q", ErrInvalidConfig, environment)
	}
}

func lookup(getenv func(string) string) func(key, def string) string {
	return func(key, def string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return def
	}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
