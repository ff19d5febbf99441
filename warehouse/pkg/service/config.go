package service

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
)

type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	// Postgres backs every store when set. Without it the warehouse keeps state in memory.
	Postgres                 *pgxpool.Pool
	PostgresMigrationsEnable bool

	// ClickHouse enables publishing committed batches (optional).
	ClickHouse                 clickhouse.Client
	ClickHouseMigrationsEnable bool
	ClickHouseMigrationsConfig clickhouse.MigrationConfig
	ExportWriteBatchSize       int

	// RefreshInterval drains pending batches on a timer. Zero disables the timer.
	RefreshInterval time.Duration
	SettleAfter     time.Duration

	Concurrency int
	OpTimeout   time.Duration
	MaxAttempts int

	// SentryEnabled reports failed batches to Sentry.
	SentryEnabled bool
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.RefreshInterval < 0 {
		return errors.New("refresh interval must not be negative")
	}
	if c.SettleAfter < 0 {
		return errors.New("settle after must not be negative")
	}
	if c.PostgresMigrationsEnable && c.Postgres == nil {
		return errors.New("postgres pool is required when postgres migrations are enabled")
	}
	if c.ClickHouseMigrationsEnable && c.ClickHouse == nil {
		return errors.New("clickhouse client is required when clickhouse migrations are enabled")
	}

	// Optional with defaults
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}
