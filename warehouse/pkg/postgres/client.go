package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

const uniqueViolation = "23505"

// Config holds the Postgres connection settings.
type Config struct {
	DSN      string
	MaxConns int32
}

func (cfg *Config) Validate() error {
	if cfg.DSN == "" {
		return errors.New("postgres dsn is required")
	}
	if cfg.MaxConns < 0 {
		return errors.New("postgres max conns must be non-negative")
	}
	return nil
}

// NewPool opens a connection pool and verifies connectivity.
func NewPool(ctx context.Context, log *slog.Logger, cfg Config) (*pgxpool.Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("postgres pool initialized", "host", poolCfg.ConnConfig.Host, "database", poolCfg.ConnConfig.Database, "maxConns", poolCfg.MaxConns)
	return pool, nil
}

// wrap annotates err and marks driver timeouts so the coordinator retries them.
func wrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if pgconn.Timeout(err) {
		return fmt.Errorf("%s: %w: %w", msg, run.ErrTimeout, err)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func decodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return dec.Decode(v)
}

// inTx runs fn in a transaction that is committed when fn returns nil.
func inTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
