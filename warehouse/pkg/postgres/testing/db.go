package postgrestesting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/malbeclabs/fooddw/warehouse/pkg/postgres"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	dsn       string
	container *tcpostgres.PostgresContainer
}

// DSN returns the connection string of the container's default database.
func (db *DB) DSN() string {
	return db.dsn
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate Postgres container", "error", err)
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "postgres"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// NewDB creates a new Postgres testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcpostgres.PostgresContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = runContainer(func() (*tcpostgres.PostgresContainer, error) {
			return tcpostgres.Run(ctx,
				cfg.ContainerImage,
				tcpostgres.WithDatabase(cfg.Database),
				tcpostgres.WithUsername(cfg.Username),
				tcpostgres.WithPassword(cfg.Password),
				tcpostgres.BasicWaitStrategies(),
			)
		})
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrContainerRuntimeUnavailable) {
				return nil, err
			}
			if isRetryableContainerStartErr(err) && attempt < 3 {
				time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
				continue
			}
			return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start Postgres container after retries: %w", lastErr)
	}

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get Postgres connection string: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		dsn:       dsn,
		container: container,
	}, nil
}

// NewTestPool creates a fresh migrated database on the shared container and returns a pool
// connected to it. The database is dropped when the test ends.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	t.Helper()
	ctx := t.Context()

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := pgxpool.New(ctx, db.dsn)
	require.NoError(t, err, "failed to connect to Postgres admin database")
	_, err = admin.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", databaseName))
	require.NoError(t, err, "failed to create test database")

	poolCfg, err := pgxpool.ParseConfig(db.dsn)
	require.NoError(t, err)
	poolCfg.ConnConfig.Database = databaseName
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	require.NoError(t, err, "failed to connect to test database")

	require.NoError(t, postgres.RunMigrations(ctx, db.log, pool))

	t.Cleanup(func() {
		pool.Close()
		_, _ = admin.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		admin.Close()
	})
	return pool
}

// ErrContainerRuntimeUnavailable is returned when no Docker host can be found.
var ErrContainerRuntimeUnavailable = errors.New("container runtime unavailable")

// runContainer converts the panic testcontainers raises when it cannot find a Docker host into
// ErrContainerRuntimeUnavailable.
func runContainer[T any](run func() (T, error)) (container T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrContainerRuntimeUnavailable, r)
		}
	}()
	return run()
}

func isRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
