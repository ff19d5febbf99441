package clickhousetesting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	tcch "github.com/testcontainers/testcontainers-go/modules/clickhouse"

	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
)

type DBConfig struct {
	Database       string
	Username       string
	Password       string
	Port           string
	ContainerImage string
}

type DB struct {
	log       *slog.Logger
	cfg       *DBConfig
	addr      string
	container *tcch.ClickHouseContainer
}

// Addr returns the ClickHouse native protocol address (host:port).
func (db *DB) Addr() string {
	return db.addr
}

func (db *DB) Close() {
	terminateCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(terminateCtx); err != nil {
		db.log.Error("failed to terminate ClickHouse container", "error", err)
	}
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "test"
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Password == "" {
		cfg.Password = "password"
	}
	if cfg.Port == "" {
		cfg.Port = "9000"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "clickhouse/clickhouse-server:latest"
	}
	return nil
}

// NewDB creates a new ClickHouse testcontainer.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate ClickHouse DB config: %w", err)
	}

	// Retry container start up to 3 times for retryable errors
	var container *tcch.ClickHouseContainer
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		var err error
		container, err = runContainer(func() (*tcch.ClickHouseContainer, error) {
			return tcch.Run(ctx,
				cfg.ContainerImage,
				tcch.WithDatabase(cfg.Database),
				tcch.WithUsername(cfg.Username),
				tcch.WithPassword(cfg.Password),
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
			return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
		}
		break
	}

	if container == nil {
		return nil, fmt.Errorf("failed to start ClickHouse container after retries: %w", lastErr)
	}

	host, err := container.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container host: %w", err)
	}

	port := nat.Port(fmt.Sprintf("%s/tcp", cfg.Port))
	mappedPort, err := container.MappedPort(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("failed to get ClickHouse container mapped port: %w", err)
	}

	return &DB{
		log:       log,
		cfg:       cfg,
		addr:      fmt.Sprintf("%s:%s", host, mappedPort.Port()),
		container: container,
	}, nil
}

// NewTestClient creates a migrated database unique to the test and returns a client for it.
func NewTestClient(t *testing.T, db *DB) clickhouse.Client {
	t.Helper()
	ctx := t.Context()

	databaseName := "test_" + strings.ReplaceAll(uuid.New().String(), "-", "")

	admin, err := clickhouse.NewClient(ctx, db.log, db.addr, db.cfg.Database, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse admin client")
	adminConn, err := admin.Conn(ctx)
	require.NoError(t, err)
	require.NoError(t, clickhouse.CreateDatabase(ctx, db.log, adminConn, databaseName))

	require.NoError(t, clickhouse.RunMigrations(ctx, db.log, clickhouse.MigrationConfig{
		Addr:     db.addr,
		Database: databaseName,
		Username: db.cfg.Username,
		Password: db.cfg.Password,
	}))

	client, err := clickhouse.NewClient(ctx, db.log, db.addr, databaseName, db.cfg.Username, db.cfg.Password, false)
	require.NoError(t, err, "failed to create ClickHouse test client")

	t.Cleanup(func() {
		client.Close()
		_ = adminConn.Exec(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", databaseName))
		admin.Close()
	})
	return client
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
