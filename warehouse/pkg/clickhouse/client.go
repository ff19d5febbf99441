package clickhouse

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff/v4"
)

const (
	pingAttempts        = 3
	pingInitialInterval = 500 * time.Millisecond
)

// Client is a pooled ClickHouse connection.
type Client interface {
	Conn(ctx context.Context) (Connection, error)
	Close() error
}

// Connection is the subset of the native driver used by the warehouse.
type Connection interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (driver.Rows, error)
	PrepareBatch(ctx context.Context, query string, opts ...driver.PrepareBatchOption) (driver.Batch, error)
	Close() error
}

var _ Connection = (*connection)(nil)

type client struct {
	conn driver.Conn
	log  *slog.Logger
}

// connection borrows the client's pool. Closing it does not close the pool.
type connection struct {
	driver.Conn
}

func (c *connection) Close() error {
	return nil
}

// NewClient opens a ClickHouse client and verifies connectivity.
func NewClient(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) (Client, error) {
	options := &clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: database,
			Username: username,
			Password: password,
		},
		DialTimeout:     5 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	}
	if secure {
		options.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	// Test the connection with retries
	if err := ping(ctx, log, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse after retries: %w", err)
	}

	log.Debug("clickhouse client connected", "addr", addr, "database", database)
	return &client{conn: conn, log: log}, nil
}

// ping retries with backoff and gives up early when ctx is done.
func ping(ctx context.Context, log *slog.Logger, conn driver.Conn) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = pingInitialInterval
	bo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, pingAttempts-1), ctx)
	return backoff.RetryNotify(func() error {
		return conn.Ping(ctx)
	}, policy, func(err error, wait time.Duration) {
		log.Warn("clickhouse ping failed, retrying", "backoff", wait, "error", err)
	})
}

func (c *client) Conn(ctx context.Context) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &connection{Conn: c.conn}, nil
}

func (c *client) Close() error {
	return c.conn.Close()
}

func CreateDatabase(ctx context.Context, log *slog.Logger, conn Connection, database string) error {
	log.Info("creating ClickHouse database", "database", database)
	return conn.Exec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS %s", database))
}
