package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
)

func createClickHouseDatabase(ctx context.Context, log *slog.Logger, addr, database, username, password string, secure bool) error {
	adminClient, err := clickhouse.NewClient(ctx, log, addr, "default", username, password, secure)
	if err != nil {
		return fmt.Errorf("failed to create admin ClickHouse client: %w", err)
	}
	defer adminClient.Close()

	adminConn, err := adminClient.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get admin ClickHouse connection: %w", err)
	}
	if err := clickhouse.CreateDatabase(ctx, log, adminConn, database); err != nil {
		return fmt.Errorf("failed to create database %s: %w", database, err)
	}
	return nil
}
