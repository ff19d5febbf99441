package clickhouse

import (
	"context"
	"fmt"
	"log/slog"
)

const defaultWriteBatchSize = 50_000

// Table describes an insert target. Rows passed to WriteBatch must follow Columns.
type Table struct {
	Name    string
	Columns []string

	// WriteBatchSize overrides the default sub-batch size for WriteBatch.
	// If zero, defaults to 50,000 rows.
	WriteBatchSize int
}

// WriteBatch writes count rows produced by writeRowFn using PrepareBatch. Large batches are split
// into sub-batches.
func (t *Table) WriteBatch(
	ctx context.Context,
	log *slog.Logger,
	conn Connection,
	count int,
	writeRowFn func(int) ([]any, error),
) error {
	if count == 0 {
		return nil
	}
	if t.Name == "" || len(t.Columns) == 0 {
		return fmt.Errorf("table name and columns are required")
	}

	batchSize := defaultWriteBatchSize
	if t.WriteBatchSize > 0 {
		batchSize = t.WriteBatchSize
	}

	log.Debug("writing batch", "table", t.Name, "count", count, "batchSize", batchSize)

	insertSQL := fmt.Sprintf("INSERT INTO %s", t.Name)
	expectedColCount := len(t.Columns)

	for start := 0; start < count; start += batchSize {
		end := min(start+batchSize, count)

		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during batch insert: %w", ctx.Err())
		default:
		}

		batch, err := conn.PrepareBatch(ctx, insertSQL)
		if err != nil {
			return fmt.Errorf("failed to prepare batch: %w", err)
		}

		for i := start; i < end; i++ {
			row, err := writeRowFn(i)
			if err != nil {
				_ = batch.Close()
				return fmt.Errorf("failed to get row data %d: %w", i, err)
			}

			if len(row) != expectedColCount {
				_ = batch.Close()
				return fmt.Errorf("row %d has %d columns, expected exactly %d", i, len(row), expectedColCount)
			}

			if err := batch.Append(row...); err != nil {
				_ = batch.Close()
				return fmt.Errorf("failed to append row %d: %w", i, err)
			}
		}

		if err := batch.Send(); err != nil {
			return fmt.Errorf("failed to send batch: %w", err)
		}

		log.Debug("wrote sub-batch", "table", t.Name, "start", start, "end", end, "total", count)
	}

	return nil
}
