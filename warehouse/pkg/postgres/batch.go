package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

// BatchStore keeps batch provenance and raw rows. The batch record is stored as JSON next to the
// columns the coordinator filters and orders on.
type BatchStore struct {
	pool *pgxpool.Pool
}

var _ run.Store = (*BatchStore)(nil)

func NewBatchStore(pool *pgxpool.Pool) *BatchStore {
	return &BatchStore{pool: pool}
}

func (s *BatchStore) CreateBatch(ctx context.Context, b run.Batch) (run.Batch, error) {
	record, err := json.Marshal(b)
	if err != nil {
		return run.Batch{}, fmt.Errorf("failed to encode batch %s: %w", b.ID, err)
	}
	err = s.pool.QueryRow(ctx, `INSERT INTO batches (batch_id, ingested_at, state, record, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (batch_id) DO NOTHING
		RETURNING seq`, b.ID, b.IngestedAt.UTC(), b.State, record, b.UpdatedAt.UTC()).Scan(&b.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Batch{}, fmt.Errorf("%w: %s", run.ErrExists, b.ID)
	}
	if err != nil {
		return run.Batch{}, wrap(err, "failed to create batch %s", b.ID)
	}
	return b, nil
}

func (s *BatchStore) GetBatch(ctx context.Context, id string) (run.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT seq, record FROM batches WHERE batch_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return run.Batch{}, fmt.Errorf("%w: %s", run.ErrNotFound, id)
	}
	if err != nil {
		return run.Batch{}, wrap(err, "failed to read batch %s", id)
	}
	return b, nil
}

func (s *BatchStore) UpdateBatch(ctx context.Context, b run.Batch) error {
	record, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", b.ID, err)
	}
	tag, err := s.pool.Exec(ctx, `UPDATE batches SET state = $2, record = $3, updated_at = $4 WHERE batch_id = $1`,
		b.ID, b.State, record, b.UpdatedAt.UTC())
	if err != nil {
		return wrap(err, "failed to update batch %s", b.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", run.ErrNotFound, b.ID)
	}
	return nil
}

func (s *BatchStore) ListBatches(ctx context.Context, includeTerminal bool) ([]run.Batch, error) {
	rows, err := s.pool.Query(ctx, `SELECT seq, record FROM batches
		WHERE $1 OR state NOT IN ($2, $3)
		ORDER BY seq`, includeTerminal, run.StateCommitted, run.StateCancelled)
	if err != nil {
		return nil, wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var out []run.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, wrap(err, "failed to scan batch")
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to list batches")
	}
	return out, nil
}

func (s *BatchStore) LastBatch(ctx context.Context) (*run.Batch, error) {
	b, err := scanBatch(s.pool.QueryRow(ctx, `SELECT seq, record FROM batches ORDER BY seq DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap(err, "failed to read last batch")
	}
	return &b, nil
}

func (s *BatchStore) AppendRows(ctx context.Context, batchID string, rows []entity.RawRow) error {
	if len(rows) == 0 {
		return nil
	}
	source := make([][]any, len(rows))
	for i, r := range rows {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("failed to encode row %d of batch %s: %w", r.Index, batchID, err)
		}
		source[i] = []any{batchID, r.Index, string(r.Type), fields}
	}

	_, err := s.pool.CopyFrom(ctx,
		pgx.Identifier{"batch_rows"},
		[]string{"batch_id", "row_index", "entity_type", "fields"},
		pgx.CopyFromRows(source),
	)
	if err != nil {
		return wrap(err, "failed to append %d rows to batch %s", len(rows), batchID)
	}
	return nil
}

func (s *BatchStore) Rows(ctx context.Context, batchID string) ([]entity.RawRow, error) {
	rows, err := s.pool.Query(ctx, `SELECT row_index, entity_type, fields FROM batch_rows
		WHERE batch_id = $1 ORDER BY row_index`, batchID)
	if err != nil {
		return nil, wrap(err, "failed to read rows of batch %s", batchID)
	}
	defer rows.Close()

	var out []entity.RawRow
	for rows.Next() {
		var (
			r      entity.RawRow
			typ    string
			fields []byte
		)
		if err := rows.Scan(&r.Index, &typ, &fields); err != nil {
			return nil, wrap(err, "failed to scan row of batch %s", batchID)
		}
		r.Type = entity.Type(typ)
		if err := decodeJSON(fields, &r.Fields); err != nil {
			return nil, fmt.Errorf("failed to decode row %d of batch %s: %w", r.Index, batchID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to read rows of batch %s", batchID)
	}
	return out, nil
}

func scanBatch(row pgx.Row) (run.Batch, error) {
	var (
		seq    int64
		record []byte
		b      run.Batch
	)
	if err := row.Scan(&seq, &record); err != nil {
		return run.Batch{}, err
	}
	if err := json.Unmarshal(record, &b); err != nil {
		return run.Batch{}, fmt.Errorf("failed to decode batch record: %w", err)
	}
	b.Seq = seq
	return b, nil
}
