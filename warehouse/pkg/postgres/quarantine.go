package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
)

// QuarantineSink persists rejected rows. Rewrites of the same (batch, entity, row) replace the
// earlier record.
type QuarantineSink struct {
	pool *pgxpool.Pool
}

var _ quarantine.Sink = (*QuarantineSink)(nil)

func NewQuarantineSink(pool *pgxpool.Pool) *QuarantineSink {
	return &QuarantineSink{pool: pool}
}

func (s *QuarantineSink) Write(ctx context.Context, records []quarantine.Record) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		raw, err := json.Marshal(r.Raw)
		if err != nil {
			return fmt.Errorf("failed to encode quarantined row %d: %w", r.RowIndex, err)
		}
		batch.Queue(`INSERT INTO quarantine
			(batch_id, entity_type, row_index, natural_key, raw_row, reason, detail, quarantined_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (batch_id, entity_type, row_index) DO UPDATE SET
				natural_key = EXCLUDED.natural_key,
				raw_row = EXCLUDED.raw_row,
				reason = EXCLUDED.reason,
				detail = EXCLUDED.detail`,
			r.BatchID, r.EntityType, r.RowIndex, r.NaturalKey, raw, r.Reason, r.Detail, r.QuarantinedAt.UTC())
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return wrap(err, "failed to write %d quarantine records", len(records))
	}
	return nil
}

func (s *QuarantineSink) List(ctx context.Context, batchID string) ([]quarantine.Record, error) {
	rows, err := s.pool.Query(ctx, `SELECT batch_id, entity_type, row_index, natural_key, raw_row, reason, detail, quarantined_at
		FROM quarantine WHERE batch_id = $1 ORDER BY entity_type, row_index`, batchID)
	if err != nil {
		return nil, wrap(err, "failed to list quarantine of batch %s", batchID)
	}
	defer rows.Close()

	var out []quarantine.Record
	for rows.Next() {
		var (
			r      quarantine.Record
			typ    string
			reason string
			raw    []byte
		)
		if err := rows.Scan(&r.BatchID, &typ, &r.RowIndex, &r.NaturalKey, &raw, &reason, &r.Detail, &r.QuarantinedAt); err != nil {
			return nil, wrap(err, "failed to scan quarantine record")
		}
		r.EntityType = entity.Type(typ)
		r.Reason = quarantine.Reason(reason)
		r.QuarantinedAt = r.QuarantinedAt.UTC()
		if err := decodeJSON(raw, &r.Raw); err != nil {
			return nil, fmt.Errorf("failed to decode quarantined row %d: %w", r.RowIndex, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(err, "failed to list quarantine of batch %s", batchID)
	}
	quarantine.Sort(out)
	return out, nil
}
