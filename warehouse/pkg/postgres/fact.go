package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
)

const factColumns = `entity_type, surrogate_key, natural_key, batch_id, business_time, date_key, time_key, parent_key, keys, measures, created_at`

// FactStore keeps immutable fact rows keyed by (entity_type, natural_key).
type FactStore struct {
	pool *pgxpool.Pool
}

var _ fact.Store = (*FactStore)(nil)

func NewFactStore(pool *pgxpool.Pool) *FactStore {
	return &FactStore{pool: pool}
}

func (s *FactStore) Get(ctx context.Context, t entity.Type, naturalKey string) (*fact.Row, error) {
	rows, err := s.query(ctx, `SELECT `+factColumns+` FROM facts WHERE entity_type = $1 AND natural_key = $2`, t, naturalKey)
	if err != nil {
		return nil, wrap(err, "failed to read %s fact %q", t, naturalKey)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *FactStore) Insert(ctx context.Context, rows []fact.Row) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range rows {
		keys, err := json.Marshal(r.Keys)
		if err != nil {
			return 0, fmt.Errorf("failed to encode keys of %s %q: %w", r.Type, r.NaturalKey, err)
		}
		measures, err := json.Marshal(r.Measures)
		if err != nil {
			return 0, fmt.Errorf("failed to encode measures of %s %q: %w", r.Type, r.NaturalKey, err)
		}
		batch.Queue(`INSERT INTO facts (`+factColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (entity_type, natural_key) DO NOTHING`,
			r.Type, r.SurrogateKey, r.NaturalKey, r.BatchID, r.BusinessTime.UTC(), r.DateKey, r.TimeKey,
			r.ParentKey, keys, measures, r.CreatedAt.UTC())
	}

	n := 0
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range rows {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			n += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, wrap(err, "failed to insert %d facts", len(rows))
	}
	return n, nil
}

func (s *FactStore) BatchRows(ctx context.Context, batchID string) ([]fact.Row, error) {
	rows, err := s.query(ctx, `SELECT `+factColumns+` FROM facts WHERE batch_id = $1
		ORDER BY entity_type, surrogate_key`, batchID)
	if err != nil {
		return nil, wrap(err, "failed to read facts of batch %s", batchID)
	}
	return rows, nil
}

func (s *FactStore) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM facts WHERE batch_id = $1`, batchID)
	if err != nil {
		return 0, wrap(err, "failed to delete facts of batch %s", batchID)
	}
	return int(tag.RowsAffected()), nil
}

func (s *FactStore) MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error) {
	var maxKey int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(surrogate_key), 0) FROM facts WHERE entity_type = $1`, t).Scan(&maxKey)
	if err != nil {
		return 0, wrap(err, "failed to read max fact key of %s", t)
	}
	return maxKey, nil
}

func (s *FactStore) query(ctx context.Context, sql string, args ...any) ([]fact.Row, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []fact.Row
	for rows.Next() {
		var (
			r        fact.Row
			typ      string
			keys     []byte
			measures []byte
		)
		if err := rows.Scan(&typ, &r.SurrogateKey, &r.NaturalKey, &r.BatchID, &r.BusinessTime, &r.DateKey, &r.TimeKey,
			&r.ParentKey, &keys, &measures, &r.CreatedAt); err != nil {
			return nil, err
		}
		if r.Type, err = entity.ParseType(typ); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(keys, &r.Keys); err != nil {
			return nil, fmt.Errorf("failed to decode keys of %s %q: %w", r.Type, r.NaturalKey, err)
		}
		if r.Measures, err = decodeMeasures(r.Type, measures); err != nil {
			return nil, fmt.Errorf("failed to decode measures of %s %q: %w", r.Type, r.NaturalKey, err)
		}
		r.BusinessTime = r.BusinessTime.UTC()
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// decodeMeasures restores column types for schema columns. Derived measures are integers when
// they fit, floats otherwise.
func decodeMeasures(t entity.Type, data []byte) (entity.Attributes, error) {
	tbl, err := entity.Lookup(t)
	if err != nil {
		return nil, err
	}
	var raw map[string]any
	if err := decodeJSON(data, &raw); err != nil {
		return nil, err
	}

	out := make(entity.Attributes, len(raw))
	for k, v := range raw {
		if col, ok := tbl.Column(k); ok {
			if out[k], err = col.Coerce(v); err != nil {
				return nil, err
			}
			continue
		}
		n, ok := v.(json.Number)
		if !ok {
			out[k] = v
			continue
		}
		if i, err := n.Int64(); err == nil {
			out[k] = i
		} else if f, err := n.Float64(); err == nil {
			out[k] = f
		} else {
			return nil, fmt.Errorf("measure %s: %w", k, err)
		}
	}
	return out, nil
}
