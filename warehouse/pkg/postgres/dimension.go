package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

const versionColumns = `entity_type, surrogate_key, natural_key, attributes, effective_from, effective_to, is_current, batch_id, expired_by`

// DimensionStore keeps SCD2 versions in the dim_versions table. The partial unique index on
// (entity_type, natural_key) WHERE is_current backs the single-current-version rule.
type DimensionStore struct {
	pool *pgxpool.Pool
}

var _ dimension.Store = (*DimensionStore)(nil)

func NewDimensionStore(pool *pgxpool.Pool) *DimensionStore {
	return &DimensionStore{pool: pool}
}

func (s *DimensionStore) Current(ctx context.Context, t entity.Type, naturalKey string) (*dimension.Version, error) {
	versions, err := s.query(ctx, `SELECT `+versionColumns+` FROM dim_versions
		WHERE entity_type = $1 AND natural_key = $2 AND is_current
		ORDER BY surrogate_key`, t, naturalKey)
	if err != nil {
		return nil, wrap(err, "failed to read current %s %q", t, naturalKey)
	}
	switch len(versions) {
	case 0:
		return nil, nil
	case 1:
		return &versions[0], nil
	default:
		return nil, entity.NewInvariantError(entity.InvariantDuplicateCurrent, t, naturalKey,
			"%d current versions", len(versions))
	}
}

func (s *DimensionStore) AsOf(ctx context.Context, t entity.Type, naturalKey string, at time.Time) (*dimension.Version, error) {
	versions, err := s.query(ctx, `SELECT `+versionColumns+` FROM dim_versions
		WHERE entity_type = $1 AND natural_key = $2
		  AND effective_from <= $3 AND (effective_to IS NULL OR effective_to > $3)
		ORDER BY effective_from DESC, surrogate_key DESC
		LIMIT 2`, t, naturalKey, at.UTC())
	if err != nil {
		return nil, wrap(err, "failed to resolve %s %q as of %s", t, naturalKey, at)
	}
	switch len(versions) {
	case 0:
		return nil, nil
	case 1:
		return &versions[0], nil
	default:
		return nil, entity.NewInvariantError(entity.InvariantAmbiguousResolution, t, naturalKey,
			"versions %d and %d both contain %s", versions[1].SurrogateKey, versions[0].SurrogateKey, at.UTC().Format(time.RFC3339Nano))
	}
}

func (s *DimensionStore) History(ctx context.Context, t entity.Type, naturalKey string) ([]dimension.Version, error) {
	versions, err := s.query(ctx, `SELECT `+versionColumns+` FROM dim_versions
		WHERE entity_type = $1 AND natural_key = $2
		ORDER BY effective_from, surrogate_key`, t, naturalKey)
	if err != nil {
		return nil, wrap(err, "failed to read history of %s %q", t, naturalKey)
	}
	return versions, nil
}

func (s *DimensionStore) HasHistory(ctx context.Context, t entity.Type, naturalKey string) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (
		SELECT 1 FROM dim_versions WHERE entity_type = $1 AND natural_key = $2)`, t, naturalKey).Scan(&ok)
	if err != nil {
		return false, wrap(err, "failed to check history of %s %q", t, naturalKey)
	}
	return ok, nil
}

func (s *DimensionStore) MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error) {
	var maxKey int64
	err := s.pool.QueryRow(ctx, `SELECT COALESCE(MAX(surrogate_key), 0) FROM dim_versions WHERE entity_type = $1`, t).Scan(&maxKey)
	if err != nil {
		return 0, wrap(err, "failed to read max surrogate key of %s", t)
	}
	return maxKey, nil
}

func (s *DimensionStore) BatchVersions(ctx context.Context, batchID string) ([]dimension.Version, error) {
	versions, err := s.query(ctx, `SELECT `+versionColumns+` FROM dim_versions
		WHERE batch_id = $1 OR expired_by = $1
		ORDER BY entity_type, surrogate_key`, batchID)
	if err != nil {
		return nil, wrap(err, "failed to read versions of batch %s", batchID)
	}
	return versions, nil
}

func (s *DimensionStore) Apply(ctx context.Context, m dimension.Mutation) error {
	var attrs []byte
	if m.Insert != nil {
		var err error
		if attrs, err = json.Marshal(m.Insert.Attrs); err != nil {
			return fmt.Errorf("failed to encode attributes of %s %q: %w", m.Type, m.NaturalKey, err)
		}
	}

	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		if m.Expire != nil {
			tag, err := tx.Exec(ctx, `UPDATE dim_versions
				SET effective_to = $4, is_current = FALSE, expired_by = $5
				WHERE entity_type = $1 AND natural_key = $2 AND surrogate_key = $3 AND is_current`,
				m.Type, m.NaturalKey, m.Expire.SurrogateKey, m.Expire.At.UTC(), m.BatchID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() != 1 {
				return fmt.Errorf("%w: %s %q version %d is not current", dimension.ErrConflict, m.Type, m.NaturalKey, m.Expire.SurrogateKey)
			}
		}
		if m.Insert == nil {
			return nil
		}
		v := m.Insert
		_, err := tx.Exec(ctx, `INSERT INTO dim_versions (`+versionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)`,
			m.Type, v.SurrogateKey, m.NaturalKey, attrs, v.EffectiveFrom.UTC(), v.EffectiveTo, v.IsCurrent, m.BatchID)
		switch {
		case isUniqueViolation(err, "dim_versions_current_idx"):
			return entity.NewInvariantError(entity.InvariantDuplicateCurrent, m.Type, m.NaturalKey,
				"insert of version %d would open a second current version", v.SurrogateKey)
		case isUniqueViolation(err, ""):
			return fmt.Errorf("%w: %s surrogate key %d already used", dimension.ErrConflict, m.Type, v.SurrogateKey)
		}
		return err
	})
	if err != nil {
		return wrap(err, "failed to apply %s %q", m.Type, m.NaturalKey)
	}
	return nil
}

func (s *DimensionStore) RevertBatch(ctx context.Context, batchID string) (dimension.RevertCounts, error) {
	var counts dimension.RevertCounts
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		// Delete before reopening so the current index never sees two open versions.
		tag, err := tx.Exec(ctx, `DELETE FROM dim_versions WHERE batch_id = $1`, batchID)
		if err != nil {
			return err
		}
		counts.Deleted = int(tag.RowsAffected())

		tag, err = tx.Exec(ctx, `UPDATE dim_versions
			SET effective_to = NULL, is_current = TRUE, expired_by = NULL
			WHERE expired_by = $1`, batchID)
		if err != nil {
			return err
		}
		counts.Reopened = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return dimension.RevertCounts{}, wrap(err, "failed to revert batch %s", batchID)
	}
	return counts, nil
}

func (s *DimensionStore) query(ctx context.Context, sql string, args ...any) ([]dimension.Version, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []dimension.Version
	for rows.Next() {
		v, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func scanVersion(row pgx.Row) (dimension.Version, error) {
	var (
		v         dimension.Version
		typ       string
		attrs     []byte
		to        *time.Time
		expiredBy *string
	)
	if err := row.Scan(&typ, &v.SurrogateKey, &v.NaturalKey, &attrs, &v.EffectiveFrom, &to, &v.IsCurrent, &v.BatchID, &expiredBy); err != nil {
		return dimension.Version{}, err
	}

	t, err := entity.ParseType(typ)
	if err != nil {
		return dimension.Version{}, err
	}
	tbl, err := entity.Lookup(t)
	if err != nil {
		return dimension.Version{}, err
	}
	var raw map[string]any
	if err := decodeJSON(attrs, &raw); err != nil {
		return dimension.Version{}, fmt.Errorf("failed to decode attributes of %s %d: %w", t, v.SurrogateKey, err)
	}
	if v.Attrs, err = tbl.Decode(raw); err != nil {
		return dimension.Version{}, fmt.Errorf("failed to decode attributes of %s %d: %w", t, v.SurrogateKey, err)
	}

	v.Type = t
	v.EffectiveFrom = v.EffectiveFrom.UTC()
	if to != nil {
		utc := to.UTC()
		v.EffectiveTo = &utc
	}
	if expiredBy != nil {
		v.ExpiredBy = *expiredBy
	}
	return v, nil
}
