package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
	"github.com/malbeclabs/fooddw/warehouse/pkg/metrics"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
)

var (
	dimensionTable = clickhouse.Table{
		Name: "dim_versions",
		Columns: []string{
			"entity_type", "surrogate_key", "natural_key", "attributes", "effective_from", "effective_to",
			"is_current", "batch_id", "expired_by", "op_id", "exported_at",
		},
	}
	factTable = clickhouse.Table{
		Name: "facts",
		Columns: []string{
			"entity_type", "surrogate_key", "natural_key", "batch_id", "business_time", "date_key", "time_key",
			"parent_key", "keys", "measures", "created_at", "op_id", "exported_at",
		},
	}
)

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	ClickHouse clickhouse.Client
	Dimensions dimension.Store
	Facts      fact.Store

	// WriteBatchSize bounds the rows sent per insert. Zero uses the client default.
	WriteBatchSize int
	// OpTimeout bounds each store read and each table write.
	OpTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.ClickHouse == nil {
		return errors.New("clickhouse client is required")
	}
	if cfg.Dimensions == nil {
		return errors.New("dimension store is required")
	}
	if cfg.Facts == nil {
		return errors.New("fact store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = dimension.DefaultOpTimeout
	}
	return nil
}

// Exporter publishes the dimension versions and facts of a batch to ClickHouse. Tables use
// ReplacingMergeTree keyed on exported_at, so re-exporting a batch replaces the earlier rows and
// picks up versions the batch expired.
type Exporter struct {
	log *slog.Logger
	cfg Config
}

var _ run.Committer = (*Exporter)(nil)

func New(cfg Config) (*Exporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Exporter{log: cfg.Logger, cfg: cfg}, nil
}

func (e *Exporter) Name() string {
	return "clickhouse"
}

func (e *Exporter) Commit(ctx context.Context, b run.Batch) (err error) {
	start := e.cfg.Clock.Now()
	defer func() {
		metrics.RecordExport(e.cfg.Clock.Since(start), err)
	}()

	var versions []dimension.Version
	if err := e.withTimeout(ctx, func(ctx context.Context) (err error) {
		versions, err = e.cfg.Dimensions.BatchVersions(ctx, b.ID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to read dimension versions: %w", err)
	}
	var facts []fact.Row
	if err := e.withTimeout(ctx, func(ctx context.Context) (err error) {
		facts, err = e.cfg.Facts.BatchRows(ctx, b.ID)
		return err
	}); err != nil {
		return fmt.Errorf("failed to read facts: %w", err)
	}

	conn, err := e.cfg.ClickHouse.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to get ClickHouse connection: %w", err)
	}
	defer conn.Close()

	exportedAt := e.cfg.Clock.Now().UTC()

	dims := dimensionTable
	dims.WriteBatchSize = e.cfg.WriteBatchSize
	if err := e.withTimeout(ctx, func(ctx context.Context) error {
		return dims.WriteBatch(ctx, e.log, conn, len(versions), func(i int) ([]any, error) {
			return versionRow(versions[i], b.LastOpID, exportedAt)
		})
	}); err != nil {
		return fmt.Errorf("failed to export dimension versions: %w", err)
	}

	facttbl := factTable
	facttbl.WriteBatchSize = e.cfg.WriteBatchSize
	if err := e.withTimeout(ctx, func(ctx context.Context) error {
		return facttbl.WriteBatch(ctx, e.log, conn, len(facts), func(i int) ([]any, error) {
			return factRow(facts[i], b.LastOpID, exportedAt)
		})
	}); err != nil {
		return fmt.Errorf("failed to export facts: %w", err)
	}

	e.log.Info("export: batch published", "batch_id", b.ID, "versions", len(versions), "facts", len(facts), "op_id", b.LastOpID)
	return nil
}

// withTimeout runs fn under OpTimeout. Hitting that deadline while ctx is live is reported as
// run.ErrTimeout so the commit step is retried.
func (e *Exporter) withTimeout(ctx context.Context, fn func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()
	err := fn(opCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", run.ErrTimeout, err)
	}
	return err
}

func versionRow(v dimension.Version, opID string, exportedAt time.Time) ([]any, error) {
	attrs, err := json.Marshal(v.Attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode attributes of %s %d: %w", v.Type, v.SurrogateKey, err)
	}
	return []any{
		string(v.Type),
		v.SurrogateKey,
		v.NaturalKey,
		string(attrs),
		v.EffectiveFrom,
		v.EffectiveTo,
		v.IsCurrent,
		v.BatchID,
		v.ExpiredBy,
		opID,
		exportedAt,
	}, nil
}

func factRow(r fact.Row, opID string, exportedAt time.Time) ([]any, error) {
	measures, err := json.Marshal(r.Measures)
	if err != nil {
		return nil, fmt.Errorf("failed to encode measures of %s %q: %w", r.Type, r.NaturalKey, err)
	}
	keys := r.Keys
	if keys == nil {
		keys = map[string]int64{}
	}
	return []any{
		string(r.Type),
		r.SurrogateKey,
		r.NaturalKey,
		r.BatchID,
		r.BusinessTime,
		uint32(r.DateKey),
		uint16(r.TimeKey),
		r.ParentKey,
		keys,
		string(measures),
		r.CreatedAt,
		opID,
		exportedAt,
	}, nil
}
