package fact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"golang.org/x/sync/errgroup"
)

const DefaultBuildConcurrency = 8

type BuilderConfig struct {
	Logger      *slog.Logger
	Clock       clockwork.Clock
	Resolver    *Resolver
	Facts       Store
	Allocator   *dimension.Allocator
	Concurrency int
	OpTimeout   time.Duration
}

func (c *BuilderConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Resolver == nil {
		return errors.New("resolver is required")
	}
	if c.Facts == nil {
		return errors.New("fact store is required")
	}
	if c.Allocator == nil {
		return errors.New("allocator is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultBuildConcurrency
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = dimension.DefaultOpTimeout
	}
	return nil
}

type BuildCounts struct {
	Facts                int `json:"facts"`
	Duplicates           int `json:"duplicates,omitempty"`
	NoneReferences       int `json:"none_references,omitempty"`
	UnknownReferences    int `json:"unknown_references,omitempty"`
	OutOfRangeReferences int `json:"out_of_range_references,omitempty"`
	UnknownParents       int `json:"unknown_parents,omitempty"`
	// Unresolved counts unknown and out-of-range references per dimension.
	Unresolved map[entity.Type]int `json:"unresolved,omitempty"`
	// ByType counts facts written per transaction type.
	ByType map[entity.Type]int `json:"by_type,omitempty"`
}

func (c *BuildCounts) merge(o BuildCounts) {
	c.Facts += o.Facts
	c.Duplicates += o.Duplicates
	c.NoneReferences += o.NoneReferences
	c.UnknownReferences += o.UnknownReferences
	c.OutOfRangeReferences += o.OutOfRangeReferences
	c.UnknownParents += o.UnknownParents
	for k, v := range o.Unresolved {
		if c.Unresolved == nil {
			c.Unresolved = make(map[entity.Type]int)
		}
		c.Unresolved[k] += v
	}
	for k, v := range o.ByType {
		if c.ByType == nil {
			c.ByType = make(map[entity.Type]int)
		}
		c.ByType[k] += v
	}
}

func (c *BuildCounts) observe(dim entity.Type, res Resolution) {
	switch res {
	case ResolvedNone:
		c.NoneReferences++
		return
	case ResolvedUnknown:
		c.UnknownReferences++
	case ResolvedOutOfRange:
		c.OutOfRangeReferences++
	default:
		return
	}
	if c.Unresolved == nil {
		c.Unresolved = make(map[entity.Type]int)
	}
	c.Unresolved[dim]++
}

// Builder turns clean transaction records into fact rows. It reads dimension state through the
// Resolver and never writes it.
type Builder struct {
	log *slog.Logger
	cfg BuilderConfig
}

func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Builder{log: cfg.Logger, cfg: cfg}, nil
}

// Build writes facts for one batch. Orders are built first so that line items, deliveries and
// ratings can reference the surrogate key of their parent order, whether it arrived in this
// batch or an earlier one. A transaction whose natural key already has a fact is skipped.
func (b *Builder) Build(ctx context.Context, batch dimension.BatchRef, records map[entity.Type][]entity.Record) (BuildCounts, error) {
	var counts BuildCounts

	orders, orderCounts, err := b.buildType(ctx, batch, entity.Order, records[entity.Order], nil)
	if err != nil {
		return counts, err
	}
	counts.merge(orderCounts)

	parents := make(map[string]int64, len(orders))
	for _, row := range orders {
		parents[row.NaturalKey] = row.SurrogateKey
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, typ := range []entity.Type{entity.OrderItem, entity.Delivery, entity.Rating} {
		g.Go(func() error {
			_, c, err := b.buildType(gctx, batch, typ, records[typ], parents)
			if err != nil {
				return err
			}
			mu.Lock()
			counts.merge(c)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}

	b.log.Debug("fact: built batch", "batch_id", batch.ID, "facts", counts.Facts, "duplicates", counts.Duplicates,
		"unknown_references", counts.UnknownReferences, "out_of_range_references", counts.OutOfRangeReferences)
	return counts, nil
}

// buildType returns every order row relevant to children: rows written now and rows that
// already existed.
func (b *Builder) buildType(ctx context.Context, batch dimension.BatchRef, typ entity.Type, recs []entity.Record, parents map[string]int64) ([]Row, BuildCounts, error) {
	var counts BuildCounts
	if len(recs) == 0 {
		return nil, counts, nil
	}
	tbl, err := entity.Lookup(typ)
	if err != nil {
		return nil, counts, err
	}
	schema, ok := tbl.Transaction()
	if !ok {
		return nil, counts, fmt.Errorf("fact: %s is not a transaction type", typ)
	}

	type result struct {
		row      Row
		existing bool
		counts   BuildCounts
	}
	results := make([]result, len(recs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for i, rec := range recs {
		g.Go(func() error {
			existing, err := b.existing(gctx, typ, rec.NaturalKey)
			if err != nil {
				return err
			}
			if existing != nil {
				results[i] = result{row: *existing, existing: true}
				return nil
			}
			row, c, err := b.buildRow(gctx, batch, schema, rec, parents)
			if err != nil {
				return err
			}
			results[i] = result{row: row, counts: c}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, counts, err
	}

	rows := make([]Row, 0, len(results))
	fresh := make([]Row, 0, len(results))
	for _, r := range results {
		rows = append(rows, r.row)
		if r.existing {
			counts.Duplicates++
			continue
		}
		counts.merge(r.counts)
		fresh = append(fresh, r.row)
	}

	insertCtx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()
	n, err := b.cfg.Facts.Insert(insertCtx, fresh)
	if err != nil {
		return nil, counts, fmt.Errorf("fact: insert %s: %w", typ, err)
	}
	counts.Facts += n
	counts.Duplicates += len(fresh) - n
	if n > 0 {
		counts.ByType = map[entity.Type]int{typ: n}
	}
	return rows, counts, nil
}

func (b *Builder) existing(ctx context.Context, typ entity.Type, naturalKey string) (*Row, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OpTimeout)
	defer cancel()
	row, err := b.cfg.Facts.Get(ctx, typ, naturalKey)
	if err != nil {
		return nil, fmt.Errorf("fact: lookup %s %q: %w", typ, naturalKey, err)
	}
	return row, nil
}

func (b *Builder) buildRow(ctx context.Context, batch dimension.BatchRef, schema entity.TransactionSchema, rec entity.Record, parents map[string]int64) (Row, BuildCounts, error) {
	var counts BuildCounts

	at, ok := rec.Attrs.Time(schema.BusinessTimeColumn())
	if !ok {
		return Row{}, counts, fmt.Errorf("fact: %s %q has no business timestamp", rec.Type, rec.NaturalKey)
	}

	skip := map[string]struct{}{}
	keys := make(map[string]int64, len(schema.References()))
	for _, ref := range schema.References() {
		skip[ref.Column] = struct{}{}
		nk, _ := rec.Attrs.String(ref.Column)
		key, res, err := b.cfg.Resolver.Resolve(ctx, ref.Dimension, nk, at)
		if err != nil {
			return Row{}, counts, err
		}
		keys[ref.KeyName()] = key
		counts.observe(ref.Dimension, res)
	}

	var parentKey int64
	if col := schema.ParentColumn(); col != "" {
		skip[col] = struct{}{}
		parentNK, _ := rec.Attrs.String(col)
		key, err := b.parentKey(ctx, parentNK, parents)
		if err != nil {
			return Row{}, counts, err
		}
		if key == KeyUnknown {
			counts.UnknownParents++
		}
		parentKey = key
	}

	measures := make(entity.Attributes, len(rec.Attrs))
	for k, v := range rec.Attrs {
		if _, ok := skip[k]; ok || k == schema.BusinessTimeColumn() {
			continue
		}
		measures[k] = v
	}
	derive(rec.Type, measures, at)

	return Row{
		Type:         rec.Type,
		SurrogateKey: b.cfg.Allocator.Next(rec.Type),
		NaturalKey:   rec.NaturalKey,
		BatchID:      batch.ID,
		BusinessTime: at,
		DateKey:      DateKey(at),
		TimeKey:      TimeKey(at),
		ParentKey:    parentKey,
		Keys:         keys,
		Measures:     measures,
		CreatedAt:    b.cfg.Clock.Now().UTC(),
	}, counts, nil
}

func (b *Builder) parentKey(ctx context.Context, naturalKey string, parents map[string]int64) (int64, error) {
	if naturalKey == "" {
		return KeyNone, nil
	}
	if key, ok := parents[naturalKey]; ok {
		return key, nil
	}
	row, err := b.existing(ctx, entity.Order, naturalKey)
	if err != nil {
		return 0, err
	}
	if row == nil {
		return KeyUnknown, nil
	}
	return row.SurrogateKey, nil
}

// derive adds measures computed from other columns.
func derive(t entity.Type, m entity.Attributes, at time.Time) {
	if t != entity.Delivery {
		return
	}
	if delivered, ok := m.Time("delivery_time"); ok {
		m["delivery_duration_minutes"] = int64(delivered.Sub(at) / time.Minute)
	}
}

// DateKey is the YYYYMMDD calendar key of t in UTC.
func DateKey(t time.Time) int {
	t = t.UTC()
	return t.Year()*10000 + int(t.Month())*100 + t.Day()
}

// TimeKey is the 1-based minute of the day of t in UTC.
func TimeKey(t time.Time) int {
	t = t.UTC()
	return t.Hour()*60 + t.Minute() + 1
}
