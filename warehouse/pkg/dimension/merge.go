package dimension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultMergeConcurrency = 8
	DefaultOpTimeout        = 10 * time.Second
)

type MergeConfig struct {
	Logger      *slog.Logger
	Store       Store
	Allocator   *Allocator
	Locks       *KeyLock
	Concurrency int
	OpTimeout   time.Duration
}

func (c *MergeConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Allocator == nil {
		return errors.New("allocator is required")
	}
	if c.Locks == nil {
		return errors.New("key locks are required")
	}
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultMergeConcurrency
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = DefaultOpTimeout
	}
	return nil
}

// BatchRef identifies the batch a merge belongs to. Timestamp is the single effective boundary
// used for every version the batch opens or closes.
type BatchRef struct {
	ID        string
	Timestamp time.Time
}

type MergeCounts struct {
	New       int `json:"new"`
	Changed   int `json:"changed"`
	Unchanged int `json:"unchanged"`
	Deleted   int `json:"deleted"`
}

func (c *MergeCounts) add(kind ChangeKind) {
	switch kind {
	case ChangeNew:
		c.New++
	case ChangeChanged:
		c.Changed++
	case ChangeUnchanged:
		c.Unchanged++
	case ChangeDeleted:
		c.Deleted++
	}
}

func (c *MergeCounts) Add(o MergeCounts) {
	c.New += o.New
	c.Changed += o.Changed
	c.Unchanged += o.Unchanged
	c.Deleted += o.Deleted
}

// MergeEngine is the only writer of dimension state.
type MergeEngine struct {
	log *slog.Logger
	cfg MergeConfig
}

func NewMergeEngine(cfg MergeConfig) (*MergeEngine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &MergeEngine{log: cfg.Logger, cfg: cfg}, nil
}

// Merge applies classified changes for one batch. Distinct natural keys are merged in parallel;
// each key's expire/insert runs under its key lock. Two changes for the same natural key are an
// invariant violation and nothing is written. On error some keys may already be merged; callers
// undo them with Revert.
func (e *MergeEngine) Merge(ctx context.Context, batch BatchRef, changes []Change) (MergeCounts, error) {
	type dedupKey struct {
		typ entity.Type
		nk  string
	}
	seen := make(map[dedupKey]struct{}, len(changes))
	for _, ch := range changes {
		k := dedupKey{ch.Record.Type, ch.Record.NaturalKey}
		if _, ok := seen[k]; ok {
			return MergeCounts{}, entity.NewInvariantError(entity.InvariantDuplicateKeyInBatch, k.typ, k.nk,
				"natural key appears more than once in batch %s", batch.ID)
		}
		seen[k] = struct{}{}
	}

	var (
		mu     sync.Mutex
		counts MergeCounts
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, ch := range changes {
		g.Go(func() error {
			if err := e.apply(gctx, batch, ch); err != nil {
				return err
			}
			mu.Lock()
			counts.add(ch.Kind)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}

	e.log.Debug("merge: applied changes", "batch_id", batch.ID, "new", counts.New, "changed", counts.Changed, "unchanged", counts.Unchanged, "deleted", counts.Deleted)
	return counts, nil
}

func (e *MergeEngine) apply(ctx context.Context, batch BatchRef, ch Change) error {
	rec := ch.Record
	unlock := e.cfg.Locks.Lock(rec.Type, rec.NaturalKey)
	defer unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.OpTimeout)
	defer cancel()

	// Re-read the current version under the key lock. This asserts is_current uniqueness even
	// for UNCHANGED records and catches a classification made against state that moved since.
	cur, err := e.cfg.Store.Current(ctx, rec.Type, rec.NaturalKey)
	if err != nil {
		return fmt.Errorf("merge %s %q: %w", rec.Type, rec.NaturalKey, err)
	}
	live, err := classify(rec, cur)
	if err != nil {
		return err
	}
	if live.Kind != ch.Kind || surrogateKey(cur) != surrogateKey(ch.Previous) {
		return entity.NewInvariantError(entity.InvariantStaleCurrent, rec.Type, rec.NaturalKey,
			"classified %s against version %d but current is %d (%s)", ch.Kind, surrogateKey(ch.Previous), surrogateKey(cur), live.Kind)
	}

	m := Mutation{Type: rec.Type, NaturalKey: rec.NaturalKey, BatchID: batch.ID}
	switch ch.Kind {
	case ChangeUnchanged:
		return nil
	case ChangeChanged, ChangeDeleted:
		if batch.Timestamp.Before(cur.EffectiveFrom) {
			return entity.NewInvariantError(entity.InvariantNonMonotonicTimestamp, rec.Type, rec.NaturalKey,
				"batch %s timestamp %s precedes current version %d effective_from %s",
				batch.ID, batch.Timestamp.Format(time.RFC3339Nano), cur.SurrogateKey, cur.EffectiveFrom.Format(time.RFC3339Nano))
		}
		m.Expire = &Expiry{SurrogateKey: cur.SurrogateKey, At: batch.Timestamp}
	}
	if ch.Kind == ChangeNew || ch.Kind == ChangeChanged {
		m.Insert = &Version{
			Type:          rec.Type,
			SurrogateKey:  e.cfg.Allocator.Next(rec.Type),
			NaturalKey:    rec.NaturalKey,
			Attrs:         rec.Attrs,
			EffectiveFrom: batch.Timestamp,
			IsCurrent:     true,
			BatchID:       batch.ID,
		}
	}

	if err := e.cfg.Store.Apply(ctx, m); err != nil {
		return fmt.Errorf("merge %s %q: %w", rec.Type, rec.NaturalKey, err)
	}
	return nil
}

// Revert compensates a batch's merge: versions it inserted are removed and versions it expired
// become current again.
func (e *MergeEngine) Revert(ctx context.Context, batchID string) (RevertCounts, error) {
	counts, err := e.cfg.Store.RevertBatch(ctx, batchID)
	if err != nil {
		return counts, fmt.Errorf("revert batch %s: %w", batchID, err)
	}
	if counts.Deleted > 0 || counts.Reopened > 0 {
		e.log.Info("merge: reverted batch", "batch_id", batchID, "deleted", counts.Deleted, "reopened", counts.Reopened)
	}
	return counts, nil
}

func surrogateKey(v *Version) int64 {
	if v == nil {
		return 0
	}
	return v.SurrogateKey
}
