package dimension

import (
	"context"
	"fmt"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"golang.org/x/sync/errgroup"
)

type ChangeKind string

const (
	ChangeNew       ChangeKind = "NEW"
	ChangeUnchanged ChangeKind = "UNCHANGED"
	ChangeChanged   ChangeKind = "CHANGED"
	ChangeDeleted   ChangeKind = "DELETED"
)

// Change is a clean record classified against the current version of its natural key.
type Change struct {
	Kind     ChangeKind
	Record   entity.Record
	Previous *Version
	// Diff lists the tracked columns that differ from Previous for CHANGED records.
	Diff []string
}

func classify(rec entity.Record, cur *Version) (Change, error) {
	tbl, err := entity.Lookup(rec.Type)
	if err != nil {
		return Change{}, err
	}
	ch := Change{Record: rec, Previous: cur}
	switch {
	case rec.Deleted() && cur == nil:
		// Deleting an entity that is already gone (or never existed) changes nothing.
		ch.Kind = ChangeUnchanged
	case rec.Deleted():
		ch.Kind = ChangeDeleted
	case cur == nil:
		ch.Kind = ChangeNew
	default:
		ch.Diff = tbl.Diff(cur.Attrs, rec.Attrs)
		if len(ch.Diff) == 0 {
			ch.Kind = ChangeUnchanged
		} else {
			ch.Kind = ChangeChanged
		}
	}
	return ch, nil
}

// Detector classifies clean dimension records as NEW, UNCHANGED, CHANGED or DELETED using the
// store's current-version index.
type Detector struct {
	store       Store
	concurrency int
	timeout     time.Duration
}

// NewDetector returns a detector whose current-version lookups are bounded by timeout. A zero
// timeout uses DefaultOpTimeout.
func NewDetector(store Store, concurrency int, timeout time.Duration) *Detector {
	if concurrency <= 0 {
		concurrency = 1
	}
	if timeout <= 0 {
		timeout = DefaultOpTimeout
	}
	return &Detector{store: store, concurrency: concurrency, timeout: timeout}
}

func (d *Detector) Detect(ctx context.Context, rec entity.Record) (Change, error) {
	if rec.Type.Kind() != entity.KindDimension {
		return Change{}, fmt.Errorf("detect: %s is not a dimension", rec.Type)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	cur, err := d.store.Current(ctx, rec.Type, rec.NaturalKey)
	if err != nil {
		return Change{}, fmt.Errorf("detect %s %q: %w", rec.Type, rec.NaturalKey, err)
	}
	return classify(rec, cur)
}

// DetectAll classifies records concurrently. The result is index-aligned with recs.
func (d *Detector) DetectAll(ctx context.Context, recs []entity.Record) ([]Change, error) {
	out := make([]Change, len(recs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, rec := range recs {
		g.Go(func() error {
			ch, err := d.Detect(ctx, rec)
			if err != nil {
				return err
			}
			out[i] = ch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Tally counts changes per kind.
func Tally(changes []Change) map[ChangeKind]int {
	out := make(map[ChangeKind]int, 4)
	for _, ch := range changes {
		out[ch.Kind]++
	}
	return out
}
