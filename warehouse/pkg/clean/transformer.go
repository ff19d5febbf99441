package clean

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"golang.org/x/sync/errgroup"
)

// Transformer applies normalization and per-entity business rules. It never touches a store, so
// entity types are transformed in parallel.
type Transformer struct {
	log      *slog.Logger
	batchID  string
	validate *validator.Validate
	rules    map[entity.Type][]Rule
}

func NewTransformer(log *slog.Logger, batchID string) *Transformer {
	return &Transformer{
		log:      log,
		batchID:  batchID,
		validate: newValidator(),
		rules:    defaultRules(),
	}
}

// Transform normalizes rec and checks it against every rule of its entity type. A record failing
// any rule is rejected as a whole with reason VALIDATION:<rule> naming the first failed rule.
func (t *Transformer) Transform(rec entity.Record) (entity.Record, *quarantine.Record) {
	if rec.Deleted() {
		return rec, nil
	}
	out := normalize(rec)
	for _, rule := range t.rules[rec.Type] {
		if err := rule.Check(t.validate, out.Attrs); err != nil {
			q := quarantine.New(t.batchID, rec.Raw, rec.NaturalKey, quarantine.Validation(rule.Name), err.Error())
			return entity.Record{}, &q
		}
	}
	return out, nil
}

// TransformAll transforms every entity type's records concurrently. Accepted records keep their
// order within each type.
func (t *Transformer) TransformAll(ctx context.Context, records map[entity.Type][]entity.Record) (map[entity.Type][]entity.Record, []quarantine.Record, error) {
	var (
		mu       sync.Mutex
		accepted = make(map[entity.Type][]entity.Record, len(records))
		rejected []quarantine.Record
	)

	g, ctx := errgroup.WithContext(ctx)
	for typ, recs := range records {
		g.Go(func() error {
			ok := make([]entity.Record, 0, len(recs))
			var bad []quarantine.Record
			for _, rec := range recs {
				if err := ctx.Err(); err != nil {
					return fmt.Errorf("clean %s: %w", typ, err)
				}
				out, q := t.Transform(rec)
				if q != nil {
					bad = append(bad, *q)
					continue
				}
				ok = append(ok, out)
			}

			mu.Lock()
			accepted[typ] = ok
			rejected = append(rejected, bad...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	quarantine.Sort(rejected)
	if len(rejected) > 0 {
		t.log.Debug("clean: rejected rows", "batch_id", t.batchID, "count", len(rejected))
	}
	return accepted, rejected, nil
}
