package staging

import (
	"log/slog"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
)

// Admitted is the structurally valid, deduplicated row set of one batch.
type Admitted struct {
	Records map[entity.Type][]entity.Record
	// Superseded counts rows replaced by a later row with the same natural key.
	Superseded map[entity.Type]int
}

func (a Admitted) Count() int {
	n := 0
	for _, recs := range a.Records {
		n += len(recs)
	}
	return n
}

// Buffer stages the raw rows of one batch. It has no side effects: rejected rows are returned for
// the caller to quarantine.
type Buffer struct {
	log     *slog.Logger
	batchID string
}

func NewBuffer(log *slog.Logger, batchID string) *Buffer {
	return &Buffer{log: log, batchID: batchID}
}

// Admit coerces rows and deduplicates them by (entity type, natural key). When a key occurs more
// than once the last occurrence wins and the earlier ones are dropped without being quarantined.
// A malformed last occurrence is quarantined and never falls back to an earlier row. Output keeps
// input order.
func (b *Buffer) Admit(rows []entity.RawRow) (Admitted, []quarantine.Record) {
	type dedupKey struct {
		typ entity.Type
		nk  string
	}

	last := make(map[dedupKey]int, len(rows))
	for i, raw := range rows {
		tbl, err := entity.Lookup(raw.Type)
		if err != nil {
			continue
		}
		if nk, err := tbl.NaturalKey(raw); err == nil {
			last[dedupKey{raw.Type, nk}] = i
		}
	}

	var rejected []quarantine.Record
	out := Admitted{
		Records:    make(map[entity.Type][]entity.Record),
		Superseded: make(map[entity.Type]int),
	}
	superseded := 0
	for i, raw := range rows {
		tbl, err := entity.Lookup(raw.Type)
		if err != nil {
			rejected = append(rejected, quarantine.New(b.batchID, raw, "", quarantine.ReasonMalformed, err.Error()))
			continue
		}
		nk, keyErr := tbl.NaturalKey(raw)
		if keyErr == nil && last[dedupKey{raw.Type, nk}] != i {
			out.Superseded[raw.Type]++
			superseded++
			continue
		}
		rec, err := tbl.Coerce(raw)
		if err != nil {
			if keyErr != nil {
				nk, _ = raw.Fields[tbl.Key.Name].(string)
			}
			rejected = append(rejected, quarantine.New(b.batchID, raw, nk, quarantine.ReasonMalformed, err.Error()))
			continue
		}
		out.Records[rec.Type] = append(out.Records[rec.Type], rec)
	}

	if len(rejected) > 0 || superseded > 0 {
		b.log.Debug("staging: admitted rows", "batch_id", b.batchID, "admitted", out.Count(), "malformed", len(rejected), "superseded", superseded)
	}
	return out, rejected
}
