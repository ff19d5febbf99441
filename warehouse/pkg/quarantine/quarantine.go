package quarantine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

type Reason string

const (
	ReasonMalformed Reason = "MALFORMED"

	validationPrefix = "VALIDATION:"
)

func Validation(rule string) Reason {
	return Reason(validationPrefix + rule)
}

// Rule returns the business rule name of a VALIDATION reason.
func (r Reason) Rule() (string, bool) {
	return strings.CutPrefix(string(r), validationPrefix)
}

// Record is a rejected raw row. Records are never dropped: every rejection is written to a Sink.
type Record struct {
	BatchID       string         `json:"batch_id"`
	EntityType    entity.Type    `json:"entity_type"`
	NaturalKey    *string        `json:"natural_key"`
	RowIndex      int            `json:"row_index"`
	Raw           map[string]any `json:"raw_row"`
	Reason        Reason         `json:"reason"`
	Detail        string         `json:"detail,omitempty"`
	QuarantinedAt time.Time      `json:"quarantined_at"`
}

func New(batchID string, raw entity.RawRow, naturalKey string, reason Reason, detail string) Record {
	rec := Record{
		BatchID:    batchID,
		EntityType: raw.Type,
		RowIndex:   raw.Index,
		Raw:        raw.Fields,
		Reason:     reason,
		Detail:     detail,
	}
	if naturalKey != "" {
		rec.NaturalKey = &naturalKey
	}
	return rec
}

func (r Record) key() string {
	return fmt.Sprintf("%s/%s/%d", r.BatchID, r.EntityType, r.RowIndex)
}

// Sink persists quarantined records. Writing the same (batch, entity type, row index) twice keeps
// one record so that resumed batches do not duplicate the feed.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	List(ctx context.Context, batchID string) ([]Record, error)
}

type MemorySink struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemorySink() *MemorySink {
	return &MemorySink{records: make(map[string]Record)}
}

func (s *MemorySink) Write(_ context.Context, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		s.records[r.key()] = r
	}
	return nil
}

func (s *MemorySink) List(_ context.Context, batchID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, r := range s.records {
		if r.BatchID == batchID {
			out = append(out, r)
		}
	}
	Sort(out)
	return out, nil
}

// Sort orders records by entity type then row index.
func Sort(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].EntityType != records[j].EntityType {
			return records[i].EntityType < records[j].EntityType
		}
		return records[i].RowIndex < records[j].RowIndex
	})
}

// CountByReason tallies records per reason.
func CountByReason(records []Record) map[Reason]int {
	out := make(map[Reason]int)
	for _, r := range records {
		out[r.Reason]++
	}
	return out
}
