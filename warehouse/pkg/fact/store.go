package fact

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

// Row is an immutable fact. Keys maps each reference's key name (for example "customer_key") to
// the surrogate key of the dimension version effective at BusinessTime.
type Row struct {
	Type         entity.Type       `json:"entity_type"`
	SurrogateKey int64             `json:"surrogate_key"`
	NaturalKey   string            `json:"natural_key"`
	BatchID      string            `json:"batch_id"`
	BusinessTime time.Time         `json:"business_time"`
	DateKey      int               `json:"date_key"`
	TimeKey      int               `json:"time_key"`
	ParentKey    int64             `json:"parent_key"`
	Keys         map[string]int64  `json:"keys"`
	Measures     entity.Attributes `json:"measures"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Store holds fact rows. Rows are written once and never updated.
type Store interface {
	Get(ctx context.Context, t entity.Type, naturalKey string) (*Row, error)
	// Insert writes rows whose (type, natural key) is not yet present and returns how many were
	// written.
	Insert(ctx context.Context, rows []Row) (int, error)
	BatchRows(ctx context.Context, batchID string) ([]Row, error)
	// DeleteBatch removes a batch's facts. It only serves compensation of uncommitted batches.
	DeleteBatch(ctx context.Context, batchID string) (int, error)
	MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error)
}

type MemoryStore struct {
	mu   sync.RWMutex
	rows map[entity.Type]map[string]Row
	max  map[entity.Type]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: make(map[entity.Type]map[string]Row),
		max:  make(map[entity.Type]int64),
	}
}

func (s *MemoryStore) Get(ctx context.Context, t entity.Type, naturalKey string) (*Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[t][naturalKey]
	if !ok {
		return nil, nil
	}
	return &row, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rows []Row) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, row := range rows {
		byKey := s.rows[row.Type]
		if byKey == nil {
			byKey = make(map[string]Row)
			s.rows[row.Type] = byKey
		}
		if _, ok := byKey[row.NaturalKey]; ok {
			continue
		}
		byKey[row.NaturalKey] = row
		if row.SurrogateKey > s.max[row.Type] {
			s.max[row.Type] = row.SurrogateKey
		}
		n++
	}
	return n, nil
}

func (s *MemoryStore) BatchRows(ctx context.Context, batchID string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Row
	for _, byKey := range s.rows {
		for _, row := range byKey {
			if row.BatchID == batchID {
				out = append(out, row)
			}
		}
	}
	SortRows(out)
	return out, nil
}

func (s *MemoryStore) DeleteBatch(ctx context.Context, batchID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, byKey := range s.rows {
		for nk, row := range byKey {
			if row.BatchID == batchID {
				delete(byKey, nk)
				n++
			}
		}
	}
	return n, nil
}

func (s *MemoryStore) MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max[t], nil
}

func SortRows(rows []Row) {
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Type != rows[j].Type {
			return rows[i].Type < rows[j].Type
		}
		return rows[i].SurrogateKey < rows[j].SurrogateKey
	})
}
