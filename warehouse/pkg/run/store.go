package run

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

// Store keeps batch provenance and the raw rows of every batch for replay.
type Store interface {
	// CreateBatch inserts a new batch and assigns its submission sequence number.
	CreateBatch(ctx context.Context, b Batch) (Batch, error)
	GetBatch(ctx context.Context, id string) (Batch, error)
	UpdateBatch(ctx context.Context, b Batch) error
	// ListBatches returns batches in submission order, optionally without terminal ones.
	ListBatches(ctx context.Context, includeTerminal bool) ([]Batch, error)
	// LastBatch returns the most recently submitted batch, or nil.
	LastBatch(ctx context.Context) (*Batch, error)

	AppendRows(ctx context.Context, batchID string, rows []entity.RawRow) error
	// Rows returns a batch's raw rows ordered by row index.
	Rows(ctx context.Context, batchID string) ([]entity.RawRow, error)
}

type MemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	batches map[string]Batch
	rows    map[string][]entity.RawRow
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		batches: make(map[string]Batch),
		rows:    make(map[string][]entity.RawRow),
	}
}

func (s *MemoryStore) CreateBatch(ctx context.Context, b Batch) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrExists, b.ID)
	}
	s.seq++
	b.Seq = s.seq
	s.batches[b.ID] = cloneBatch(b)
	return b, nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (Batch, error) {
	if err := ctx.Err(); err != nil {
		return Batch{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return Batch{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cloneBatch(b), nil
}

func (s *MemoryStore) UpdateBatch(ctx context.Context, b Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.batches[b.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, b.ID)
	}
	s.batches[b.ID] = cloneBatch(b)
	return nil
}

func (s *MemoryStore) ListBatches(ctx context.Context, includeTerminal bool) ([]Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Batch, 0, len(s.batches))
	for _, b := range s.batches {
		if !includeTerminal && b.State.Terminal() {
			continue
		}
		out = append(out, cloneBatch(b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *MemoryStore) LastBatch(ctx context.Context) (*Batch, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *Batch
	for _, b := range s.batches {
		if last == nil || b.Seq > last.Seq {
			c := cloneBatch(b)
			last = &c
		}
	}
	return last, nil
}

func (s *MemoryStore) AppendRows(ctx context.Context, batchID string, rows []entity.RawRow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[batchID] = append(s.rows[batchID], rows...)
	return nil
}

func (s *MemoryStore) Rows(ctx context.Context, batchID string) ([]entity.RawRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := append([]entity.RawRow(nil), s.rows[batchID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func cloneBatch(b Batch) Batch {
	b.Parts = append([]entity.Type(nil), b.Parts...)
	if b.Error != nil {
		e := *b.Error
		b.Error = &e
	}
	if b.Counts.Dimensions != nil {
		d := *b.Counts.Dimensions
		b.Counts.Dimensions = &d
	}
	if b.Counts.Facts != nil {
		f := *b.Counts.Facts
		b.Counts.Facts = &f
	}
	return b
}
