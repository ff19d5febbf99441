package dimension

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

type keyHistory struct {
	// versions are ordered by effective_from, then surrogate key.
	versions []Version
	current  int
}

func (h *keyHistory) reindex() {
	sort.SliceStable(h.versions, func(i, j int) bool {
		a, b := h.versions[i], h.versions[j]
		if !a.EffectiveFrom.Equal(b.EffectiveFrom) {
			return a.EffectiveFrom.Before(b.EffectiveFrom)
		}
		return a.SurrogateKey < b.SurrogateKey
	})
	h.current = -1
	for i, v := range h.versions {
		if v.IsCurrent {
			h.current = i
		}
	}
}

// MemoryStore is an in-process Store indexed by (entity type, natural key).
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[entity.Type]map[string]*keyHistory
	max  map[entity.Type]int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		keys: make(map[entity.Type]map[string]*keyHistory),
		max:  make(map[entity.Type]int64),
	}
}

func (s *MemoryStore) history(t entity.Type, naturalKey string) *keyHistory {
	return s.keys[t][naturalKey]
}

func (s *MemoryStore) Current(ctx context.Context, t entity.Type, naturalKey string) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history(t, naturalKey)
	if h == nil || h.current < 0 {
		return nil, nil
	}
	v := h.versions[h.current].clone()
	return &v, nil
}

func (s *MemoryStore) AsOf(ctx context.Context, t entity.Type, naturalKey string, at time.Time) (*Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history(t, naturalKey)
	if h == nil {
		return nil, nil
	}
	v, err := resolveAsOf(t, naturalKey, h.versions, at)
	if err != nil || v == nil {
		return nil, err
	}
	out := v.clone()
	return &out, nil
}

// resolveAsOf binary-searches versions ordered by effective_from for the one containing at. A
// second containing version means overlapping intervals.
func resolveAsOf(t entity.Type, naturalKey string, versions []Version, at time.Time) (*Version, error) {
	idx := sort.Search(len(versions), func(i int) bool {
		return versions[i].EffectiveFrom.After(at)
	})
	var found *Version
	for i := idx - 1; i >= 0 && i >= idx-2; i-- {
		if !versions[i].Contains(at) {
			continue
		}
		if found != nil {
			return nil, entity.NewInvariantError(entity.InvariantAmbiguousResolution, t, naturalKey,
				"versions %d and %d both contain %s", found.SurrogateKey, versions[i].SurrogateKey, at.Format(time.RFC3339Nano))
		}
		found = &versions[i]
	}
	return found, nil
}

func (s *MemoryStore) History(ctx context.Context, t entity.Type, naturalKey string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.history(t, naturalKey)
	if h == nil {
		return nil, nil
	}
	out := make([]Version, len(h.versions))
	for i, v := range h.versions {
		out[i] = v.clone()
	}
	return out, nil
}

func (s *MemoryStore) HasHistory(ctx context.Context, t entity.Type, naturalKey string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := s.history(t, naturalKey)
	return h != nil && len(h.versions) > 0, nil
}

func (s *MemoryStore) MaxSurrogateKey(ctx context.Context, t entity.Type) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.max[t], nil
}

func (s *MemoryStore) BatchVersions(ctx context.Context, batchID string) ([]Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Version
	for _, keys := range s.keys {
		for _, h := range keys {
			for _, v := range h.versions {
				if v.BatchID == batchID || v.ExpiredBy == batchID {
					out = append(out, v.clone())
				}
			}
		}
	}
	sortVersions(out)
	return out, nil
}

func sortVersions(vs []Version) {
	sort.Slice(vs, func(i, j int) bool {
		if vs[i].Type != vs[j].Type {
			return vs[i].Type < vs[j].Type
		}
		return vs[i].SurrogateKey < vs[j].SurrogateKey
	})
}

func (s *MemoryStore) Apply(ctx context.Context, m Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.keys[m.Type]
	if keys == nil {
		keys = make(map[string]*keyHistory)
		s.keys[m.Type] = keys
	}
	h := keys[m.NaturalKey]
	if h == nil {
		h = &keyHistory{current: -1}
	}

	// Validate everything before touching state so a rejected mutation leaves no trace.
	if m.Expire != nil {
		if h.current < 0 || h.versions[h.current].SurrogateKey != m.Expire.SurrogateKey {
			return fmt.Errorf("%w: %s %q: version %d is not current", ErrConflict, m.Type, m.NaturalKey, m.Expire.SurrogateKey)
		}
	}
	if m.Insert != nil {
		if h.current >= 0 && m.Expire == nil {
			return entity.NewInvariantError(entity.InvariantDuplicateCurrent, m.Type, m.NaturalKey,
				"insert of version %d while version %d is current", m.Insert.SurrogateKey, h.versions[h.current].SurrogateKey)
		}
		for _, v := range h.versions {
			if v.SurrogateKey == m.Insert.SurrogateKey {
				return fmt.Errorf("%w: %s surrogate key %d already used", ErrConflict, m.Type, v.SurrogateKey)
			}
		}
	}

	if m.Expire != nil {
		at := m.Expire.At
		cur := &h.versions[h.current]
		cur.EffectiveTo = &at
		cur.IsCurrent = false
		cur.ExpiredBy = m.BatchID
	}
	if m.Insert != nil {
		v := m.Insert.clone()
		v.Type = m.Type
		v.NaturalKey = m.NaturalKey
		v.BatchID = m.BatchID
		h.versions = append(h.versions, v)
		if v.SurrogateKey > s.max[m.Type] {
			s.max[m.Type] = v.SurrogateKey
		}
	}
	h.reindex()
	keys[m.NaturalKey] = h
	return nil
}

func (s *MemoryStore) RevertBatch(ctx context.Context, batchID string) (RevertCounts, error) {
	if err := ctx.Err(); err != nil {
		return RevertCounts{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var counts RevertCounts
	for _, keys := range s.keys {
		for nk, h := range keys {
			kept := h.versions[:0]
			for _, v := range h.versions {
				if v.BatchID == batchID {
					counts.Deleted++
					continue
				}
				if v.ExpiredBy == batchID {
					v.EffectiveTo = nil
					v.IsCurrent = true
					v.ExpiredBy = ""
					counts.Reopened++
				}
				kept = append(kept, v)
			}
			h.versions = kept
			if len(h.versions) == 0 {
				delete(keys, nk)
				continue
			}
			h.reindex()
		}
	}
	return counts, nil
}
