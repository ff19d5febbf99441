package dimension

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/stretchr/testify/require"
)

func restaurant(t *testing.T, id, name string) entity.Record {
	t.Helper()
	rec, err := entity.MustLookup(entity.Restaurant).Coerce(entity.RawRow{Type: entity.Restaurant, Fields: map[string]any{
		"restaurant_id":   id,
		"restaurant_name": name,
	}})
	require.NoError(t, err)
	return rec
}

func tombstone(t *testing.T, id string) entity.Record {
	t.Helper()
	rec, err := entity.MustLookup(entity.Restaurant).Coerce(entity.RawRow{Type: entity.Restaurant, Fields: map[string]any{
		"restaurant_id": id,
		entity.OpField:  "D",
	}})
	require.NoError(t, err)
	return rec
}

type harness struct {
	store    *MemoryStore
	detector *Detector
	engine   *MergeEngine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := NewMemoryStore()
	engine, err := NewMergeEngine(MergeConfig{
		Logger:    fdwtesting.NewLogger(),
		Store:     store,
		Allocator: NewAllocator(),
		Locks:     NewKeyLock(0),
	})
	require.NoError(t, err)
	return &harness{store: store, detector: NewDetector(store, 4, 0), engine: engine}
}

func (h *harness) run(t *testing.T, batch BatchRef, recs ...entity.Record) MergeCounts {
	t.Helper()
	changes, err := h.detector.DetectAll(t.Context(), recs)
	require.NoError(t, err)
	counts, err := h.engine.Merge(t.Context(), batch, changes)
	require.NoError(t, err)
	return counts
}

func requireWellFormedHistory(t *testing.T, versions []Version) {
	t.Helper()
	current := 0
	for i, v := range versions {
		if v.IsCurrent {
			current++
			require.Nil(t, v.EffectiveTo)
		} else {
			require.NotNil(t, v.EffectiveTo)
		}
		if i > 0 {
			prev := versions[i-1]
			require.False(t, v.EffectiveFrom.Before(prev.EffectiveFrom), "ordered by effective_from")
			require.NotNil(t, prev.EffectiveTo)
			require.False(t, prev.EffectiveTo.After(v.EffectiveFrom), "intervals do not overlap")
		}
	}
	require.LessOrEqual(t, current, 1)
}

func TestFoodDW_Dimension_Merge_VersionsOnChange(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)

	counts := h.run(t, BatchRef{ID: "b1", Timestamp: t1}, restaurant(t, "R1", "Pizza Place"), restaurant(t, "R2", "Taco Town"))
	require.Equal(t, MergeCounts{New: 2}, counts)

	v1, err := h.store.Current(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.NotNil(t, v1)

	counts = h.run(t, BatchRef{ID: "b2", Timestamp: t2}, restaurant(t, "R1", "Pizza Palace"), restaurant(t, "R2", "Taco Town"))
	require.Equal(t, MergeCounts{Changed: 1, Unchanged: 1}, counts)

	history, err := h.store.History(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	requireWellFormedHistory(t, history)
	require.Equal(t, v1.SurrogateKey, history[0].SurrogateKey)
	require.Equal(t, t2, *history[0].EffectiveTo)
	require.False(t, history[0].IsCurrent)
	require.Equal(t, "b2", history[0].ExpiredBy)
	require.NotEqual(t, v1.SurrogateKey, history[1].SurrogateKey)
	require.Equal(t, "Pizza Palace", history[1].Attrs["restaurant_name"])

	// Unchanged records never create a new surrogate key.
	r2, err := h.store.History(ctx, entity.Restaurant, "R2")
	require.NoError(t, err)
	require.Len(t, r2, 1)

	before, err := h.store.AsOf(ctx, entity.Restaurant, "R1", t2.Add(-time.Second))
	require.NoError(t, err)
	require.Equal(t, v1.SurrogateKey, before.SurrogateKey)
	after, err := h.store.AsOf(ctx, entity.Restaurant, "R1", t2)
	require.NoError(t, err)
	require.Equal(t, history[1].SurrogateKey, after.SurrogateKey)
	none, err := h.store.AsOf(ctx, entity.Restaurant, "R1", t1.Add(-time.Second))
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestFoodDW_Dimension_Merge_SoftDelete(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.run(t, BatchRef{ID: "b1", Timestamp: t1}, restaurant(t, "R1", "Pizza Place"))

	counts := h.run(t, BatchRef{ID: "b2", Timestamp: t1.Add(time.Hour)}, tombstone(t, "R1"), tombstone(t, "R9"))
	require.Equal(t, MergeCounts{Deleted: 1, Unchanged: 1}, counts)

	cur, err := h.store.Current(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.Nil(t, cur, "deleted entity has no current version")

	counts = h.run(t, BatchRef{ID: "b3", Timestamp: t1.Add(2 * time.Hour)}, restaurant(t, "R1", "Pizza Reborn"))
	require.Equal(t, MergeCounts{New: 1}, counts)

	history, err := h.store.History(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	requireWellFormedHistory(t, history)

	gap, err := h.store.AsOf(ctx, entity.Restaurant, "R1", t1.Add(90*time.Minute))
	require.NoError(t, err)
	require.Nil(t, gap, "no version covers the deleted interval")
}

func TestFoodDW_Dimension_Merge_DuplicateNaturalKeyIsInvariantViolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	changes := []Change{
		{Kind: ChangeNew, Record: restaurant(t, "R1", "A")},
		{Kind: ChangeNew, Record: restaurant(t, "R1", "B")},
	}
	_, err := h.engine.Merge(t.Context(), BatchRef{ID: "b1", Timestamp: time.Now()}, changes)
	require.ErrorIs(t, err, entity.ErrInvariantViolation)

	cur, err := h.store.Current(t.Context(), entity.Restaurant, "R1")
	require.NoError(t, err)
	require.Nil(t, cur, "nothing is written")
}

func TestFoodDW_Dimension_Merge_EarlierBatchTimestampIsInvariantViolation(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	h.run(t, BatchRef{ID: "b1", Timestamp: t1}, restaurant(t, "R1", "Pizza Place"))

	changes, err := h.detector.DetectAll(t.Context(), []entity.Record{restaurant(t, "R1", "Pizza Palace")})
	require.NoError(t, err)
	_, err = h.engine.Merge(t.Context(), BatchRef{ID: "b2", Timestamp: t1.Add(-time.Hour)}, changes)
	require.ErrorIs(t, err, entity.ErrInvariantViolation)
}

func TestFoodDW_Dimension_Merge_StaleClassification(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	t1 := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	stale, err := h.detector.DetectAll(t.Context(), []entity.Record{restaurant(t, "R1", "Pizza Place")})
	require.NoError(t, err)
	h.run(t, BatchRef{ID: "b1", Timestamp: t1}, restaurant(t, "R1", "Pizza Place"))

	_, err = h.engine.Merge(t.Context(), BatchRef{ID: "b2", Timestamp: t1}, stale)
	require.ErrorIs(t, err, entity.ErrInvariantViolation)
}

func TestFoodDW_Dimension_Merge_Revert(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := t.Context()

	t1 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	h.run(t, BatchRef{ID: "b1", Timestamp: t1}, restaurant(t, "R1", "Pizza Place"), restaurant(t, "R2", "Taco Town"))
	before, err := h.store.History(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)

	h.run(t, BatchRef{ID: "b2", Timestamp: t1.Add(time.Hour)},
		restaurant(t, "R1", "Pizza Palace"), tombstone(t, "R2"), restaurant(t, "R3", "Curry Corner"))

	versions, err := h.store.BatchVersions(ctx, "b2")
	require.NoError(t, err)
	require.Len(t, versions, 4, "R1 old and new, R2 expired, R3 new")

	counts, err := h.engine.Revert(ctx, "b2")
	require.NoError(t, err)
	require.Equal(t, RevertCounts{Deleted: 2, Reopened: 2}, counts)

	after, err := h.store.History(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.Equal(t, before, after)

	r2, err := h.store.Current(ctx, entity.Restaurant, "R2")
	require.NoError(t, err)
	require.NotNil(t, r2)
	ok, err := h.store.HasHistory(ctx, entity.Restaurant, "R3")
	require.NoError(t, err)
	require.False(t, ok)

	// Reverted keys are never reissued.
	maxKey, err := h.store.MaxSurrogateKey(ctx, entity.Restaurant)
	require.NoError(t, err)
	require.Equal(t, int64(4), maxKey)
	h.run(t, BatchRef{ID: "b3", Timestamp: t1.Add(2 * time.Hour)}, restaurant(t, "R3", "Curry Corner"))
	r3, err := h.store.Current(ctx, entity.Restaurant, "R3")
	require.NoError(t, err)
	require.Greater(t, r3.SurrogateKey, maxKey)
}

func TestFoodDW_Dimension_MemoryStore_ApplyRejectsSecondCurrent(t *testing.T) {
	t.Parallel()
	s := NewMemoryStore()
	ctx := t.Context()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Apply(ctx, Mutation{Type: entity.Customer, NaturalKey: "C1", BatchID: "b1",
		Insert: &Version{SurrogateKey: 1, EffectiveFrom: at, IsCurrent: true}}))

	err := s.Apply(ctx, Mutation{Type: entity.Customer, NaturalKey: "C1", BatchID: "b2",
		Insert: &Version{SurrogateKey: 2, EffectiveFrom: at, IsCurrent: true}})
	require.ErrorIs(t, err, entity.ErrInvariantViolation)

	err = s.Apply(ctx, Mutation{Type: entity.Customer, NaturalKey: "C1", BatchID: "b2",
		Expire: &Expiry{SurrogateKey: 7, At: at}})
	require.ErrorIs(t, err, ErrConflict)

	history, err := s.History(ctx, entity.Customer, "C1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.True(t, history[0].IsCurrent)
}

func TestFoodDW_Dimension_Allocator_ConcurrentNextIsUnique(t *testing.T) {
	t.Parallel()
	a := NewAllocator()
	a.Seed(entity.Product, 100)
	a.Seed(entity.Product, 50)

	const workers, perWorker = 8, 250
	var (
		mu   sync.Mutex
		keys []int64
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]int64, 0, perWorker)
			for range perWorker {
				local = append(local, a.Next(entity.Product))
			}
			mu.Lock()
			keys = append(keys, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	require.Len(t, keys, workers*perWorker)
	for i, k := range keys {
		require.Equal(t, int64(101+i), k)
	}
	require.Equal(t, int64(1), a.Next(entity.Customer), "types allocate independently")
}

func TestFoodDW_Dimension_KeyLock_SerializesSameKey(t *testing.T) {
	t.Parallel()
	l := NewKeyLock(4)

	unlock := l.Lock(entity.Customer, "C1")
	acquired := make(chan struct{})
	go func() {
		release := l.RLock(entity.Customer, "C1")
		close(acquired)
		release()
	}()

	select {
	case <-acquired:
		t.Fatal("reader acquired a key held for writing")
	case <-time.After(50 * time.Millisecond):
	}
	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("reader never acquired the key")
	}
}

func TestFoodDW_Dimension_Detector(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.run(t, BatchRef{ID: "b1", Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}, restaurant(t, "R1", "Pizza Place"))

	ch, err := h.detector.Detect(t.Context(), restaurant(t, "R1", "Pizza Place "))
	require.NoError(t, err)
	require.Equal(t, ChangeChanged, ch.Kind, "detector compares post-normalization values only")
	require.Equal(t, []string{"restaurant_name"}, ch.Diff)
	require.NotNil(t, ch.Previous)

	ch, err = h.detector.Detect(t.Context(), restaurant(t, "R2", "Taco Town"))
	require.NoError(t, err)
	require.Equal(t, ChangeNew, ch.Kind)

	_, err = h.detector.Detect(t.Context(), entity.Record{Type: entity.Order, NaturalKey: "O1"})
	require.Error(t, err)

	require.Equal(t, map[ChangeKind]int{ChangeNew: 1}, Tally([]Change{ch}))
}

type stalledStore struct {
	*MemoryStore
}

func (s *stalledStore) Current(ctx context.Context, t entity.Type, naturalKey string) (*Version, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestFoodDW_Dimension_Detector_LookupIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	detector := NewDetector(&stalledStore{MemoryStore: NewMemoryStore()}, 2, 20*time.Millisecond)
	start := time.Now()
	_, err := detector.DetectAll(t.Context(), []entity.Record{restaurant(t, "R1", "Pizza Place"), restaurant(t, "R2", "Taco Town")})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), time.Second)
	require.NoError(t, t.Context().Err())
}
