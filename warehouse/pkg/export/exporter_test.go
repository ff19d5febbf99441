package export

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/clickhouse"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFoodDW_Export_Rows_MatchTableColumns(t *testing.T) {
	t.Parallel()

	to := t0.Add(time.Hour)
	row, err := versionRow(dimension.Version{
		Type: entity.Restaurant, SurrogateKey: 1, NaturalKey: "R1",
		Attrs: entity.Attributes{"restaurant_name": "Pizza Place"}, EffectiveFrom: t0, EffectiveTo: &to,
		BatchID: "b1", ExpiredBy: "b2",
	}, "op", t0)
	require.NoError(t, err)
	require.Len(t, row, len(dimensionTable.Columns))
	require.Equal(t, `{"restaurant_name":"Pizza Place"}`, row[3])

	row, err = factRow(fact.Row{Type: entity.Order, SurrogateKey: 1, NaturalKey: "O1", DateKey: 20240101, TimeKey: 61}, "op", t0)
	require.NoError(t, err)
	require.Len(t, row, len(factTable.Columns))
	require.Equal(t, map[string]int64{}, row[8])
	require.Equal(t, uint32(20240101), row[5])
}

type stalledDimensions struct {
	dimension.Store
}

func (s *stalledDimensions) BatchVersions(ctx context.Context, batchID string) ([]dimension.Version, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type unreachableClickHouse struct{}

func (unreachableClickHouse) Conn(ctx context.Context) (clickhouse.Connection, error) {
	return nil, errors.New("clickhouse should not be reached")
}

func (unreachableClickHouse) Close() error { return nil }

func TestFoodDW_Export_Exporter_StalledStoreTimesOut(t *testing.T) {
	t.Parallel()

	exporter, err := New(Config{
		Logger:     fdwtesting.NewLogger(),
		ClickHouse: unreachableClickHouse{},
		Dimensions: &stalledDimensions{},
		Facts:      fact.NewMemoryStore(),
		OpTimeout:  50 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	err = exporter.Commit(t.Context(), run.Batch{ID: "b1", LastOpID: "op"})
	require.ErrorIs(t, err, run.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFoodDW_Export_Exporter_PublishesBatch(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	client := testClickHouseClient(t)

	dims := dimension.NewMemoryStore()
	facts := fact.NewMemoryStore()
	require.NoError(t, dims.Apply(ctx, dimension.Mutation{
		Type: entity.Restaurant, NaturalKey: "R1", BatchID: "b1",
		Insert: &dimension.Version{Type: entity.Restaurant, SurrogateKey: 1, NaturalKey: "R1",
			Attrs: entity.Attributes{"restaurant_name": "Pizza Place"}, EffectiveFrom: t0, IsCurrent: true, BatchID: "b1"},
	}))
	at := t0.Add(time.Minute)
	_, err := facts.Insert(ctx, []fact.Row{{
		Type: entity.Order, SurrogateKey: 1, NaturalKey: "O1", BatchID: "b1", BusinessTime: at,
		DateKey: fact.DateKey(at), TimeKey: fact.TimeKey(at),
		Keys: map[string]int64{"restaurant_key": 1}, Measures: entity.Attributes{"order_total": 30.0}, CreatedAt: t0,
	}})
	require.NoError(t, err)

	exporter, err := New(Config{
		Logger:     fdwtesting.NewLogger(),
		Clock:      clockwork.NewFakeClockAt(t0),
		ClickHouse: client,
		Dimensions: dims,
		Facts:      facts,
	})
	require.NoError(t, err)

	b := run.Batch{ID: "b1", LastOpID: "op-1"}
	require.NoError(t, exporter.Commit(ctx, b))
	require.NoError(t, exporter.Commit(ctx, b), "re-export replaces rows")

	conn, err := client.Conn(ctx)
	require.NoError(t, err)
	defer conn.Close()

	rows, err := conn.Query(ctx, "SELECT count() FROM dim_versions FINAL WHERE batch_id = ?", "b1")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var n uint64
	require.NoError(t, rows.Scan(&n))
	require.NoError(t, rows.Close())
	require.Equal(t, uint64(1), n)

	rows, err = conn.Query(ctx, "SELECT keys['restaurant_key'] FROM facts FINAL WHERE natural_key = ?", "O1")
	require.NoError(t, err)
	require.True(t, rows.Next())
	var key int64
	require.NoError(t, rows.Scan(&key))
	require.NoError(t, rows.Close())
	require.Equal(t, int64(1), key)
}
