package service

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFoodDW_Service_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: fdwtesting.NewLogger(), RefreshInterval: -time.Second}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: fdwtesting.NewLogger(), PostgresMigrationsEnable: true}
	require.Error(t, cfg.Validate())

	cfg = Config{Logger: fdwtesting.NewLogger()}
	require.NoError(t, cfg.Validate())
	require.NotNil(t, cfg.Clock)
}

func TestFoodDW_Service_RefreshLoop_RunsSettledBatches(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	clock := clockwork.NewFakeClockAt(t0)

	svc, err := New(ctx, Config{
		Logger:          fdwtesting.NewLogger(),
		Clock:           clock,
		RefreshInterval: time.Minute,
		SettleAfter:     30 * time.Second,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Ready(ctx))

	coord := svc.Coordinator()
	_, err = coord.Submit(ctx, run.Submission{BatchID: "b1", EntityType: entity.Restaurant,
		Rows: []map[string]any{{"restaurant_id": "R1", "restaurant_name": "Pizza Place"}}})
	require.NoError(t, err)

	svc.Start(ctx)
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	clock.Advance(time.Minute)
	require.Eventually(t, func() bool {
		state, err := coord.Status(ctx, "b1")
		return err == nil && state == run.StateCommitted
	}, 5*time.Second, 10*time.Millisecond)

	v, err := svc.Dimensions().Current(ctx, entity.Restaurant, "R1")
	require.NoError(t, err)
	require.NotNil(t, v)
	require.Equal(t, t0, v.EffectiveFrom)
}

func TestFoodDW_Service_Refresh_WaitsForSettle(t *testing.T) {
	t.Parallel()
	ctx := t.Context()
	clock := clockwork.NewFakeClockAt(t0)

	svc, err := New(ctx, Config{
		Logger:      fdwtesting.NewLogger(),
		Clock:       clock,
		SettleAfter: time.Minute,
	})
	require.NoError(t, err)

	coord := svc.Coordinator()
	_, err = coord.Submit(ctx, run.Submission{BatchID: "b1", EntityType: entity.Restaurant,
		Rows: []map[string]any{{"restaurant_id": "R1", "restaurant_name": "Pizza Place"}}})
	require.NoError(t, err)

	svc.Refresh(ctx)
	state, err := coord.Status(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, run.StateReceived, state)

	clock.Advance(2 * time.Minute)
	svc.Refresh(ctx)
	state, err = coord.Status(ctx, "b1")
	require.NoError(t, err)
	require.Equal(t, run.StateCommitted, state)
}
