package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/dimension"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/fact"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/malbeclabs/fooddw/warehouse/pkg/run"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, ready func(context.Context) error) (*Server, *dimension.MemoryStore) {
	t.Helper()
	dims := dimension.NewMemoryStore()
	coord, err := run.New(run.Config{
		Logger:     fdwtesting.NewLogger(),
		Clock:      clockwork.NewFakeClockAt(t0),
		Store:      run.NewMemoryStore(),
		Quarantine: quarantine.NewMemorySink(),
		Dimensions: dims,
		Facts:      fact.NewMemoryStore(),
	})
	require.NoError(t, err)
	srv, err := New(Config{
		Logger:      fdwtesting.NewLogger(),
		Coordinator: coord,
		Dimensions:  dims,
		Ready:       ready,
	})
	require.NoError(t, err)
	return srv, dims
}

func do(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func submit(t *testing.T, srv *Server, batchID, typ string, at time.Time, rows ...map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, srv, http.MethodPost, "/v1/batches/"+batchID+"/rows", SubmitRequest{EntityType: typ, IngestedAt: &at, Rows: rows})
}

func TestFoodDW_Server_Batches_SubmitRunAndRead(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	b1 := t0.Add(time.Hour)
	rec := submit(t, srv, "b1", "restaurant", b1, map[string]any{"restaurant_id": "R1", "restaurant_name": "Pizza Place"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	rec = submit(t, srv, "b1", "product", b1,
		map[string]any{"product_id": "P1", "product_name": "Margherita", "price": 9.5},
		map[string]any{"product_id": "P2", "product_name": "Broken", "price": -1},
	)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, srv, http.MethodPost, "/v1/batches/b1/run", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res run.RunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, run.StateCommitted, res.Status)
	require.Equal(t, 1, res.QuarantinedCount)

	rec = do(t, srv, http.MethodGet, "/v1/batches/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var batch BatchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &batch))
	require.Equal(t, run.StateCommitted, batch.Batch.State)
	require.Equal(t, 3, batch.Batch.Rows)

	rec = do(t, srv, http.MethodGet, "/v1/batches/b1/quarantine", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var q QuarantineResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &q))
	require.Len(t, q.Records, 1)
	require.Equal(t, 1, q.ByReason[quarantine.Validation("price_non_negative")])

	rec = submit(t, srv, "b1", "restaurant", b1, map[string]any{"restaurant_id": "R2", "restaurant_name": "Late"})
	require.Equal(t, http.StatusConflict, rec.Code, "committed batches are sealed")
}

func TestFoodDW_Server_Dimensions_HistoryAndAsOf(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	b1, b2 := t0.Add(time.Hour), t0.Add(25*time.Hour)
	submit(t, srv, "b1", "restaurant", b1, map[string]any{"restaurant_id": "R1", "restaurant_name": "Pizza Place"})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/batches/b1/run", nil).Code)
	submit(t, srv, "b2", "restaurant", b2, map[string]any{"restaurant_id": "R1", "restaurant_name": "Pizza Palace"})
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/batches/b2/run", nil).Code)

	rec := do(t, srv, http.MethodGet, "/v1/dimensions/restaurant/R1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp DimensionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 2)
	require.False(t, resp.Versions[0].IsCurrent)
	require.True(t, resp.Versions[1].IsCurrent)

	rec = do(t, srv, http.MethodGet, "/v1/dimensions/restaurant/R1?as_of="+b1.Add(time.Minute).Format(time.RFC3339), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp = DimensionResponse{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Versions, 1)
	require.Equal(t, "Pizza Place", resp.Versions[0].Attrs["restaurant_name"])

	require.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/dimensions/restaurant/R9", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/dimensions/order/O1", nil).Code)
	require.Equal(t, http.StatusBadRequest, do(t, srv, http.MethodGet, "/v1/dimensions/invoice/I1", nil).Code)
}

func TestFoodDW_Server_Batches_ErrorMapping(t *testing.T) {
	t.Parallel()
	srv, _ := newTestServer(t, nil)

	require.Equal(t, http.StatusNotFound, do(t, srv, http.MethodGet, "/v1/batches/missing", nil).Code)
	require.Equal(t, http.StatusNotFound, do(t, srv, http.MethodPost, "/v1/batches/missing/run", nil).Code)
	require.Equal(t, http.StatusBadRequest, submit(t, srv, "b1", "invoice", t0).Code)
	require.Equal(t, http.StatusBadRequest, submit(t, srv, "b1", "restaurant", t0).Code, "empty rows")

	submit(t, srv, "b1", "restaurant", t0.Add(time.Hour), map[string]any{"restaurant_id": "R1", "restaurant_name": "A"})
	submit(t, srv, "b2", "restaurant", t0.Add(2*time.Hour), map[string]any{"restaurant_id": "R2", "restaurant_name": "B"})
	require.Equal(t, http.StatusConflict, do(t, srv, http.MethodPost, "/v1/batches/b2/run", nil).Code, "b1 is pending")

	rec := submit(t, srv, "b0", "restaurant", t0, map[string]any{"restaurant_id": "R3", "restaurant_name": "C"})
	require.Equal(t, http.StatusConflict, rec.Code, "ingestion timestamps are monotonic")

	rec = do(t, srv, http.MethodPost, "/v1/batches/b1/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var b run.Batch
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &b))
	require.Equal(t, run.StateCancelled, b.State)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodPost, "/v1/batches/b2/run", nil).Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/batches/b3/rows", bytes.NewBufferString("{not json"))
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFoodDW_Server_Probes(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/healthz", nil).Code)
	require.Equal(t, http.StatusOK, do(t, srv, http.MethodGet, "/readyz", nil).Code)
	srv.SetShuttingDown()
	require.Equal(t, http.StatusServiceUnavailable, do(t, srv, http.MethodGet, "/readyz", nil).Code)

	down, _ := newTestServer(t, func(context.Context) error { return errors.New("connection refused") })
	rec := do(t, down, http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NotContains(t, rec.Body.String(), "refused")
}

func TestFoodDW_Server_Dimensions_VersionJSON(t *testing.T) {
	t.Parallel()
	srv, dims := newTestServer(t, nil)

	require.NoError(t, dims.Apply(t.Context(), dimension.Mutation{
		Type: entity.Customer, NaturalKey: "C1", BatchID: "b1",
		Insert: &dimension.Version{Type: entity.Customer, SurrogateKey: 1, NaturalKey: "C1",
			Attrs: entity.Attributes{"email": "a@example.com"}, EffectiveFrom: t0, IsCurrent: true, BatchID: "b1"},
	}))

	rec := do(t, srv, http.MethodGet, "/v1/dimensions/customer/C1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"surrogate_key":1`)
	require.Contains(t, rec.Body.String(), `"effective_to":null`)
}
