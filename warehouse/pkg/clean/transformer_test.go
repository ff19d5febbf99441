package clean

import (
	"testing"
	"time"

	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/stretchr/testify/require"
)

func record(t *testing.T, typ entity.Type, fields map[string]any) entity.Record {
	t.Helper()
	rec, err := entity.MustLookup(typ).Coerce(entity.RawRow{Type: typ, Fields: fields})
	require.NoError(t, err)
	return rec
}

func TestFoodDW_Clean_Transformer_Transform(t *testing.T) {
	t.Parallel()
	tr := NewTransformer(fdwtesting.NewLogger(), "b1")

	t.Run("negative price is quarantined", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Product, map[string]any{
			"product_id": "P1", "product_name": "Soup", "price": -1.0,
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("price_non_negative"), q.Reason)
		require.Equal(t, "P1", *q.NaturalKey)
		require.Equal(t, "b1", q.BatchID)
	})

	t.Run("normalizes strings and enums", func(t *testing.T) {
		t.Parallel()
		out, q := tr.Transform(record(t, entity.Promotion, map[string]any{
			"promotion_id":   "PR1",
			"promotion_name": "  Spring Sale ",
			"discount_type":  "percentage",
			"discount_value": 10,
			"description":    "   ",
		}))
		require.Nil(t, q)
		require.Equal(t, "Spring Sale", out.Attrs["promotion_name"])
		require.Equal(t, "PERCENTAGE", out.Attrs["discount_type"])
		require.Nil(t, out.Attrs["description"], "blank nullable text becomes null")
	})

	t.Run("percentage discount over 100 is rejected", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Promotion, map[string]any{
			"promotion_id": "PR2", "promotion_name": "Too Good", "discount_type": "PERCENTAGE", "discount_value": 150,
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("percentage_discount_max_100"), q.Reason)
	})

	t.Run("inverted date range is rejected", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Promotion, map[string]any{
			"promotion_id": "PR3", "promotion_name": "Backwards", "discount_type": "FIXED", "discount_value": 5,
			"start_date": "2024-05-01", "end_date": "2024-04-01",
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("date_range_valid"), q.Reason)
	})

	t.Run("unknown discount type is rejected", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Promotion, map[string]any{
			"promotion_id": "PR4", "promotion_name": "Mystery", "discount_type": "cashback", "discount_value": 5,
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("discount_type_known"), q.Reason)
	})

	t.Run("email and coordinates use field validators", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Customer, map[string]any{"customer_id": "C1", "email": "not-an-email"}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("email_format"), q.Reason)

		_, q = tr.Transform(record(t, entity.Restaurant, map[string]any{"restaurant_id": "R1", "restaurant_name": "Pizza", "latitude": 123.0}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("latitude_range"), q.Reason)

		out, q := tr.Transform(record(t, entity.Customer, map[string]any{"customer_id": "C2", "email": " Ana@Example.COM ", "latitude": -33.9, "longitude": 18.4}))
		require.Nil(t, q)
		require.Equal(t, "ana@example.com", out.Attrs["email"])
	})

	t.Run("rating out of range is rejected", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Rating, map[string]any{
			"rating_id": "RT1", "order_id": "O1", "overall_rating": 6, "created_at": "2024-01-01T12:00:00Z",
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("overall_rating_range"), q.Reason)
	})

	t.Run("derives item total", func(t *testing.T) {
		t.Parallel()
		out, q := tr.Transform(record(t, entity.OrderItem, map[string]any{
			"order_item_id": "OI1", "order_id": "O1", "quantity": 3, "unit_price": 2.5, "created_at": "2024-01-01T12:00:00Z",
		}))
		require.Nil(t, q)
		require.Equal(t, 7.5, out.Attrs["item_total"])
	})

	t.Run("pickup after delivery is rejected", func(t *testing.T) {
		t.Parallel()
		_, q := tr.Transform(record(t, entity.Delivery, map[string]any{
			"delivery_id": "D1", "order_id": "O1",
			"pickup_time": "2024-01-01T12:30:00Z", "delivery_time": "2024-01-01T12:00:00Z",
		}))
		require.NotNil(t, q)
		require.Equal(t, quarantine.Validation("time_range_valid"), q.Reason)
	})

	t.Run("tombstones skip rules", func(t *testing.T) {
		t.Parallel()
		rec := record(t, entity.Product, map[string]any{"product_id": "P9", entity.OpField: "D"})
		out, q := tr.Transform(rec)
		require.Nil(t, q)
		require.True(t, out.Deleted())
	})
}

func TestFoodDW_Clean_Transformer_TransformAll(t *testing.T) {
	t.Parallel()
	tr := NewTransformer(fdwtesting.NewLogger(), "b1")

	ts := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	accepted, rejected, err := tr.TransformAll(t.Context(), map[entity.Type][]entity.Record{
		entity.Product: {
			record(t, entity.Product, map[string]any{"product_id": "P1", "product_name": "Soup", "price": 4}),
			record(t, entity.Product, map[string]any{"product_id": "P2", "product_name": "Salad", "price": -4}),
		},
		entity.Order: {
			record(t, entity.Order, map[string]any{"order_id": "O1", "order_date": ts, "order_total": 20, "order_status": "DELIVERED"}),
		},
	})
	require.NoError(t, err)
	require.Len(t, accepted[entity.Product], 1)
	require.Equal(t, "P1", accepted[entity.Product][0].NaturalKey)
	require.Len(t, accepted[entity.Order], 1)
	require.Equal(t, "delivered", accepted[entity.Order][0].Attrs["order_status"])
	require.Len(t, rejected, 1)
	require.Equal(t, "P2", *rejected[0].NaturalKey)
}
