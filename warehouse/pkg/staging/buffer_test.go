package staging

import (
	"testing"

	fdwtesting "github.com/malbeclabs/fooddw/utils/pkg/testing"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
	"github.com/malbeclabs/fooddw/warehouse/pkg/quarantine"
	"github.com/stretchr/testify/require"
)

func restaurantRow(index int, id, name string) entity.RawRow {
	return entity.RawRow{Type: entity.Restaurant, Index: index, Fields: map[string]any{
		"restaurant_id":   id,
		"restaurant_name": name,
	}}
}

func TestFoodDW_Staging_Buffer_Admit(t *testing.T) {
	t.Parallel()
	log := fdwtesting.NewLogger()

	t.Run("last write wins for intra-batch duplicates", func(t *testing.T) {
		t.Parallel()
		buf := NewBuffer(log, "b1")
		admitted, rejected := buf.Admit([]entity.RawRow{
			restaurantRow(0, "R1", "Pizza Place"),
			restaurantRow(1, "R2", "Taco Town"),
			restaurantRow(2, "R1", "Pizza Palace"),
		})
		require.Empty(t, rejected, "superseded rows are not quarantined")
		recs := admitted.Records[entity.Restaurant]
		require.Len(t, recs, 2)
		require.Equal(t, "R2", recs[0].NaturalKey)
		require.Equal(t, "R1", recs[1].NaturalKey)
		require.Equal(t, "Pizza Palace", recs[1].Attrs["restaurant_name"])
		require.Equal(t, 1, admitted.Superseded[entity.Restaurant])
	})

	t.Run("malformed rows are quarantined", func(t *testing.T) {
		t.Parallel()
		buf := NewBuffer(log, "b2")
		admitted, rejected := buf.Admit([]entity.RawRow{
			{Type: entity.Restaurant, Index: 0, Fields: map[string]any{"restaurant_name": "No Key"}},
			{Type: entity.Product, Index: 1, Fields: map[string]any{"product_id": "P1", "product_name": "x", "price": "abc"}},
			{Type: "invoice", Index: 2, Fields: map[string]any{}},
			restaurantRow(3, "R1", "Pizza Place"),
		})
		require.Equal(t, 1, admitted.Count())
		require.Len(t, rejected, 3)
		for _, r := range rejected {
			require.Equal(t, quarantine.ReasonMalformed, r.Reason)
			require.Equal(t, "b2", r.BatchID)
		}
		require.Nil(t, rejected[0].NaturalKey)
		require.Equal(t, "P1", *rejected[1].NaturalKey)
	})

	t.Run("malformed last occurrence does not resurrect an earlier row", func(t *testing.T) {
		t.Parallel()
		buf := NewBuffer(log, "b4")
		admitted, rejected := buf.Admit([]entity.RawRow{
			{Type: entity.Product, Index: 0, Fields: map[string]any{"product_id": "P1", "product_name": "Old", "price": 5}},
			{Type: entity.Product, Index: 1, Fields: map[string]any{"product_id": "P1", "product_name": "New", "price": "abc"}},
			{Type: entity.Product, Index: 2, Fields: map[string]any{"product_id": "P2", "product_name": "Other", "price": 7}},
		})
		require.Len(t, rejected, 1)
		require.Equal(t, quarantine.ReasonMalformed, rejected[0].Reason)
		require.Equal(t, "P1", *rejected[0].NaturalKey)
		require.Equal(t, 1, rejected[0].RowIndex)

		recs := admitted.Records[entity.Product]
		require.Len(t, recs, 1)
		require.Equal(t, "P2", recs[0].NaturalKey)
		require.Equal(t, 1, admitted.Superseded[entity.Product])
	})

	t.Run("malformed earlier occurrence is superseded silently", func(t *testing.T) {
		t.Parallel()
		buf := NewBuffer(log, "b5")
		admitted, rejected := buf.Admit([]entity.RawRow{
			{Type: entity.Product, Index: 0, Fields: map[string]any{"product_id": "P1", "product_name": "Old", "price": "abc"}},
			{Type: entity.Product, Index: 1, Fields: map[string]any{"product_id": "P1", "product_name": "New", "price": 5}},
		})
		require.Empty(t, rejected)
		recs := admitted.Records[entity.Product]
		require.Len(t, recs, 1)
		require.Equal(t, "New", recs[0].Attrs["product_name"])
	})

	t.Run("same key across entity types is not a duplicate", func(t *testing.T) {
		t.Parallel()
		buf := NewBuffer(log, "b3")
		admitted, rejected := buf.Admit([]entity.RawRow{
			restaurantRow(0, "1", "Pizza Place"),
			{Type: entity.Customer, Index: 1, Fields: map[string]any{"customer_id": "1"}},
		})
		require.Empty(t, rejected)
		require.Equal(t, 2, admitted.Count())
		require.Empty(t, admitted.Superseded)
	})
}
