package entity

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFoodDW_Entity_ParseColumn(t *testing.T) {
	t.Parallel()

	t.Run("plain type", func(t *testing.T) {
		t.Parallel()
		col, err := ParseColumn("price:DOUBLE")
		require.NoError(t, err)
		require.Equal(t, Column{Name: "price", Type: TypeDouble}, col)
	})

	t.Run("nullable type", func(t *testing.T) {
		t.Parallel()
		col, err := ParseColumn("email:Nullable(VARCHAR)")
		require.NoError(t, err)
		require.Equal(t, Column{Name: "email", Type: TypeVarchar, Nullable: true}, col)
	})

	t.Run("rejects unknown type and bad syntax", func(t *testing.T) {
		t.Parallel()
		for _, def := range []string{"price", "price:MONEY", "email:Nullable(VARCHAR", ":VARCHAR"} {
			_, err := ParseColumn(def)
			require.ErrorIs(t, err, ErrInvalidColumn, def)
		}
	})
}

func TestFoodDW_Entity_Tables_AllCompile(t *testing.T) {
	t.Parallel()

	for _, typ := range append(append([]Type{}, DimensionTypes...), TransactionTypes...) {
		tbl, err := Lookup(typ)
		require.NoError(t, err)
		require.Equal(t, typ, tbl.Type())
		switch typ.Kind() {
		case KindDimension:
			_, ok := tbl.Dimension()
			require.True(t, ok)
			require.NotEmpty(t, tbl.TrackedColumns())
			require.NotContains(t, tbl.TrackedColumns(), "source_system")
		case KindTransaction:
			ts, ok := tbl.Transaction()
			require.True(t, ok)
			col, ok := tbl.Column(ts.BusinessTimeColumn())
			require.True(t, ok)
			require.Equal(t, TypeTimestamp, col.Type)
		}
	}

	_, err := Lookup("invoice")
	require.ErrorIs(t, err, ErrUnknownEntity)
}

func TestFoodDW_Entity_Table_Coerce(t *testing.T) {
	t.Parallel()

	tbl := MustLookup(Product)

	t.Run("coerces loosely typed values", func(t *testing.T) {
		t.Parallel()
		rec, err := tbl.Coerce(RawRow{Type: Product, Index: 3, Fields: map[string]any{
			"product_id":    json.Number("42"),
			"product_name":  "Margherita",
			"price":         "$12.50",
			"is_vegetarian": "yes",
			"calories":      float64(800),
		}})
		require.NoError(t, err)
		require.Equal(t, "42", rec.NaturalKey)
		require.Equal(t, OpUpsert, rec.Op)
		require.Equal(t, 12.5, rec.Attrs["price"])
		require.Equal(t, true, rec.Attrs["is_vegetarian"])
		require.Equal(t, int64(800), rec.Attrs["calories"])
		require.Nil(t, rec.Attrs["cost"])
		require.Equal(t, 3, rec.Raw.Index)
	})

	t.Run("missing natural key is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := tbl.Coerce(RawRow{Type: Product, Fields: map[string]any{"product_id": "  ", "product_name": "x", "price": 1}})
		require.ErrorIs(t, err, ErrMalformed)
		require.ErrorIs(t, err, ErrMissingValue)
	})

	t.Run("uncoercible value is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := tbl.Coerce(RawRow{Type: Product, Fields: map[string]any{"product_id": "1", "product_name": "x", "price": "cheap"}})
		require.ErrorIs(t, err, ErrMalformed)
		var ce *CoercionError
		require.True(t, errors.As(err, &ce))
		require.Equal(t, "price", ce.Column)
	})

	t.Run("missing required column is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := tbl.Coerce(RawRow{Type: Product, Fields: map[string]any{"product_id": "1", "product_name": "x"}})
		require.ErrorIs(t, err, ErrMissingValue)
	})

	t.Run("tombstone only needs its key", func(t *testing.T) {
		t.Parallel()
		rec, err := tbl.Coerce(RawRow{Type: Product, Fields: map[string]any{"product_id": "1", OpField: "d"}})
		require.NoError(t, err)
		require.True(t, rec.Deleted())
		require.Empty(t, rec.Attrs)
	})

	t.Run("tombstone on a transaction is malformed", func(t *testing.T) {
		t.Parallel()
		_, err := MustLookup(Order).Coerce(RawRow{Type: Order, Fields: map[string]any{"order_id": "1", OpField: "D"}})
		require.ErrorIs(t, err, ErrMalformed)
	})
}

func TestFoodDW_Entity_Table_DecodeRoundTrip(t *testing.T) {
	t.Parallel()

	tbl := MustLookup(Promotion)
	rec, err := tbl.Coerce(RawRow{Type: Promotion, Fields: map[string]any{
		"promotion_id":   "P1",
		"promotion_name": "Spring",
		"discount_type":  "PERCENTAGE",
		"discount_value": 15,
		"start_date":     "2024-03-01",
		"end_date":       "2024-03-31T00:00:00Z",
	}})
	require.NoError(t, err)

	data, err := json.Marshal(rec.Attrs)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	decoded, err := tbl.Decode(m)
	require.NoError(t, err)
	require.Empty(t, tbl.Diff(rec.Attrs, decoded))
	require.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), decoded["start_date"])
}

func TestFoodDW_Entity_Table_Diff(t *testing.T) {
	t.Parallel()

	tbl := MustLookup(Restaurant)
	a := Attributes{"restaurant_name": "Pizza Place", "latitude": 1.5, "source_system": "pos"}
	b := a.Clone()
	b["source_system"] = "crm"
	require.Empty(t, tbl.Diff(a, b), "untracked columns never differ")

	b["restaurant_name"] = "pizza place"
	require.Equal(t, []string{"restaurant_name"}, tbl.Diff(a, b), "strings compare case-sensitively")
}

func TestFoodDW_Entity_InvariantError(t *testing.T) {
	t.Parallel()

	err := NewInvariantError(InvariantDuplicateCurrent, Customer, "C1", "found %d current versions", 2)
	require.ErrorIs(t, err, ErrInvariantViolation)
	require.Contains(t, err.Error(), "duplicate_current_version")
	require.Contains(t, err.Error(), "found 2 current versions")
}
