package clean

import (
	"strings"

	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

type casing int

const (
	upper casing = iota + 1
	lower
)

// Enumerated columns get one canonical casing so that "percentage" and "PERCENTAGE" never create
// a new dimension version.
var enumColumns = map[string]casing{
	"discount_type":      upper,
	"order_status":       lower,
	"payment_method":     lower,
	"payment_status":     lower,
	"delivery_status":    lower,
	"vehicle_type":       lower,
	"weather_conditions": lower,
	"traffic_density":    lower,
	"email":              lower,
}

func normalize(rec entity.Record) entity.Record {
	tbl := entity.MustLookup(rec.Type)
	attrs := rec.Attrs.Clone()
	for name, v := range attrs {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = strings.TrimSpace(s)
		switch enumColumns[name] {
		case upper:
			s = strings.ToUpper(s)
		case lower:
			s = strings.ToLower(s)
		}
		if col, ok := tbl.Column(name); ok && col.Nullable && s == "" {
			attrs[name] = nil
			continue
		}
		attrs[name] = s
	}

	if rec.Type == entity.OrderItem && attrs["item_total"] == nil {
		qty, okQty := attrs.Int("quantity")
		price, okPrice := attrs.Float("unit_price")
		if okQty && okPrice {
			attrs["item_total"] = float64(qty) * price
		}
	}

	rec.Attrs = attrs
	return rec
}
