package clean

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/malbeclabs/fooddw/warehouse/pkg/entity"
)

// Rule is a named business rule. Check returns nil when attrs satisfy it.
type Rule struct {
	Name  string
	Check func(v *validator.Validate, attrs entity.Attributes) error
}

const discountTypes = "oneof=PERCENTAGE FIXED BOGO"

func newValidator() *validator.Validate {
	return validator.New(validator.WithRequiredStructEnabled())
}

// tagged validates an optional column with a validator tag. Null values pass.
func tagged(name, column, tag string) Rule {
	return Rule{Name: name, Check: func(v *validator.Validate, attrs entity.Attributes) error {
		val, ok := attrs[column]
		if !ok || val == nil {
			return nil
		}
		if err := v.Var(val, tag); err != nil {
			return fmt.Errorf("%s %v fails %q", column, val, tag)
		}
		return nil
	}}
}

func required(column string) Rule {
	return Rule{Name: column + "_required", Check: func(_ *validator.Validate, attrs entity.Attributes) error {
		if s, _ := attrs.String(column); s == "" {
			return fmt.Errorf("%s is empty", column)
		}
		return nil
	}}
}

func nonNegative(column string) Rule {
	return Rule{Name: column + "_non_negative", Check: func(_ *validator.Validate, attrs entity.Attributes) error {
		if f, ok := attrs.Float(column); ok && f < 0 {
			return fmt.Errorf("%s %v < 0", column, f)
		}
		return nil
	}}
}

func inRange(column string, lo, hi float64) Rule {
	return Rule{Name: column + "_range", Check: func(_ *validator.Validate, attrs entity.Attributes) error {
		if f, ok := attrs.Float(column); ok && (f < lo || f > hi) {
			return fmt.Errorf("%s %v not in [%v, %v]", column, f, lo, hi)
		}
		return nil
	}}
}

// orderedTimes requires from <= to when both are present.
func orderedTimes(name, from, to string) Rule {
	return Rule{Name: name, Check: func(_ *validator.Validate, attrs entity.Attributes) error {
		a, okA := attrs.Time(from)
		b, okB := attrs.Time(to)
		if okA && okB && a.After(b) {
			return fmt.Errorf("%s %s is after %s %s", from, a.Format(time.RFC3339), to, b.Format(time.RFC3339))
		}
		return nil
	}}
}

func defaultRules() map[entity.Type][]Rule {
	email := tagged("email_format", "email", "email")
	latitude := tagged("latitude_range", "latitude", "latitude")
	longitude := tagged("longitude_range", "longitude", "longitude")

	return map[entity.Type][]Rule{
		entity.Restaurant: {
			required("restaurant_name"),
			email,
			latitude,
			longitude,
		},
		entity.Product: {
			required("product_name"),
			nonNegative("price"),
			nonNegative("cost"),
			nonNegative("calories"),
			nonNegative("preparation_time"),
		},
		entity.Promotion: {
			required("promotion_name"),
			tagged("discount_type_known", "discount_type", discountTypes),
			nonNegative("discount_value"),
			{Name: "percentage_discount_max_100", Check: func(_ *validator.Validate, attrs entity.Attributes) error {
				kind, _ := attrs.String("discount_type")
				if f, ok := attrs.Float("discount_value"); ok && kind == "PERCENTAGE" && f > 100 {
					return fmt.Errorf("percentage discount %v > 100", f)
				}
				return nil
			}},
			orderedTimes("date_range_valid", "start_date", "end_date"),
			nonNegative("min_order_value"),
			nonNegative("max_discount"),
		},
		entity.Customer: {
			email,
			latitude,
			longitude,
		},
		entity.DeliveryPerson: {
			required("name"),
			inRange("age", 16, 100),
			inRange("rating", 0, 5),
		},
		entity.Order: {
			nonNegative("order_total"),
			nonNegative("tax_amount"),
			nonNegative("tip_amount"),
		},
		entity.OrderItem: {
			{Name: "quantity_positive", Check: func(_ *validator.Validate, attrs entity.Attributes) error {
				if q, ok := attrs.Int("quantity"); ok && q <= 0 {
					return fmt.Errorf("quantity %d <= 0", q)
				}
				return nil
			}},
			nonNegative("unit_price"),
			nonNegative("item_total"),
		},
		entity.Delivery: {
			nonNegative("delivery_distance"),
			orderedTimes("time_range_valid", "pickup_time", "delivery_time"),
		},
		entity.Rating: {
			inRange("overall_rating", 1, 5),
			inRange("food_rating", 1, 5),
			inRange("delivery_rating", 1, 5),
		},
	}
}
