package entity

import (
	"fmt"
	"strings"
)

// Type identifies a source entity. Dimension types are versioned with SCD2 semantics;
// transaction types become immutable fact rows.
type Type string

const (
	Restaurant     Type = "restaurant"
	Product        Type = "product"
	Promotion      Type = "promotion"
	Customer       Type = "customer"
	DeliveryPerson Type = "delivery_person"

	Order     Type = "order"
	OrderItem Type = "order_item"
	Delivery  Type = "delivery"
	Rating    Type = "rating"
)

type Kind int

const (
	KindUnknown Kind = iota
	KindDimension
	KindTransaction
)

func (k Kind) String() string {
	switch k {
	case KindDimension:
		return "dimension"
	case KindTransaction:
		return "transaction"
	default:
		return "unknown"
	}
}

var (
	DimensionTypes   = []Type{Restaurant, Product, Promotion, Customer, DeliveryPerson}
	TransactionTypes = []Type{Order, OrderItem, Delivery, Rating}
)

func (t Type) Kind() Kind {
	switch t {
	case Restaurant, Product, Promotion, Customer, DeliveryPerson:
		return KindDimension
	case Order, OrderItem, Delivery, Rating:
		return KindTransaction
	default:
		return KindUnknown
	}
}

func (t Type) Valid() bool {
	return t.Kind() != KindUnknown
}

func (t Type) String() string {
	return string(t)
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownEntity, s)
	}
	return t, nil
}
