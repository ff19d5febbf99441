package entity

import (
	"strings"
	"time"
)

// OpField is the optional raw field carrying the change operation of a dimension row. "D" marks
// a soft delete; anything else (or nothing) is an upsert.
const OpField = "_op"

type Op string

const (
	OpUpsert Op = "U"
	OpDelete Op = "D"
)

// RawRow is one row as handed over by the extractor, before coercion.
type RawRow struct {
	Type   Type           `json:"entity_type"`
	Index  int            `json:"index"`
	Fields map[string]any `json:"fields"`
}

// Attributes holds coerced column values keyed by column name.
type Attributes map[string]any

func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

func (a Attributes) String(col string) (string, bool) {
	s, ok := a[col].(string)
	return s, ok
}

func (a Attributes) Float(col string) (float64, bool) {
	switch v := a[col].(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func (a Attributes) Int(col string) (int64, bool) {
	v, ok := a[col].(int64)
	return v, ok
}

func (a Attributes) Time(col string) (time.Time, bool) {
	v, ok := a[col].(time.Time)
	return v, ok
}

// Record is a structurally valid row: coerced attributes plus its natural key.
type Record struct {
	Type       Type
	NaturalKey string
	Attrs      Attributes
	Op         Op
	Raw        RawRow
}

func (r Record) Deleted() bool {
	return r.Op == OpDelete
}

func parseOp(v any) (Op, bool) {
	if v == nil {
		return OpUpsert, true
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "I", "U":
		return OpUpsert, true
	case "D":
		return OpDelete, true
	}
	return "", false
}
