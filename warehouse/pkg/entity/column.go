package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type ColumnType string

const (
	TypeVarchar   ColumnType = "VARCHAR"
	TypeBigint    ColumnType = "BIGINT"
	TypeDouble    ColumnType = "DOUBLE"
	TypeBoolean   ColumnType = "BOOLEAN"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeDate      ColumnType = "DATE"
)

var (
	ErrMalformed     = errors.New("malformed row")
	ErrMissingValue  = errors.New("missing required value")
	ErrInvalidColumn = errors.New("invalid column definition")
)

type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// ParseColumn parses a "name:TYPE" or "name:Nullable(TYPE)" definition.
func ParseColumn(def string) (Column, error) {
	name, typ, ok := strings.Cut(def, ":")
	if !ok || name == "" || typ == "" {
		return Column{}, fmt.Errorf("%w: %q", ErrInvalidColumn, def)
	}
	col := Column{Name: name}
	if inner, found := strings.CutPrefix(typ, "Nullable("); found {
		inner, found = strings.CutSuffix(inner, ")")
		if !found {
			return Column{}, fmt.Errorf("%w: %q", ErrInvalidColumn, def)
		}
		col.Nullable = true
		typ = inner
	}
	switch ColumnType(typ) {
	case TypeVarchar, TypeBigint, TypeDouble, TypeBoolean, TypeTimestamp, TypeDate:
		col.Type = ColumnType(typ)
	default:
		return Column{}, fmt.Errorf("%w: unsupported type %q in %q", ErrInvalidColumn, typ, def)
	}
	return col, nil
}

func parseColumns(defs []string) ([]Column, error) {
	cols := make([]Column, 0, len(defs))
	for _, def := range defs {
		col, err := ParseColumn(def)
		if err != nil {
			return nil, err
		}
		cols = append(cols, col)
	}
	return cols, nil
}

// CoercionError reports a value that could not be converted to its column's type.
type CoercionError struct {
	Column string
	Value  any
	Err    error
}

func (e *CoercionError) Error() string {
	return fmt.Sprintf("column %s: %v (value %v)", e.Column, e.Err, e.Value)
}

func (e *CoercionError) Unwrap() error {
	return e.Err
}

func (e *CoercionError) Is(target error) bool {
	return target == ErrMalformed
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	time.DateOnly,
}

// Coerce converts a loosely typed value (as decoded from JSON or CSV) into the Go type of the
// column: string, int64, float64, bool or time.Time in UTC. Absent values become nil for
// nullable columns.
func (c Column) Coerce(v any) (any, error) {
	if isAbsent(v, c.Type) {
		if c.Nullable {
			return nil, nil
		}
		return nil, &CoercionError{Column: c.Name, Value: v, Err: ErrMissingValue}
	}
	out, err := coerceValue(c.Type, v)
	if err != nil {
		return nil, &CoercionError{Column: c.Name, Value: v, Err: err}
	}
	return out, nil
}

func isAbsent(v any, typ ColumnType) bool {
	if v == nil {
		return true
	}
	// An empty string is a value for text columns but means "not provided" for typed ones.
	if s, ok := v.(string); ok && typ != TypeVarchar {
		return strings.TrimSpace(s) == ""
	}
	return false
}

func coerceValue(typ ColumnType, v any) (any, error) {
	switch typ {
	case TypeVarchar:
		return toString(v)
	case TypeBigint:
		return toInt64(v)
	case TypeDouble:
		return toFloat64(v)
	case TypeBoolean:
		return toBool(v)
	case TypeTimestamp:
		return toTime(v)
	case TypeDate:
		t, err := toTime(v)
		if err != nil {
			return nil, err
		}
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
	default:
		return nil, fmt.Errorf("unsupported column type %q", typ)
	}
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case json.Number:
		return x.String(), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case bool:
		return strconv.FormatBool(x), nil
	default:
		return "", fmt.Errorf("cannot convert %T to string", v)
	}
}

func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int64(x), nil
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, err
		}
		return toInt64(f)
	case string:
		s := strings.TrimSpace(x)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return toInt64(f)
	default:
		return 0, fmt.Errorf("cannot convert %T to integer", v)
	}
}

func toFloat64(v any) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, err
		}
		f = parsed
	case string:
		// Source extracts carry currency-formatted prices such as "$12.50".
		s := strings.TrimPrefix(strings.TrimSpace(x), "$")
		parsed, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("cannot convert %T to number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number: %v", v)
	}
	return f, nil
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case float64:
		return boolFromNumber(x)
	case int:
		return boolFromNumber(float64(x))
	case int64:
		return boolFromNumber(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return false, err
		}
		return boolFromNumber(f)
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "true", "t", "yes", "y", "1":
			return true, nil
		case "false", "f", "no", "n", "0":
			return false, nil
		}
		return false, fmt.Errorf("not a boolean: %q", x)
	default:
		return false, fmt.Errorf("cannot convert %T to boolean", v)
	}
}

func boolFromNumber(f float64) (bool, error) {
	switch f {
	case 0:
		return false, nil
	case 1:
		return true, nil
	}
	return false, fmt.Errorf("not a boolean: %v", f)
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("not a timestamp: %q", x)
	default:
		return time.Time{}, fmt.Errorf("cannot convert %T to timestamp", v)
	}
}

// ValuesEqual compares two coerced values. Numbers compare exactly, strings case-sensitively and
// timestamps by instant.
func ValuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	case int64:
		switch y := b.(type) {
		case int64:
			return x == y
		case float64:
			return float64(x) == y
		}
		return false
	case float64:
		switch y := b.(type) {
		case float64:
			return x == y
		case int64:
			return x == float64(y)
		}
		return false
	default:
		return a == b
	}
}
