package entity

import (
	"fmt"
	"strings"
)

// Table is a compiled Schema: parsed columns and lookups used by coercion and comparison.
type Table struct {
	Schema  Schema
	Key     Column
	Columns []Column

	byName  map[string]Column
	tracked []string
}

var tables = func() map[Type]*Table {
	out := make(map[Type]*Table, len(schemas))
	for _, s := range schemas {
		t, err := Compile(s)
		if err != nil {
			panic(err)
		}
		out[s.Type()] = t
	}
	return out
}()

func Compile(s Schema) (*Table, error) {
	keys, err := parseColumns(s.PrimaryKeyColumns())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	if len(keys) != 1 {
		return nil, fmt.Errorf("%s: expected exactly one primary key column, got %d", s.Name(), len(keys))
	}
	cols, err := parseColumns(s.PayloadColumns())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Name(), err)
	}
	t := &Table{
		Schema:  s,
		Key:     keys[0],
		Columns: cols,
		byName:  make(map[string]Column, len(cols)),
	}
	for _, c := range cols {
		t.byName[c.Name] = c
	}
	if ds, ok := s.(DimensionSchema); ok {
		for _, name := range ds.TrackedColumns() {
			if _, ok := t.byName[name]; !ok {
				return nil, fmt.Errorf("%s: tracked column %q is not a payload column", s.Name(), name)
			}
		}
		t.tracked = ds.TrackedColumns()
	}
	if ts, ok := s.(TransactionSchema); ok {
		if _, ok := t.byName[ts.BusinessTimeColumn()]; !ok {
			return nil, fmt.Errorf("%s: business time column %q is not a payload column", s.Name(), ts.BusinessTimeColumn())
		}
		for _, ref := range ts.References() {
			if _, ok := t.byName[ref.Column]; !ok {
				return nil, fmt.Errorf("%s: reference column %q is not a payload column", s.Name(), ref.Column)
			}
		}
	}
	return t, nil
}

func Lookup(t Type) (*Table, error) {
	tbl, ok := tables[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntity, t)
	}
	return tbl, nil
}

func MustLookup(t Type) *Table {
	tbl, err := Lookup(t)
	if err != nil {
		panic(err)
	}
	return tbl
}

func (t *Table) Type() Type {
	return t.Schema.Type()
}

func (t *Table) Column(name string) (Column, bool) {
	c, ok := t.byName[name]
	return c, ok
}

func (t *Table) TrackedColumns() []string {
	return t.tracked
}

func (t *Table) Dimension() (DimensionSchema, bool) {
	ds, ok := t.Schema.(DimensionSchema)
	return ds, ok
}

func (t *Table) Transaction() (TransactionSchema, bool) {
	ts, ok := t.Schema.(TransactionSchema)
	return ts, ok
}

// Coerce structurally validates a raw row and converts it into a Record. Any returned error
// matches ErrMalformed.
func (t *Table) Coerce(raw RawRow) (Record, error) {
	key, err := t.NaturalKey(raw)
	if err != nil {
		return Record{}, err
	}

	op, ok := parseOp(raw.Fields[OpField])
	if !ok || (op == OpDelete && t.Type().Kind() != KindDimension) {
		return Record{}, &CoercionError{Column: OpField, Value: raw.Fields[OpField], Err: fmt.Errorf("unsupported operation")}
	}

	rec := Record{
		Type:       t.Type(),
		NaturalKey: key,
		Op:         op,
		Raw:        raw,
	}
	if op == OpDelete {
		// Tombstones only need their key.
		rec.Attrs = Attributes{}
		return rec, nil
	}

	attrs, err := t.Decode(raw.Fields)
	if err != nil {
		return Record{}, err
	}
	rec.Attrs = attrs
	return rec, nil
}

// NaturalKey extracts the trimmed natural key of raw without coercing its payload.
func (t *Table) NaturalKey(raw RawRow) (string, error) {
	keyVal, err := t.Key.Coerce(raw.Fields[t.Key.Name])
	if err != nil {
		return "", err
	}
	key := strings.TrimSpace(keyVal.(string))
	if key == "" {
		return "", &CoercionError{Column: t.Key.Name, Value: keyVal, Err: ErrMissingValue}
	}
	return key, nil
}

// Decode coerces every payload column of m. It is also used to restore attributes that were
// persisted as JSON.
func (t *Table) Decode(m map[string]any) (Attributes, error) {
	attrs := make(Attributes, len(t.Columns))
	for _, c := range t.Columns {
		v, err := c.Coerce(m[c.Name])
		if err != nil {
			return nil, err
		}
		attrs[c.Name] = v
	}
	return attrs, nil
}

// Diff returns the tracked columns on which a and b differ.
func (t *Table) Diff(a, b Attributes) []string {
	var out []string
	for _, name := range t.tracked {
		if !ValuesEqual(a[name], b[name]) {
			out = append(out, name)
		}
	}
	return out
}
