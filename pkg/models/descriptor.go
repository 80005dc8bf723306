package models

import (
	"errors"
	"fmt"
	"strings"
)

// ColumnDef is one destination column and its inferred kind.
type ColumnDef struct {
	Name string
	Kind Kind
}

// TableDescriptor is derived once per load and used to provision the
// destination table. It is never persisted on its own.
type TableDescriptor struct {
	Name       string
	Columns    []ColumnDef
	PrimaryKey string
}

// TableName joins a base name and a postfix, e.g. "classes" + "_2526".
func TableName(base, postfix string) string {
	return base + postfix
}

// Describe infers the column kinds of an extract and returns the
// descriptor for table base+postfix.
func Describe(e *Extract, base, postfix string) (TableDescriptor, error) {
	name := TableName(base, postfix)
	if strings.TrimSpace(name) == "" {
		return TableDescriptor{}, errors.New("table name is required")
	}
	if e.PrimaryKey == "" {
		return TableDescriptor{}, fmt.Errorf("table %s: primary key is required", name)
	}
	if e.ColumnIndex(e.PrimaryKey) < 0 {
		return TableDescriptor{}, fmt.Errorf("table %s: primary key column %q not in extract", name, e.PrimaryKey)
	}

	cols := make([]ColumnDef, len(e.Columns))
	for i, c := range e.Columns {
		cols[i] = ColumnDef{Name: c, Kind: InferKind(c, e.Rows, i)}
	}
	return TableDescriptor{Name: name, Columns: cols, PrimaryKey: e.PrimaryKey}, nil
}

// InferKind decides the kind of column idx. Numeric columns win over the
// timestamp naming convention; anything mixed falls back to text.
func InferKind(name string, rows [][]Value, idx int) Kind {
	var ints, floats, times, texts int
	for _, row := range rows {
		v := row[idx]
		if v.Null {
			continue
		}
		switch v.Kind {
		case KindInteger:
			ints++
		case KindFloat:
			floats++
		case KindTimestamp:
			times++
		default:
			texts++
		}
	}

	numeric := ints + floats
	switch {
	case numeric > 0 && times+texts == 0:
		if floats > 0 {
			return KindFloat
		}
		return KindInteger
	case times > 0 && numeric+texts == 0:
		return KindTimestamp
	case numeric == 0 && isTimestampName(name):
		return KindTimestamp
	}
	return KindText
}

func isTimestampName(name string) bool {
	return strings.Contains(strings.ToLower(name), "timestamp")
}

// Column returns the definition of the named column.
func (d TableDescriptor) Column(name string) (ColumnDef, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return ColumnDef{}, false
}

// NonKeyColumns returns the columns overwritten on a primary-key conflict.
func (d TableDescriptor) NonKeyColumns() []string {
	out := make([]string, 0, len(d.Columns))
	for _, c := range d.Columns {
		if c.Name != d.PrimaryKey {
			out = append(out, c.Name)
		}
	}
	return out
}

// ColumnNames returns every column name in extract order.
func (d TableDescriptor) ColumnNames() []string {
	out := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		out[i] = c.Name
	}
	return out
}

// Coerce converts a row to the descriptor's column kinds.
func (d TableDescriptor) Coerce(row []Value) []any {
	out := make([]any, len(row))
	for i, v := range row {
		out[i] = v.As(d.Columns[i].Kind).Any()
	}
	return out
}
