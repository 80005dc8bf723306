package models

import (
	"fmt"
	"time"
)

// Kind is the value type a column holds.
type Kind int

const (
	KindText Kind = iota
	KindInteger
	KindFloat
	KindTimestamp
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindTimestamp:
		return "timestamp"
	default:
		return "text"
	}
}

// Value is a single cell of an Extract. Exactly one of the payload fields
// is meaningful, selected by Kind, unless Null is set.
type Value struct {
	Kind  Kind
	Null  bool
	Int   int64
	Float float64
	Time  time.Time
	Text  string
}

func Int(v int64) Value           { return Value{Kind: KindInteger, Int: v} }
func Float(v float64) Value       { return Value{Kind: KindFloat, Float: v} }
func Timestamp(v time.Time) Value { return Value{Kind: KindTimestamp, Time: v} }
func Text(v string) Value         { return Value{Kind: KindText, Text: v} }

// Null returns a missing value. Its Kind is text so it never influences inference.
func Null() Value { return Value{Kind: KindText, Null: true} }

// Any returns the value in the form database drivers accept.
func (v Value) Any() any {
	if v.Null {
		return nil
	}
	switch v.Kind {
	case KindInteger:
		return v.Int
	case KindFloat:
		return v.Float
	case KindTimestamp:
		return v.Time
	default:
		return v.Text
	}
}

// As converts the value to the given column kind. Integers widen to
// floats; anything else that does not match is rendered as text.
func (v Value) As(k Kind) Value {
	if v.Null || v.Kind == k {
		return v
	}
	switch {
	case k == KindFloat && v.Kind == KindInteger:
		return Float(float64(v.Int))
	case k == KindText:
		return Text(v.String())
	}
	return v
}

func (v Value) String() string {
	if v.Null {
		return ""
	}
	switch v.Kind {
	case KindInteger:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%v", v.Float)
	case KindTimestamp:
		return v.Time.Format("2006-01-02 15:04:05")
	default:
		return v.Text
	}
}

// Extract is an in-memory table produced fresh by a source on every run.
// Rows share the column order of Columns. It must not be mutated once
// handed to a loader.
type Extract struct {
	Name       string
	Columns    []string
	Rows       [][]Value
	PrimaryKey string
}

// ColumnIndex returns the position of the named column or -1.
func (e *Extract) ColumnIndex(name string) int {
	for i, c := range e.Columns {
		if c == name {
			return i
		}
	}
	return -1
}

func (e *Extract) Len() int { return len(e.Rows) }

// Column returns every value of the named column in row order.
func (e *Extract) Column(name string) ([]Value, error) {
	idx := e.ColumnIndex(name)
	if idx < 0 {
		return nil, fmt.Errorf("extract %s has no column %q", e.Name, name)
	}
	out := make([]Value, 0, len(e.Rows))
	for _, row := range e.Rows {
		out = append(out, row[idx])
	}
	return out, nil
}

// Batches splits the rows into contiguous slices of at most size rows.
func (e *Extract) Batches(size int) [][][]Value {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var out [][][]Value
	for i := 0; i < len(e.Rows); i += size {
		j := i + size
		if j > len(e.Rows) {
			j = len(e.Rows)
		}
		out = append(out, e.Rows[i:j])
	}
	return out
}

const DefaultBatchSize = 1000
