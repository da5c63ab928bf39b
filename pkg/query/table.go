// Package query implements the declarative relational query engine
// that assembles protocol data tables into the row sets consumed by
// monitoring pack field expressions.
package query

import (
	"github.com/northbeacon/agent/pkg/value"
)

// Row is one record of a Table: a named set of column values.
type Row map[string]value.Value

// Clone returns a shallow copy safe to mutate independently of the
// original row (Values themselves are immutable).
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Schema describes a Table's columns and, when present, the subset of
// columns that uniquely identifies each row.
type Schema struct {
	Fields     map[string]value.Type
	PrimaryKey []string
}

// HasPrimaryKeyExactly reports whether this schema's declared primary
// key is exactly the given column set (order-independent), the
// condition the join typecheck rule requires of at least one operand.
func (s Schema) HasPrimaryKeyExactly(cols []string) bool {
	if len(s.PrimaryKey) != len(cols) {
		return false
	}
	want := make(map[string]bool, len(cols))
	for _, c := range cols {
		want[c] = true
	}
	for _, c := range s.PrimaryKey {
		if !want[c] {
			return false
		}
	}
	return true
}

// Table is a fully materialized query result: a schema plus rows.
type Table struct {
	Schema Schema
	Rows   []Row
}

// Warning is a non-fatal message surfaced when a Warn/Info error
// action substitutes an empty table for a failed data source.
type Warning struct {
	Level   string // "warn" | "info"
	Message string
}
