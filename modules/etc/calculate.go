package etc

import (
	"strconv"

	"github.com/northbeacon/agent/pkg/expr"
	"github.com/northbeacon/agent/pkg/query"
	"github.com/northbeacon/agent/pkg/value"
)

// QueryWarning is a non-fatal message surfaced alongside a
// materialized table: a query-level warning/info
// substitution, or a per-row item-id failure that degraded a row
// instead of failing the whole table.
type QueryWarning struct {
	Level   string
	Message string
}

// ResultRow is one materialized table row: its identity (positional
// index, unless the table declares an item-id expression) and the
// computed cell for every field that applies to the requested mode.
type ResultRow struct {
	ItemID value.Value // zero Value when the table has no item_id expression
	Cells  map[string]value.Value
}

// Annotated pairs a materialized value with any warnings raised while
// producing it.
type Annotated[T any] struct {
	Value    T
	Warnings []QueryWarning
}

// AppliesToMode reports whether table has at least one field relevant
// to mode, the condition under which the scheduler bothers querying
// it at all.
func (t *Table) AppliesToMode(mode QueryMode) bool {
	for _, f := range t.Fields {
		if f.AppliesTo(mode) {
			return true
		}
	}
	return false
}

// Calculate materializes one table under mode: runs its query, then
// evaluates every applicable field's source against each result row
// to produce the row's cells, coercing each to its declared input
// type. A query whose optional data sources were all absent returns
// an error satisfying query.IsDoesNotExist; callers skip the table
// rather than report a failure.
func Calculate(mode QueryMode, t *Table) (Annotated[[]ResultRow], error) {
	tbl, qwarns, err := query.Run(t.Query)
	if err != nil {
		return Annotated[[]ResultRow]{}, err
	}
	warnings := make([]QueryWarning, 0, len(qwarns))
	for _, w := range qwarns {
		warnings = append(warnings, QueryWarning{Level: w.Level, Message: w.Message})
	}

	var applicable []Field
	for _, f := range t.Fields {
		if f.AppliesTo(mode) {
			applicable = append(applicable, f)
		}
	}

	out := make([]ResultRow, 0, len(tbl.Rows))
	for i, row := range tbl.Rows {
		cells := make(map[string]value.Value, len(applicable))
		for _, f := range applicable {
			v, cellErr := evalField(f, row)
			if cellErr != nil {
				// Cell-level errors never fail a row; the field is
				// left out of the row's cells and the error is not kept.
				continue
			}
			cells[f.Name] = v
		}

		itemID := value.Value{}
		if t.ItemID != nil {
			v, ierr := t.ItemID.Eval(expr.Row{Vars: row})
			if ierr != nil {
				// A failing item-id expression degrades the row to an
				// omitted/warning row rather than failing the table.
				warnings = append(warnings, QueryWarning{
					Level:   "warn",
					Message: "row " + strconv.Itoa(i) + ": item_id evaluation failed: " + ierr.Error(),
				})
				continue
			}
			itemID = v
		} else {
			itemID = value.IntVal(int64(i))
		}
		out = append(out, ResultRow{ItemID: itemID, Cells: cells})
	}
	return Annotated[[]ResultRow]{Value: out, Warnings: warnings}, nil
}

func evalField(f Field, row query.Row) (value.Value, error) {
	var v value.Value
	var err error
	switch f.Source.Kind {
	case SourceDataField:
		v, ok := row[f.Source.DataField]
		if !ok {
			return value.Value{}, value.Missing()
		}
		return v.CastTo(f.InputType)
	case SourceLiteral:
		v = f.Source.Literal
	case SourceFormula:
		v, err = f.Source.Formula.Eval(expr.Row{Vars: row})
		if err != nil {
			return value.Value{}, err
		}
	}
	return v.CastTo(f.InputType)
}
